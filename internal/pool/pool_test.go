// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vaflow/internal/backend/stub"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/source"
)

type fakeMember struct {
	id        model.HandleID
	addErr    error
	removeErr error

	mu      sync.Mutex
	sources map[model.SourceID]bool
	next    int
}

func newFake(id model.HandleID) *fakeMember {
	return &fakeMember{id: id, sources: map[model.SourceID]bool{}}
}

func (f *fakeMember) ID() model.HandleID { return f.id }

func (f *fakeMember) AddSource(_ context.Context, desc model.SourceDescriptor) (model.SourceID, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := desc.ID
	if id == "" {
		f.next++
		id = model.SourceID(fmt.Sprintf("h%d-%d", f.id, f.next))
	}
	f.sources[id] = true
	return id, nil
}

func (f *fakeMember) RemoveSource(_ context.Context, id model.SourceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sources[id] {
		return source.ErrUnknownSource
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.sources, id)
	return nil
}

func (f *fakeMember) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func newShared(t *testing.T) (*Shared, *Lease, *stub.Stage) {
	t.Helper()
	sb := stub.New()
	st, err := sb.Construct(context.Background(), model.StageDescriptor{Name: "pgie", Kind: model.StageInfer})
	require.NoError(t, err)
	shared, owner := NewShared(st)
	stage, _ := sb.Stage("pgie")
	return shared, owner, stage
}

func TestCapacityExhaustion(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	p, err := New(shared, []Member{newFake(0)}, 2, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx := context.Background()

	a, err := p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://a"})
	require.NoError(t, err)
	_, err = p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://b"})
	require.NoError(t, err)

	_, err = p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://c"})
	require.ErrorIs(t, err, ErrPoolExhausted)
	require.Equal(t, 2, p.InUse())

	require.NoError(t, p.ReleaseSlot(ctx, a))
	c, err := p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://c"})
	require.NoError(t, err)
	require.Equal(t, "rtsp://c", c.Locator)
	require.Equal(t, 3, shared.Refs())
}

func TestLeastLoadedPlacement(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	h2, h0, h1 := newFake(2), newFake(0), newFake(1)
	p, err := New(shared, []Member{h2, h0, h1}, 10, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx := context.Background()

	var handles []model.HandleID
	var slots []*Slot
	for i := 0; i < 4; i++ {
		s, err := p.AcquireSlot(ctx, model.SourceDescriptor{Locator: fmt.Sprintf("rtsp://%d", i)})
		require.NoError(t, err)
		handles = append(handles, s.Handle)
		slots = append(slots, s)
	}
	require.Equal(t, []model.HandleID{0, 1, 2, 0}, handles)

	require.NoError(t, p.ReleaseSlot(ctx, slots[1]))
	s, err := p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://next"})
	require.NoError(t, err)
	require.Equal(t, model.HandleID(1), s.Handle)
	require.Equal(t, map[model.HandleID]int{0: 2, 1: 1, 2: 1}, p.Load())
	require.Equal(t, 2, h0.count())
}

func TestSharedClosedAfterLastRelease(t *testing.T) {
	shared, owner, stage := newShared(t)
	p, err := New(shared, []Member{newFake(0)}, 2, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx := context.Background()

	slot, err := p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://a"})
	require.NoError(t, err)
	require.Equal(t, 2, shared.Refs())

	require.NoError(t, owner.Release())
	require.NoError(t, owner.Release())
	require.False(t, stage.Closed())
	require.Equal(t, 1, shared.Refs())

	require.NoError(t, p.ReleaseSlot(ctx, slot))
	require.True(t, stage.Closed())
	require.True(t, shared.Closed())

	_, err = p.AcquireSlot(ctx, model.SourceDescriptor{Locator: "rtsp://b"})
	require.ErrorIs(t, err, ErrSharedClosed)
	require.Zero(t, p.InUse())
}

func TestFailedAddReturnsLease(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	m := newFake(0)
	m.addErr = source.ErrSourceSyncFailed
	p, err := New(shared, []Member{m}, 1, WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = p.AcquireSlot(context.Background(), model.SourceDescriptor{Locator: "rtsp://a"})
	require.ErrorIs(t, err, source.ErrSourceSyncFailed)
	require.Zero(t, p.InUse())
	require.Equal(t, 1, shared.Refs())
	require.Equal(t, map[model.HandleID]int{0: 0}, p.Load())
}

func TestReleaseKeepsSlotOnHardError(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	m := newFake(0)
	p, err := New(shared, []Member{m}, 1, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	ctx := context.Background()

	slot, err := p.AcquireSlot(ctx, model.SourceDescriptor{ID: "cam", Locator: "rtsp://a"})
	require.NoError(t, err)

	m.removeErr = context.Canceled
	require.ErrorIs(t, p.ReleaseSlot(ctx, slot), context.Canceled)
	got, ok := p.BySource("cam")
	require.True(t, ok)
	require.Equal(t, slot.ID, got.ID)

	m.removeErr = &source.ForcedRemovalWarning{ID: "cam", Cause: errors.New("drain stuck")}
	require.ErrorIs(t, p.ReleaseSlot(ctx, slot), source.ErrForcedRemoval)
	require.Zero(t, p.InUse())
	require.ErrorIs(t, p.ReleaseSlot(ctx, slot), ErrUnknownSlot)
}

func TestReleaseAfterShutdownFreesSlot(t *testing.T) {
	shared, owner, stage := newShared(t)
	m := newFake(0)
	p, err := New(shared, []Member{m}, 2, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	for _, id := range []model.SourceID{"a", "b"} {
		_, err := p.AcquireSlot(context.Background(), model.SourceDescriptor{ID: id, Locator: "rtsp://" + string(id)})
		require.NoError(t, err)
	}

	m.removeErr = shutdown.ErrShutdown
	require.NoError(t, p.Drain(context.Background()))
	require.Zero(t, p.InUse())
	require.Equal(t, 1, shared.Refs())

	require.NoError(t, owner.Release())
	require.True(t, stage.Closed())
}

func TestDrainReleasesEverything(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	m0, m1 := newFake(0), newFake(1)
	p, err := New(shared, []Member{m0, m1}, 4, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := p.AcquireSlot(context.Background(), model.SourceDescriptor{Locator: fmt.Sprintf("rtsp://%d", i)})
		require.NoError(t, err)
	}
	require.Len(t, p.Slots(), 4)

	require.NoError(t, p.Drain(context.Background()))
	require.Empty(t, p.Slots())
	require.Zero(t, m0.count()+m1.count())
	require.Equal(t, 1, shared.Refs())
}

func TestNewValidates(t *testing.T) {
	shared, owner, _ := newShared(t)
	defer owner.Release()
	_, err := New(nil, []Member{newFake(0)}, 1)
	require.Error(t, err)
	_, err = New(shared, nil, 1)
	require.Error(t, err)
	_, err = New(shared, []Member{newFake(0)}, 0)
	require.Error(t, err)
}
