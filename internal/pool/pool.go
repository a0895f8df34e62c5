// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pool spreads sources over several pipeline handles that share one
// inference resource, and bounds how many sources run at once.
package pool

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/source"
)

// ErrPoolExhausted is returned when every slot is leased.
var ErrPoolExhausted = errors.New("stream pool exhausted")

// ErrUnknownSlot is returned when releasing a slot the pool does not hold.
var ErrUnknownSlot = errors.New("unknown stream slot")

// Member is the registry of one pooled pipeline handle.
type Member interface {
	ID() model.HandleID
	AddSource(ctx context.Context, desc model.SourceDescriptor) (model.SourceID, error)
	RemoveSource(ctx context.Context, id model.SourceID) error
}

// Slot binds one source to a lease on the shared resource.
type Slot struct {
	ID         string         `json:"slot_id"`
	Source     model.SourceID `json:"source_id"`
	Handle     model.HandleID `json:"handle"`
	Locator    string         `json:"locator"`
	AcquiredAt time.Time      `json:"acquired_at"`

	lease  *Lease
	member *member
}

type member struct {
	Member
	active int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// Pool leases stream slots.
type Pool struct {
	shared   *Shared
	capacity int
	logger   zerolog.Logger

	mu      sync.Mutex
	members []*member
	slots   map[string]*Slot
	inUse   int
}

// New builds a pool of capacity slots over members. Members are ordered by
// handle id for placement.
func New(shared *Shared, members []Member, capacity int, opts ...Option) (*Pool, error) {
	if shared == nil {
		return nil, errors.New("pool: shared resource is required")
	}
	if len(members) == 0 {
		return nil, errors.New("pool: at least one member is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("pool: capacity must be positive, got %d", capacity)
	}
	p := &Pool{
		shared:   shared,
		capacity: capacity,
		logger:   xglog.WithComponent("pool"),
		slots:    map[string]*Slot{},
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, m := range members {
		p.members = append(p.members, &member{Member: m})
	}
	slices.SortFunc(p.members, func(a, b *member) int { return cmp.Compare(a.ID(), b.ID()) })
	metrics.SetSlotsInUse(0)
	return p, nil
}

// Capacity returns the configured slot count.
func (p *Pool) Capacity() int { return p.capacity }

// InUse returns the number of leased or reserved slots.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// AcquireSlot places desc on the least-loaded member and leases the shared
// resource for it.
func (p *Pool) AcquireSlot(ctx context.Context, desc model.SourceDescriptor) (*Slot, error) {
	p.mu.Lock()
	if p.inUse >= p.capacity {
		p.mu.Unlock()
		metrics.RecordReject("capacity")
		p.logger.Warn().
			Str(xglog.FieldEvent, "pool.exhausted").
			Str(xglog.FieldLocator, desc.Locator).
			Int("capacity", p.capacity).
			Msg("stream slot refused")
		return nil, ErrPoolExhausted
	}
	m := p.leastLoadedLocked()
	m.active++
	p.inUse++
	metrics.SetSlotsInUse(p.inUse)
	p.mu.Unlock()

	lease, err := p.shared.Acquire()
	if err != nil {
		p.unreserve(m)
		metrics.RecordReject("shared_closed")
		return nil, err
	}

	id, err := m.AddSource(ctx, desc)
	if err != nil {
		if rerr := lease.Release(); rerr != nil {
			p.logger.Error().Err(rerr).Msg("release lease after failed add")
		}
		p.unreserve(m)
		metrics.RecordReject("add_failed")
		return nil, err
	}

	slot := &Slot{
		ID:         uuid.NewString(),
		Source:     id,
		Handle:     m.ID(),
		Locator:    desc.Locator,
		AcquiredAt: time.Now(),
		lease:      lease,
		member:     m,
	}
	p.mu.Lock()
	p.slots[slot.ID] = slot
	p.mu.Unlock()

	metrics.RecordAdmit()
	p.logger.Info().
		Str(xglog.FieldEvent, "pool.slot_acquired").
		Str(xglog.FieldSlotID, slot.ID).
		Str(xglog.FieldSourceID, string(id)).
		Int(xglog.FieldHandle, int(m.ID())).
		Msg("stream slot acquired")
	return slot, nil
}

// leastLoadedLocked picks the member with the fewest slots; members are
// sorted by id so the first minimum wins ties.
func (p *Pool) leastLoadedLocked() *member {
	best := p.members[0]
	for _, m := range p.members[1:] {
		if m.active < best.active {
			best = m
		}
	}
	return best
}

func (p *Pool) unreserve(m *member) {
	p.mu.Lock()
	m.active--
	p.inUse--
	metrics.SetSlotsInUse(p.inUse)
	p.mu.Unlock()
}

// ReleaseSlot removes the slot's source from its registry and returns the
// lease. A forced removal is passed through as a warning; the slot is freed.
// After shutdown is requested the slot is freed too: the pipeline teardown
// unlinks whatever branch is left.
func (p *Pool) ReleaseSlot(ctx context.Context, slot *Slot) error {
	p.mu.Lock()
	held, ok := p.slots[slot.ID]
	if ok {
		delete(p.slots, slot.ID)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("slot %s: %w", slot.ID, ErrUnknownSlot)
	}

	err := held.member.RemoveSource(ctx, held.Source)
	if err != nil && !errors.Is(err, source.ErrForcedRemoval) && !errors.Is(err, source.ErrUnknownSource) &&
		!errors.Is(err, shutdown.ErrShutdown) {
		// The source is still attached; keep the slot so it can be retried.
		p.mu.Lock()
		p.slots[held.ID] = held
		p.mu.Unlock()
		return err
	}

	if lerr := held.lease.Release(); lerr != nil {
		p.logger.Error().Err(lerr).Str(xglog.FieldSlotID, held.ID).Msg("release shared resource")
	}
	p.unreserve(held.member)
	p.logger.Info().
		Str(xglog.FieldEvent, "pool.slot_released").
		Str(xglog.FieldSlotID, held.ID).
		Str(xglog.FieldSourceID, string(held.Source)).
		Int(xglog.FieldHandle, int(held.Handle)).
		Msg("stream slot released")
	if errors.Is(err, source.ErrUnknownSource) {
		return nil
	}
	return err
}

// Slots returns every leased slot ordered by handle then source id.
func (p *Pool) Slots() []Slot {
	p.mu.Lock()
	out := make([]Slot, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, *s)
	}
	p.mu.Unlock()
	slices.SortFunc(out, func(a, b Slot) int {
		if c := cmp.Compare(a.Handle, b.Handle); c != 0 {
			return c
		}
		return cmp.Compare(a.Source, b.Source)
	})
	return out
}

// BySource finds the slot carrying a source.
func (p *Pool) BySource(id model.SourceID) (*Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.Source == id {
			return s, true
		}
	}
	return nil, false
}

// Load returns the active slot count per handle.
func (p *Pool) Load() map[model.HandleID]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[model.HandleID]int, len(p.members))
	for _, m := range p.members {
		out[m.ID()] = m.active
	}
	return out
}

// Drain releases every slot concurrently. Forced removals and removals cut
// short by shutdown are not errors here.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	slots := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			err := p.ReleaseSlot(ctx, s)
			if err != nil && !errors.Is(err, source.ErrForcedRemoval) && !errors.Is(err, shutdown.ErrShutdown) {
				return fmt.Errorf("release slot %s: %w", s.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}
