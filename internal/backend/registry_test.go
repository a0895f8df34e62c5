// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package backend_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/backend/stub"
	"github.com/ManuGH/vaflow/internal/model"
)

// reentrant calls back into its registry from inside the probe.
type reentrant struct {
	reg *backend.Registry
	err error
}

func (r *reentrant) Capabilities(ctx context.Context) []model.StageKind {
	_, r.err = r.reg.Acquire(ctx, nil)
	return nil
}

func (r *reentrant) Construct(context.Context, model.StageDescriptor) (backend.Stage, error) {
	return nil, errors.New("unused")
}

func TestNegotiateFallsBackToStub(t *testing.T) {
	hw := stub.New(stub.WithCapabilities())
	sw := stub.New(stub.WithCapabilities())
	ts := stub.New(stub.WithCapabilities(model.StageDecode, model.StageInfer, model.StageRender))
	reg := backend.NewRegistry(backend.Candidates{Hardware: hw, Software: sw, TestStub: ts})

	b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageDecode, model.StageInfer})
	require.NoError(t, err)
	require.Equal(t, model.BackendTestStub, b.Kind())

	again, err := reg.Acquire(context.Background(), []model.StageKind{model.StageDecode})
	require.NoError(t, err)
	require.Same(t, b, again)
	require.Equal(t, 1, hw.Probes())
	require.Equal(t, 1, sw.Probes())
	require.Equal(t, 1, ts.Probes())

	_, err = b.CreateStage(context.Background(), model.StageDescriptor{Name: "t", Kind: model.StageTrack})
	require.ErrorIs(t, err, backend.ErrUnsupportedStage)
}

func TestNegotiatePrefersHardware(t *testing.T) {
	hw := stub.New()
	sw := stub.New()
	reg := backend.NewRegistry(backend.Candidates{Hardware: hw, Software: sw, TestStub: stub.New()})

	b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageInfer})
	require.NoError(t, err)
	require.Equal(t, model.BackendHardware, b.Kind())
	require.Equal(t, 0, sw.Probes())
}

func TestNegotiatePreferenceOverride(t *testing.T) {
	reg := backend.NewRegistry(
		backend.Candidates{Hardware: stub.New(), Software: stub.New(), TestStub: stub.New()},
		backend.WithPreference(model.BackendSoftware, model.BackendHardware),
	)
	b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageDecode})
	require.NoError(t, err)
	require.Equal(t, model.BackendSoftware, b.Kind())
}

func TestNegotiateUnavailable(t *testing.T) {
	reg := backend.NewRegistry(backend.Candidates{
		Software: stub.New(stub.WithCapabilities(model.StageDecode)),
		TestStub: stub.New(stub.WithCapabilities(model.StageDecode)),
	})
	_, err := reg.Acquire(context.Background(), []model.StageKind{model.StageDecode, model.StageTrack})
	require.ErrorIs(t, err, backend.ErrBackendUnavailable)

	var ue *backend.UnavailableError
	require.ErrorAs(t, err, &ue)
	require.Equal(t, []model.StageKind{model.StageDecode, model.StageTrack}, ue.Required)
	require.Equal(t, 0, reg.Refs())
}

func TestCreateStageWrapsConstructionFailure(t *testing.T) {
	cause := errors.New("model file not found")
	ts := stub.New(stub.WithKindBehavior(model.StageInfer, stub.Behavior{ConstructErr: cause}))
	reg := backend.NewRegistry(backend.Candidates{TestStub: ts})
	b, err := reg.Acquire(context.Background(), nil)
	require.NoError(t, err)

	_, err = b.CreateStage(context.Background(), model.StageDescriptor{Name: "pgie", Kind: model.StageInfer})
	require.ErrorIs(t, err, backend.ErrStageConstructionFailed)
	require.ErrorIs(t, err, cause)

	var sce *backend.StageConstructionError
	require.ErrorAs(t, err, &sce)
	require.Equal(t, "pgie", sce.Stage)
	require.Equal(t, model.BackendTestStub, sce.Backend)
}

func TestReentrantNegotiationFails(t *testing.T) {
	re := &reentrant{}
	reg := backend.NewRegistry(backend.Candidates{Hardware: re, TestStub: stub.New()})
	re.reg = reg

	b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageDecode})
	require.NoError(t, err)
	require.Equal(t, model.BackendTestStub, b.Kind())
	require.ErrorIs(t, re.err, backend.ErrReentrantInit)
}

func TestReleaseTearsDownAtZero(t *testing.T) {
	ts := stub.New()
	reg := backend.NewRegistry(backend.Candidates{TestStub: ts})

	_, err := reg.Acquire(context.Background(), nil)
	require.NoError(t, err)
	_, err = reg.Acquire(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Refs())

	require.NoError(t, reg.Release())
	_, ok := reg.Selected()
	require.True(t, ok)

	require.NoError(t, reg.Release())
	_, ok = reg.Selected()
	require.False(t, ok)
	require.ErrorIs(t, reg.Release(), backend.ErrNotAcquired)

	_, err = reg.Acquire(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, ts.Probes())
}

func TestConcurrentAcquireProbesOnce(t *testing.T) {
	ts := stub.New()
	reg := backend.NewRegistry(backend.Candidates{TestStub: ts})

	var wg sync.WaitGroup
	backends := make([]*backend.Backend, 32)
	for i := range backends {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := reg.Acquire(context.Background(), []model.StageKind{model.StageMux})
			if err == nil {
				backends[i] = b
			}
		}(i)
	}
	wg.Wait()

	for _, b := range backends {
		require.Same(t, backends[0], b)
	}
	require.Equal(t, 1, ts.Probes())
	require.Equal(t, 32, reg.Refs())
}
