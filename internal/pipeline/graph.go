// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/bus"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/results"
)

// StageFactory builds stages; *backend.Backend satisfies it.
type StageFactory interface {
	CreateStage(ctx context.Context, desc model.StageDescriptor) (backend.Stage, error)
}

// Bus is the part of the dispatcher the pipeline needs.
type Bus interface {
	Post(e bus.Event) uint64
	Subscribe(f bus.Filter, h bus.Handler) func()
}

type branch struct {
	id      model.SourceID
	stages  []backend.Stage
	ctx     context.Context
	cancel  context.CancelFunc
	pumping bool
}

// graph is the realized stage graph of one handle: a trunk of owned stages,
// stages shared with other handles, and one branch per dynamic source.
// Every method returns immediately; stage work runs on worker goroutines
// that report completion as bus events.
type graph struct {
	handle   model.HandleID
	factory  StageFactory
	bus      Bus
	feed     results.Publisher
	template []model.StageDescriptor
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	trunk     []backend.Stage
	shared    []backend.Stage
	detector  backend.Detector
	branches  map[model.SourceID]*branch
	reqCancel context.CancelFunc
	gen       uint64
	closed    bool
}

func newGraph(ctx context.Context, cfg Config, factory StageFactory, b Bus, logger zerolog.Logger) (*graph, error) {
	g := &graph{
		handle:   cfg.Handle,
		factory:  factory,
		bus:      b,
		feed:     cfg.Results,
		template: cfg.BranchStages,
		logger:   logger,
		shared:   cfg.Shared,
		branches: map[model.SourceID]*branch{},
	}
	for _, desc := range cfg.Trunk {
		st, err := factory.CreateStage(ctx, desc)
		if err != nil {
			closeStages(g.trunk)
			return nil, fmt.Errorf("build trunk stage %q: %w", desc.Name, err)
		}
		g.trunk = append(g.trunk, st)
	}
	for _, st := range append(append([]backend.Stage(nil), g.shared...), g.trunk...) {
		if det, ok := st.(backend.Detector); ok && st.Kind() == model.StageInfer {
			g.detector = det
			break
		}
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g, nil
}

func (g *graph) post(e bus.Event) {
	e.Handle = g.handle
	g.bus.Post(e)
}

// requestState starts moving every owned stage to target and returns the
// request generation. A newer or aborted request reports nothing.
func (g *graph) requestState(target model.LifecycleState) (uint64, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, ErrClosed
	}
	if g.reqCancel != nil {
		g.reqCancel()
	}
	g.gen++
	gen := g.gen
	ctx, cancel := context.WithCancel(g.ctx)
	g.reqCancel = cancel
	trunk := append([]backend.Stage(nil), g.trunk...)
	branches := make([]*branch, 0, len(g.branches))
	for _, b := range g.branches {
		branches = append(branches, b)
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		defer cancel()
		for _, st := range trunk {
			if err := st.SetState(ctx, target); err != nil {
				if ctx.Err() != nil {
					return
				}
				ev := bus.Error(g.handle, "", fmt.Errorf("%s -> %s: %w", st.Name(), target, err), true)
				ev.Origin = st.Name()
				g.post(ev)
				return
			}
		}
		for _, b := range branches {
			for _, st := range b.stages {
				if err := st.SetState(ctx, target); err != nil {
					if ctx.Err() != nil {
						return
					}
					ev := bus.Error(g.handle, b.id, err, backend.IsFatal(err))
					ev.Origin = st.Name()
					g.post(ev)
					break
				}
			}
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if ctx.Err() != nil || g.closed || g.gen != gen {
			return
		}
		g.post(bus.StateConfirmed(g.handle, target))
	}()
	return gen, nil
}

// abortRequest cancels request gen if it is still the latest one. Stages it
// already moved keep their state; no confirmation is posted for it.
func (g *graph) abortRequest(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return
	}
	if g.reqCancel != nil {
		g.reqCancel()
		g.reqCancel = nil
	}
	g.gen++
}

// attachBranch constructs the stages for a source and links them.
func (g *graph) attachBranch(ctx context.Context, desc model.SourceDescriptor) error {
	descs := make([]model.StageDescriptor, 0, 1+len(g.template))
	dec := desc.DecodeStage()
	dec.Config["source"] = string(desc.ID)
	descs = append(descs, dec)
	for _, t := range g.template {
		d := t
		d.Name = fmt.Sprintf("%s-%s", t.Name, desc.ID)
		d.Config = map[string]string{"source": string(desc.ID)}
		for k, v := range t.Config {
			d.Config[k] = v
		}
		descs = append(descs, d)
	}

	stages := make([]backend.Stage, 0, len(descs))
	for _, d := range descs {
		st, err := g.factory.CreateStage(ctx, d)
		if err != nil {
			closeStages(stages)
			return err
		}
		stages = append(stages, st)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		closeStages(stages)
		return ErrClosed
	}
	if _, exists := g.branches[desc.ID]; exists {
		closeStages(stages)
		return fmt.Errorf("branch %s already linked", desc.ID)
	}
	bctx, cancel := context.WithCancel(g.ctx)
	g.branches[desc.ID] = &branch{id: desc.ID, stages: stages, ctx: bctx, cancel: cancel}
	return nil
}

func (g *graph) lookup(id model.SourceID) (*branch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	b, ok := g.branches[id]
	if !ok {
		return nil, ErrUnknownBranch
	}
	g.wg.Add(1)
	return b, nil
}

// syncBranch brings a branch to target and then reports SourceSyncConfirmed.
func (g *graph) syncBranch(id model.SourceID, target model.LifecycleState) error {
	b, err := g.lookup(id)
	if err != nil {
		return err
	}
	go func() {
		defer g.wg.Done()
		for _, st := range b.stages {
			if err := st.SetState(b.ctx, target); err != nil {
				if b.ctx.Err() != nil {
					return
				}
				ev := bus.Error(g.handle, id, err, backend.IsFatal(err))
				ev.Origin = st.Name()
				g.post(ev)
				return
			}
		}
		if b.ctx.Err() != nil {
			return
		}
		g.startPump(b)
		g.post(bus.SourceSyncConfirmed(g.handle, id))
	}()
	return nil
}

func (g *graph) startPump(b *branch) {
	if g.feed == nil || len(b.stages) == 0 {
		return
	}
	fs, ok := b.stages[0].(backend.FrameSource)
	if !ok {
		return
	}
	g.mu.Lock()
	det := g.detector
	if det == nil || b.pumping || g.closed {
		g.mu.Unlock()
		return
	}
	b.pumping = true
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		results.Pump(b.ctx, b.id, fs.Frames(), det, g.feed, g.logger)
	}()
}

// drainBranch flushes a branch and then reports a per-source EndOfStream.
func (g *graph) drainBranch(id model.SourceID) error {
	b, err := g.lookup(id)
	if err != nil {
		return err
	}
	go func() {
		defer g.wg.Done()
		for _, st := range b.stages {
			if err := st.Drain(b.ctx); err != nil {
				if b.ctx.Err() != nil {
					return
				}
				ev := bus.Error(g.handle, id, err, backend.IsFatal(err))
				ev.Origin = st.Name()
				g.post(ev)
				return
			}
		}
		if b.ctx.Err() != nil {
			return
		}
		g.post(bus.SourceEndOfStream(g.handle, id))
	}()
	return nil
}

// unlinkBranch cancels outstanding work on a branch and releases its stages.
func (g *graph) unlinkBranch(id model.SourceID) error {
	g.mu.Lock()
	b, ok := g.branches[id]
	delete(g.branches, id)
	g.mu.Unlock()
	if !ok {
		return ErrUnknownBranch
	}
	b.cancel()
	if f, ok := g.feed.(interface{ Forget(model.SourceID) }); ok {
		f.Forget(id)
	}
	return closeStages(b.stages)
}

// teardown closes every owned stage and waits for workers. Shared stages
// are left to their owner. Safe to call more than once.
func (g *graph) teardown() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		g.wg.Wait()
		return
	}
	g.closed = true
	branches := g.branches
	g.branches = map[model.SourceID]*branch{}
	trunk := g.trunk
	g.trunk = nil
	g.mu.Unlock()

	g.cancel()
	for _, b := range branches {
		if err := closeStages(b.stages); err != nil {
			g.logger.Warn().Err(err).Str(xglog.FieldSourceID, string(b.id)).Msg("close branch stages")
		}
	}
	if err := closeStages(trunk); err != nil {
		g.logger.Warn().Err(err).Msg("close trunk stages")
	}
	g.wg.Wait()
}

func closeStages(stages []backend.Stage) error {
	var errs []error
	for i := len(stages) - 1; i >= 0; i-- {
		if err := stages[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", stages[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
