// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stub is the no-op test backend. Every stage kind is supported and
// completes immediately unless a Behavior says otherwise, which lets tests
// script slow, stuck, or failing stages.
package stub

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/model"
)

// Behavior scripts how stages react.
type Behavior struct {
	// StateDelay is applied before every SetState completes.
	StateDelay time.Duration
	// Hold lists targets that never complete; SetState blocks until ctx ends.
	Hold []model.LifecycleState
	// HoldDrain makes Drain block until ctx ends.
	HoldDrain bool
	// ConstructErr fails construction.
	ConstructErr error
	// StateErr is returned from SetState.
	StateErr error
	// FrameInterval makes decode stages emit frames while playing.
	FrameInterval time.Duration
}

// Option configures a Backend.
type Option func(*Backend)

// WithCapabilities restricts the advertised stage kinds.
func WithCapabilities(kinds ...model.StageKind) Option {
	return func(b *Backend) { b.caps = slices.Clone(kinds) }
}

// WithKindBehavior scripts every stage of a kind.
func WithKindBehavior(kind model.StageKind, bh Behavior) Option {
	return func(b *Backend) { b.byKind[kind] = bh }
}

// WithStageBehavior scripts the stage with the given name. It takes
// precedence over kind behaviors.
func WithStageBehavior(name string, bh Behavior) Option {
	return func(b *Backend) { b.byName[name] = bh }
}

// Backend implements backend.Implementation.
type Backend struct {
	mu     sync.Mutex
	caps   []model.StageKind
	byKind map[model.StageKind]Behavior
	byName map[string]Behavior
	stages map[string]*Stage
	probes int
}

var _ backend.Implementation = (*Backend)(nil)

// New returns a stub supporting every stage kind.
func New(opts ...Option) *Backend {
	b := &Backend{
		caps:   model.AllStageKinds(),
		byKind: map[model.StageKind]Behavior{},
		byName: map[string]Behavior{},
		stages: map[string]*Stage{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Capabilities implements backend.Implementation.
func (b *Backend) Capabilities(context.Context) []model.StageKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++
	return slices.Clone(b.caps)
}

// Probes returns how many times Capabilities was called.
func (b *Backend) Probes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probes
}

// Construct implements backend.Implementation.
func (b *Backend) Construct(_ context.Context, desc model.StageDescriptor) (backend.Stage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bh, ok := b.byName[desc.Name]
	if !ok {
		bh = b.byKind[desc.Kind]
	}
	if bh.ConstructErr != nil {
		return nil, bh.ConstructErr
	}
	st := &Stage{
		name:     desc.Name,
		kind:     desc.Kind,
		behavior: bh,
		source:   model.SourceID(desc.Param("source", "")),
		frames:   make(chan model.Frame, 16),
	}
	b.stages[desc.Name] = st
	return st, nil
}

// Stage returns the most recent stage constructed under name.
func (b *Backend) Stage(name string) (*Stage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stages[name]
	return st, ok
}

// Stage is a no-op stage that records what was asked of it.
type Stage struct {
	name     string
	kind     model.StageKind
	behavior Behavior
	source   model.SourceID

	mu       sync.Mutex
	state    model.LifecycleState
	drained  bool
	closed   bool
	seq      uint64
	stopGen  chan struct{}
	genDone  chan struct{}
	frames   chan model.Frame
	closeOne sync.Once
}

var (
	_ backend.Stage       = (*Stage)(nil)
	_ backend.FrameSource = (*Stage)(nil)
	_ backend.Detector    = (*Stage)(nil)
)

func (s *Stage) Name() string          { return s.name }
func (s *Stage) Kind() model.StageKind { return s.kind }

// State returns the last state the stage completed.
func (s *Stage) State() model.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Drained reports whether Drain completed.
func (s *Stage) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}

// Closed reports whether Close was called.
func (s *Stage) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetState implements backend.Stage.
func (s *Stage) SetState(ctx context.Context, target model.LifecycleState) error {
	if d := s.behavior.StateDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	if slices.Contains(s.behavior.Hold, target) {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.behavior.StateErr != nil {
		return s.behavior.StateErr
	}

	s.mu.Lock()
	s.state = target
	closed := s.closed
	s.mu.Unlock()

	if s.kind == model.StageDecode && s.behavior.FrameInterval > 0 && !closed {
		if target == model.StatePlaying {
			s.startFrames()
		} else {
			s.stopFrames()
		}
	}
	return nil
}

// Drain implements backend.Stage.
func (s *Stage) Drain(ctx context.Context) error {
	if s.behavior.HoldDrain {
		<-ctx.Done()
		return ctx.Err()
	}
	s.stopFrames()
	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()
	return nil
}

// Close implements backend.Stage.
func (s *Stage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.state = model.StateNull
	s.mu.Unlock()
	s.stopFrames()
	s.closeOne.Do(func() { close(s.frames) })
	return nil
}

// Frames implements backend.FrameSource.
func (s *Stage) Frames() <-chan model.Frame { return s.frames }

// Detect implements backend.Detector with one fixed detection per frame.
func (s *Stage) Detect(_ context.Context, f model.Frame) ([]model.Detection, error) {
	return []model.Detection{{
		ClassID:    0,
		Label:      "object",
		Confidence: 0.5,
		Box:        model.BoundingBox{Left: 0, Top: 0, Width: float64(f.Width) / 4, Height: float64(f.Height) / 4},
	}}, nil
}

func (s *Stage) startFrames() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopGen != nil || s.closed {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stopGen, s.genDone = stop, done
	go s.generate(stop, done)
}

func (s *Stage) stopFrames() {
	s.mu.Lock()
	stop, done := s.stopGen, s.genDone
	s.stopGen, s.genDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Stage) generate(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.behavior.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			s.seq++
			f := model.Frame{Source: s.source, Sequence: s.seq, Timestamp: now, Width: 1280, Height: 720}
			s.mu.Unlock()
			select {
			case s.frames <- f:
			default:
			}
		}
	}
}
