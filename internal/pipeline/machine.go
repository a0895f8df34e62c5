// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pipeline owns the lifecycle of one processing graph.
//
// A Machine moves its graph through Null < Ready < Paused < Playing. Every
// step is requested from the graph, which completes it off-loop; the step is
// only considered done once the dispatcher delivers a StateConfirmed event
// for it. At most one request is in flight per Machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/bus"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/results"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/telemetry"
)

// DefaultTransitionTimeout bounds each step when Config leaves it unset.
const DefaultTransitionTimeout = 5 * time.Second

// Config describes one pipeline handle.
type Config struct {
	Handle            model.HandleID
	TransitionTimeout time.Duration
	// Trunk stages are built and owned by the handle.
	Trunk []model.StageDescriptor
	// Shared stages are owned elsewhere (the pool) and never closed here.
	Shared []backend.Stage
	// BranchStages are appended after the decode stage of every source.
	BranchStages []model.StageDescriptor
	// MaxSources caps attached branches; 0 means unlimited.
	MaxSources  int
	Results     results.Publisher
	HistorySize int
}

// View is the read-only face of a handle given to the registry and pool.
type View interface {
	ID() model.HandleID
	State() model.LifecycleState
	ShouldContinue() bool
	Failed() error
	ActiveSources() []model.SourceID
}

// Snapshot is a point-in-time copy of handle state.
type Snapshot struct {
	Handle         model.HandleID       `json:"handle"`
	State          model.LifecycleState `json:"state"`
	ShouldContinue bool                 `json:"should_continue"`
	Failed         string               `json:"failed,omitempty"`
	Sources        []model.SourceID     `json:"sources"`
	History        []TransitionRecord   `json:"history,omitempty"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithShutdown sets the flag that interrupts waits.
func WithShutdown(f *shutdown.Flag) Option {
	return func(m *Machine) { m.flag = f }
}

// WithLogger sets the machine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithTracer sets the tracer used for transition spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

type transition struct {
	target model.LifecycleState
	rec    *bus.Pending[error]
}

// Machine is the exclusive owner of one pipeline handle.
type Machine struct {
	cfg    Config
	graph  *graph
	flag   *shutdown.Flag
	logger zerolog.Logger
	tracer trace.Tracer
	unsub  func()
	txSem  chan struct{}
	eos    chan struct{}
	hist   *history
	wg     sync.WaitGroup

	mu             sync.Mutex
	state          model.LifecycleState
	shouldContinue bool
	failed         error
	closed         bool
	pending        *transition
	sources        map[model.SourceID]struct{}
}

var _ View = (*Machine)(nil)

// New builds the trunk through factory and subscribes to the handle's
// events on b. The machine starts in Null.
func New(ctx context.Context, factory StageFactory, b Bus, cfg Config, opts ...Option) (*Machine, error) {
	if cfg.TransitionTimeout <= 0 {
		cfg.TransitionTimeout = DefaultTransitionTimeout
	}
	m := &Machine{
		cfg:            cfg,
		flag:           shutdown.Global(),
		tracer:         telemetry.Tracer("vaflow/pipeline"),
		txSem:          make(chan struct{}, 1),
		eos:            make(chan struct{}, 1),
		hist:           newHistory(cfg.HistorySize),
		state:          model.StateNull,
		shouldContinue: true,
		sources:        map[model.SourceID]struct{}{},
	}
	m.logger = xglog.WithComponent("pipeline")
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Int(xglog.FieldHandle, int(cfg.Handle)).Logger()

	g, err := newGraph(ctx, cfg, factory, b, m.logger)
	if err != nil {
		return nil, err
	}
	m.graph = g
	m.unsub = b.Subscribe(bus.ForHandle(cfg.Handle, bus.ClassState|bus.ClassStream|bus.ClassFatal|bus.ClassError), m.handle)
	metrics.SetPipelineState(int(cfg.Handle), int(model.StateNull))
	return m, nil
}

// ID implements View.
func (m *Machine) ID() model.HandleID { return m.cfg.Handle }

// State implements View. It is always the last confirmed state.
func (m *Machine) State() model.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShouldContinue implements View; it turns false on end of stream.
func (m *Machine) ShouldContinue() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shouldContinue
}

// Failed implements View and returns the fatal error that stopped the handle.
func (m *Machine) Failed() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// ActiveSources implements View.
func (m *Machine) ActiveSources() []model.SourceID {
	m.mu.Lock()
	out := make([]model.SourceID, 0, len(m.sources))
	for id := range m.sources {
		out = append(out, id)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

// CanAdmitSources reports whether branches may be attached now.
func (m *Machine) CanAdmitSources() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.failed == nil && m.state >= model.StatePaused
}

// History returns up to n recent transition records, oldest first.
func (m *Machine) History(n int) []TransitionRecord {
	return m.hist.recent(n)
}

// Snapshot copies the handle state.
func (m *Machine) Snapshot(historyN int) Snapshot {
	s := Snapshot{
		Handle:  m.cfg.Handle,
		Sources: m.ActiveSources(),
		History: m.History(historyN),
	}
	m.mu.Lock()
	s.State = m.state
	s.ShouldContinue = m.shouldContinue
	if m.failed != nil {
		s.Failed = m.failed.Error()
	}
	m.mu.Unlock()
	return s
}

// SetState drives the handle to target, visiting intermediate states in
// order. Concurrent callers are serialized.
func (m *Machine) SetState(ctx context.Context, target model.LifecycleState) error {
	if !target.Valid() {
		return fmt.Errorf("invalid target state %d", int(target))
	}
	ctx, span := m.tracer.Start(ctx, "pipeline.set_state")
	defer span.End()

	select {
	case m.txSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.flag.Done():
		return shutdown.ErrShutdown
	}
	defer func() { <-m.txSem }()

	m.mu.Lock()
	from, failed, closed := m.state, m.failed, m.closed
	if target > from {
		m.shouldContinue = true
	}
	m.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if failed != nil {
		if target == model.StateNull {
			return nil
		}
		return failed
	}

	steps, err := Path(from, target)
	if err != nil {
		return err
	}
	span.SetAttributes(telemetry.TransitionAttributes(int(m.cfg.Handle), from.String(), target.String(), len(steps))...)

	for _, s := range steps {
		if err := m.step(ctx, s); err != nil {
			telemetry.RecordError(span, err, errorType(err))
			return err
		}
	}
	telemetry.RecordError(span, nil, "")
	return nil
}

func (m *Machine) step(ctx context.Context, target model.LifecycleState) error {
	rec := bus.NewPending[error]()

	m.mu.Lock()
	from := m.state
	m.pending = &transition{target: target, rec: rec}
	m.mu.Unlock()

	started := time.Now()
	gen, err := m.graph.requestState(target)
	if err == nil {
		res, werr := bus.Await(ctx, rec, m.cfg.TransitionTimeout, m.flag)
		switch {
		case errors.Is(werr, bus.ErrWaitTimeout):
			err = &TransitionTimeoutError{Handle: m.cfg.Handle, Target: target}
		case werr != nil:
			err = werr
		default:
			err = res
		}
		if werr != nil {
			m.graph.abortRequest(gen)
		}
	}

	m.mu.Lock()
	if m.pending != nil && m.pending.rec == rec {
		m.pending = nil
	}
	m.mu.Unlock()

	m.record(from, target, started, err)
	return err
}

func (m *Machine) record(from, to model.LifecycleState, started time.Time, err error) {
	elapsed := time.Since(started)
	rec := TransitionRecord{From: from, To: to, Started: started, Duration: elapsed}
	result := "ok"
	if err != nil {
		rec.Error = err.Error()
		result = errorType(err)
	}
	m.hist.add(rec)
	metrics.RecordTransition(from.String(), to.String(), result)

	if err != nil {
		m.logger.Warn().
			Err(err).
			Str(xglog.FieldEvent, "pipeline.transition_failed").
			Str(xglog.FieldOldState, from.String()).
			Str(xglog.FieldTarget, to.String()).
			Int64(xglog.FieldDurationMS, elapsed.Milliseconds()).
			Msg("state transition failed")
		return
	}
	metrics.ObserveTransition(to.String(), elapsed.Seconds())
	m.logger.Info().
		Str(xglog.FieldEvent, "pipeline.transition_confirmed").
		Str(xglog.FieldOldState, from.String()).
		Str(xglog.FieldNewState, to.String()).
		Int64(xglog.FieldDurationMS, elapsed.Milliseconds()).
		Msg("state transition confirmed")
}

func errorType(err error) string {
	switch {
	case errors.Is(err, ErrTransitionTimeout):
		return "timeout"
	case errors.Is(err, ErrStateRegression):
		return "regression"
	case errors.Is(err, ErrFatalBackend):
		return "fatal"
	case errors.Is(err, shutdown.ErrShutdown):
		return "shutdown"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// handle runs on the dispatcher goroutine.
func (m *Machine) handle(ev bus.Event) {
	switch ev.Kind {
	case bus.KindStateConfirmed:
		m.onConfirmed(ev)
	case bus.KindStateRegressed:
		m.onRegressed(ev)
	case bus.KindEndOfStream:
		if ev.Source == "" {
			m.onEndOfStream()
		}
	case bus.KindError:
		switch {
		case ev.Fatal:
			m.onFatal(ev)
		case ev.Source == "":
			m.onError(ev)
		}
	}
}

// onError records a recoverable graph-level error. Branch errors belong to
// the source registry.
func (m *Machine) onError(ev bus.Event) {
	metrics.RecordPipelineError(int(m.cfg.Handle))
	m.logger.Warn().
		Err(ev.Err).
		Str(xglog.FieldEvent, "pipeline.error").
		Str(xglog.FieldStage, ev.Origin).
		Msg("recoverable pipeline error")
}

func (m *Machine) onConfirmed(ev bus.Event) {
	m.mu.Lock()
	if m.closed || m.failed != nil {
		m.mu.Unlock()
		return
	}
	p := m.pending
	if p == nil || p.target != ev.State {
		// The request it answered was abandoned; the state stays put.
		cur := m.state
		m.mu.Unlock()
		m.logger.Debug().
			Str(xglog.FieldEvent, "pipeline.stale_confirmation").
			Str(xglog.FieldOldState, cur.String()).
			Str(xglog.FieldTarget, ev.State.String()).
			Msg("state confirmed with no matching request")
		return
	}
	m.state = ev.State
	m.pending = nil
	m.mu.Unlock()

	metrics.SetPipelineState(int(m.cfg.Handle), int(ev.State))
	p.rec.Resolve(nil)
}

func (m *Machine) onRegressed(ev bus.Event) {
	m.mu.Lock()
	if m.closed || m.failed != nil {
		m.mu.Unlock()
		return
	}
	m.state = ev.State
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	metrics.SetPipelineState(int(m.cfg.Handle), int(ev.State))
	m.logger.Warn().
		Str(xglog.FieldEvent, "pipeline.state_regressed").
		Str(xglog.FieldOldState, ev.From.String()).
		Str(xglog.FieldNewState, ev.State.String()).
		Bool("pending", p != nil).
		Msg("pipeline state regressed")
	if p != nil {
		p.rec.Resolve(&StateRegressionError{Handle: m.cfg.Handle, From: ev.From, To: ev.State})
	} else {
		m.hist.add(TransitionRecord{From: ev.From, To: ev.State, Started: ev.At, Error: ErrStateRegression.Error()})
	}
}

func (m *Machine) onEndOfStream() {
	m.mu.Lock()
	m.shouldContinue = false
	m.mu.Unlock()
	m.logger.Info().Str(xglog.FieldEvent, "pipeline.eos").Msg("end of stream")
	select {
	case m.eos <- struct{}{}:
	default:
	}
}

func (m *Machine) onFatal(ev bus.Event) {
	ferr := NewFatalBackendError(ev)

	m.mu.Lock()
	if m.closed || m.failed != nil {
		m.mu.Unlock()
		return
	}
	m.failed = ferr
	m.shouldContinue = false
	p := m.pending
	m.pending = nil
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.RecordPipelineFatal(int(m.cfg.Handle))
	m.logger.Error().
		Err(ev.Err).
		Str(xglog.FieldEvent, "pipeline.fatal").
		Str(xglog.FieldStage, ev.Origin).
		Msg("fatal backend error, tearing pipeline down")
	if p != nil {
		p.rec.Resolve(ferr)
	}
	go func() {
		defer m.wg.Done()
		m.forceNull("fatal")
	}()
}

// forceNull applies the rollback edge: the graph is torn down without
// waiting for confirmations and the handle is set to Null.
func (m *Machine) forceNull(reason string) {
	m.graph.teardown()

	m.mu.Lock()
	from := m.state
	m.state = model.StateNull
	for id := range m.sources {
		delete(m.sources, id)
	}
	m.mu.Unlock()

	metrics.SetPipelineState(int(m.cfg.Handle), int(model.StateNull))
	if from != model.StateNull {
		m.hist.add(TransitionRecord{From: from, To: model.StateNull, Started: time.Now(), Error: reason})
	}
	m.logger.Info().
		Str(xglog.FieldEvent, "pipeline.forced_null").
		Str(xglog.FieldOldState, from.String()).
		Str("reason", reason).
		Msg("pipeline forced to null")
}

// Run supervises the handle: once end of stream clears the continue flag it
// drives the graph to Null and returns.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.flag.Done():
			return nil
		case <-m.eos:
			if m.ShouldContinue() {
				continue
			}
			if err := m.SetState(ctx, model.StateNull); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
				m.logger.Warn().Err(err).Str(xglog.FieldEvent, "pipeline.eos_teardown_failed").Msg("forcing null after eos")
				m.forceNull("eos")
			}
			return nil
		}
	}
}

// Close tears the handle down immediately and releases all stages it owns.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	p := m.pending
	m.pending = nil
	m.mu.Unlock()

	m.unsub()
	if p != nil {
		p.rec.Resolve(ErrClosed)
	}
	m.wg.Wait()
	m.forceNull("closed")
	return nil
}

// AttachBranch builds and links the stages of a new source. The handle must
// be at least Paused.
func (m *Machine) AttachBranch(ctx context.Context, desc model.SourceDescriptor) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.failed != nil:
		err := m.failed
		m.mu.Unlock()
		return err
	case m.state < model.StatePaused:
		st := m.state
		m.mu.Unlock()
		return &InvalidStateError{Handle: m.cfg.Handle, State: st, Required: model.StatePaused}
	case m.cfg.MaxSources > 0 && len(m.sources) >= m.cfg.MaxSources:
		m.mu.Unlock()
		return ErrTooManySources
	}
	m.sources[desc.ID] = struct{}{}
	m.mu.Unlock()

	if err := m.graph.attachBranch(ctx, desc); err != nil {
		m.mu.Lock()
		delete(m.sources, desc.ID)
		m.mu.Unlock()
		return err
	}
	return nil
}

// SyncBranch asks the branch to follow the handle's state. Completion is
// reported as SourceSyncConfirmed.
func (m *Machine) SyncBranch(id model.SourceID) error {
	return m.graph.syncBranch(id, m.State())
}

// DrainBranch flushes a branch. Completion is reported as a per-source
// EndOfStream.
func (m *Machine) DrainBranch(id model.SourceID) error {
	return m.graph.drainBranch(id)
}

// UnlinkBranch removes a branch from the graph and frees its stages.
func (m *Machine) UnlinkBranch(id model.SourceID) error {
	err := m.graph.unlinkBranch(id)
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
	if errors.Is(err, ErrUnknownBranch) {
		return nil
	}
	return err
}
