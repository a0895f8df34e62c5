// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package source adds and removes source branches on a live pipeline handle.
//
// Operations on distinct ids run concurrently. Operations on one id are
// serialized, so a remove issued while an add is still attaching waits for
// the add to resolve and then detaches.
package source

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/vaflow/internal/bus"
	"github.com/ManuGH/vaflow/internal/fsm"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pipeline"
	"github.com/ManuGH/vaflow/internal/resilience"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/telemetry"
)

const (
	DefaultSyncTimeout  = 5 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	// DefaultMaxSources matches the muxer batch limit of the reference
	// DeepStream deployment.
	DefaultMaxSources    = 30
	defaultTombstones    = 256
	defaultBreakerTrips  = 3
	defaultBreakerWindow = 30 * time.Second
)

// Handle is the part of a pipeline handle the registry drives.
type Handle interface {
	pipeline.View
	AttachBranch(ctx context.Context, desc model.SourceDescriptor) error
	SyncBranch(id model.SourceID) error
	DrainBranch(id model.SourceID) error
	UnlinkBranch(id model.SourceID) error
}

// Subscriber delivers bus events.
type Subscriber interface {
	Subscribe(f bus.Filter, h bus.Handler) func()
}

// RemovalConfig controls how branches leave the graph.
type RemovalConfig struct {
	// Timeout bounds the wait for a drained branch.
	Timeout time.Duration `yaml:"timeout"`
	// Force skips the drain and unlinks immediately.
	Force bool `yaml:"force"`
}

// BreakerConfig tunes the per-locator circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"resetTimeout"`
}

// Config configures a Registry.
type Config struct {
	SyncTimeout time.Duration
	Removal     RemovalConfig
	// MaxSources caps live entries; 0 selects DefaultMaxSources.
	MaxSources int
	Breaker    BreakerConfig
	// Tombstones is how many removed ids stay observable through Lookup.
	Tombstones int
	Recovery   RecoveryConfig
}

// Info is a copy of one registry entry.
type Info struct {
	ID          model.SourceID    `json:"id"`
	Handle      model.HandleID    `json:"handle"`
	Locator     string            `json:"locator"`
	State       model.SourceState `json:"state"`
	Health      Health            `json:"health"`
	Errors      int               `json:"errors"`
	LastError   string            `json:"last_error,omitempty"`
	EndOfStream bool              `json:"end_of_stream,omitempty"`
	AddedAt     time.Time         `json:"added_at"`
	RemovedAt   time.Time         `json:"removed_at,omitzero"`
	Recovery    *RecoveryInfo     `json:"recovery,omitempty"`
}

type entry struct {
	desc      model.SourceDescriptor
	lc        *fsm.Machine[model.SourceState, event]
	busy      bool
	sync      *bus.Pending[error]
	drain     *bus.Pending[error]
	errors    int
	lastErr   string
	eos       bool
	addedAt   time.Time
	removedAt time.Time
	recovery  *recovery
}

// Option configures a Registry.
type Option func(*Registry)

// WithShutdown sets the flag that interrupts waits.
func WithShutdown(f *shutdown.Flag) Option {
	return func(r *Registry) { r.flag = f }
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTracer sets the tracer for add/remove spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithBreakers shares a breaker set between registries.
func WithBreakers(s *resilience.Set) Option {
	return func(r *Registry) { r.breakers = s }
}

// Registry tracks the sources of one pipeline handle.
type Registry struct {
	h        Handle
	cfg      Config
	flag     *shutdown.Flag
	logger   zerolog.Logger
	tracer   trace.Tracer
	breakers *resilience.Set
	locks    *idLocks
	unsub    func()

	// ctx bounds background restarts; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[model.SourceID]*entry
	removed []model.SourceID
	failed  error
	closing bool
}

// New creates a registry for h and subscribes to its source events.
func New(h Handle, sub Subscriber, cfg Config, opts ...Option) *Registry {
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultSyncTimeout
	}
	if cfg.Removal.Timeout <= 0 {
		cfg.Removal.Timeout = DefaultDrainTimeout
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = DefaultMaxSources
	}
	if cfg.Tombstones <= 0 {
		cfg.Tombstones = defaultTombstones
	}
	if cfg.Breaker.Threshold <= 0 {
		cfg.Breaker.Threshold = defaultBreakerTrips
	}
	if cfg.Breaker.ResetTimeout <= 0 {
		cfg.Breaker.ResetTimeout = defaultBreakerWindow
	}
	cfg.Recovery = cfg.Recovery.withDefaults()
	r := &Registry{
		h:       h,
		cfg:     cfg,
		flag:    shutdown.Global(),
		logger:  xglog.WithComponent("source"),
		tracer:  telemetry.Tracer("vaflow/source"),
		locks:   newIDLocks(),
		entries: map[model.SourceID]*entry{},
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(r)
	}
	if r.breakers == nil {
		r.breakers = resilience.NewSet(cfg.Breaker.Threshold, cfg.Breaker.ResetTimeout)
	}
	r.logger = r.logger.With().Int(xglog.FieldHandle, int(h.ID())).Logger()
	r.unsub = sub.Subscribe(bus.ForHandle(h.ID(), bus.ClassSource|bus.ClassFatal), r.handle)
	return r
}

// ID returns the id of the served handle.
func (r *Registry) ID() model.HandleID { return r.h.ID() }

// Handle returns the pipeline handle this registry serves.
func (r *Registry) Handle() Handle { return r.h }

// Close stops event delivery to the registry and waits for restarts in
// progress to give up.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.unsub()
	r.cancel()
	r.wg.Wait()
}

// AddSource attaches desc to the graph and waits until its branch confirms
// sync with the parent state.
func (r *Registry) AddSource(ctx context.Context, desc model.SourceDescriptor) (model.SourceID, error) {
	if desc.ID == "" {
		desc.ID = model.NewSourceID()
	}
	ctx = xglog.ContextWithSourceID(ctx, string(desc.ID))
	ctx, span := r.tracer.Start(ctx, "source.add",
		trace.WithAttributes(telemetry.SourceAttributes(int(r.h.ID()), string(desc.ID), desc.Locator)...))
	defer span.End()

	id, err := r.add(ctx, desc)
	r.finishOp(span, "add", err)
	return id, err
}

func (r *Registry) add(ctx context.Context, desc model.SourceDescriptor) (model.SourceID, error) {
	if err := r.admissible(); err != nil {
		return "", err
	}
	breaker := r.breakers.Get(desc.Locator)
	if err := breaker.Allow(); err != nil {
		return "", fmt.Errorf("source %s (%s): %w", desc.ID, desc.Locator, err)
	}

	unlock, err := r.locks.lock(ctx, desc.ID, r.flag)
	if err != nil {
		return "", err
	}
	defer unlock()

	e, err := r.reserve(desc)
	if err != nil {
		return "", err
	}
	defer r.idle(e)

	attached, err := r.link(ctx, e)
	if err != nil {
		if !attached && (errors.Is(err, pipeline.ErrInvalidState) || errors.Is(err, pipeline.ErrTooManySources)) {
			r.drop(desc.ID, e)
			return "", err
		}
		if !errors.Is(err, pipeline.ErrFatalBackend) {
			breaker.RecordFailure()
		}
		r.fire(e, evSyncFailed)
		r.bury(desc.ID, e)
		return "", &SourceSyncFailedError{ID: desc.ID, Cause: err}
	}

	breaker.RecordSuccess()
	r.fire(e, evSynced)
	r.publishCount()
	l := xglog.WithContext(ctx, r.logger)
	l.Info().
		Str(xglog.FieldEvent, "source.synced").
		Str(xglog.FieldLocator, desc.Locator).
		Msg("source attached and synced")
	return desc.ID, nil
}

// link attaches the branch of e and waits until it confirms sync. A branch
// that does not sync is unlinked again. attached reports whether the entry
// moved to Attaching.
func (r *Registry) link(ctx context.Context, e *entry) (attached bool, err error) {
	id := e.desc.ID
	if err := r.h.AttachBranch(ctx, e.desc); err != nil {
		return false, err
	}

	rec := bus.NewPending[error]()
	r.mu.Lock()
	e.sync = rec
	r.mu.Unlock()
	r.fire(e, evAttach)

	err = r.h.SyncBranch(id)
	if err == nil {
		var res error
		res, err = bus.Await(ctx, rec, r.cfg.SyncTimeout, r.flag)
		if err == nil {
			err = res
		}
	}

	r.mu.Lock()
	e.sync = nil
	failed := r.failed
	r.mu.Unlock()
	// The handle may have failed after the attach but before its fatal
	// error reached this registry.
	if err == nil && failed == nil {
		failed = r.h.Failed()
	}
	if err == nil {
		err = failed
	}

	if err != nil {
		if uerr := r.h.UnlinkBranch(id); uerr != nil {
			r.logger.Warn().Err(uerr).Str(xglog.FieldSourceID, string(id)).Msg("unlink after failed sync")
		}
	}
	return true, err
}

// RemoveSource drains and unlinks a synced source. A drain that does not
// complete in time yields *ForcedRemovalWarning; the source is removed
// either way.
func (r *Registry) RemoveSource(ctx context.Context, id model.SourceID) error {
	ctx = xglog.ContextWithSourceID(ctx, string(id))
	ctx, span := r.tracer.Start(ctx, "source.remove",
		trace.WithAttributes(telemetry.SourceAttributes(int(r.h.ID()), string(id), "")...))
	defer span.End()

	err := r.remove(ctx, id)
	r.finishOp(span, "remove", err)
	return err
}

func (r *Registry) remove(ctx context.Context, id model.SourceID) error {
	unlock, err := r.locks.lock(ctx, id, r.flag)
	if err != nil {
		return err
	}
	defer unlock()

	logger := xglog.WithContext(ctx, r.logger)

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.lc.State() == model.SourceDetached && e.recovery != nil {
		// Parked between restart attempts; nothing is linked.
		e.recovery.cancel()
		r.mu.Unlock()
		r.fire(e, evAbort)
		r.bury(id, e)
		logger.Info().
			Str(xglog.FieldEvent, "source.removed").
			Msg("source removed while restarting")
		return nil
	}
	if !ok || e.lc.State() != model.SourceSynced {
		r.mu.Unlock()
		return fmt.Errorf("source %s: %w", id, ErrUnknownSource)
	}
	e.busy = true
	if e.recovery != nil {
		e.recovery.cancel()
	}
	r.mu.Unlock()
	defer r.idle(e)

	r.fire(e, evDetach)
	r.publishCount()

	var warn error
	if !r.cfg.Removal.Force {
		warn = r.drainBranch(ctx, id, e)
	}

	if err := r.h.UnlinkBranch(id); err != nil {
		logger.Warn().Err(err).Msg("unlink branch")
	}
	r.fire(e, evUnlinked)
	r.bury(id, e)

	if warn != nil {
		logger.Warn().
			Err(warn).
			Str(xglog.FieldEvent, "source.forced_removal").
			Msg("source removed without drain confirmation")
		return &ForcedRemovalWarning{ID: id, Cause: warn}
	}
	logger.Info().
		Str(xglog.FieldEvent, "source.removed").
		Msg("source drained and removed")
	return nil
}

func (r *Registry) drainBranch(ctx context.Context, id model.SourceID, e *entry) error {
	rec := bus.NewPending[error]()
	r.mu.Lock()
	e.drain = rec
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		e.drain = nil
		r.mu.Unlock()
	}()

	if err := r.h.DrainBranch(id); err != nil {
		return err
	}
	res, err := bus.Await(ctx, rec, r.cfg.Removal.Timeout, r.flag)
	if err != nil {
		return err
	}
	return res
}

func (r *Registry) admissible() error {
	r.mu.Lock()
	failed := r.failed
	r.mu.Unlock()
	if failed != nil {
		return failed
	}
	if err := r.h.Failed(); err != nil {
		return err
	}
	if st := r.h.State(); st < model.StatePaused {
		return &pipeline.InvalidStateError{Handle: r.h.ID(), State: st, Required: model.StatePaused}
	}
	return nil
}

// reserve inserts a Detached entry, replacing a tombstone for the same id.
func (r *Registry) reserve(desc model.SourceDescriptor) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[desc.ID]; ok && old.lc.State() != model.SourceRemoved {
		return nil, fmt.Errorf("source %s: %w", desc.ID, ErrDuplicateSource)
	}
	if r.liveLocked() >= r.cfg.MaxSources {
		return nil, pipeline.ErrTooManySources
	}
	e := &entry{
		desc:    desc,
		lc:      fsm.FromTable(model.SourceDetached, lifecycle),
		busy:    true,
		addedAt: time.Now(),
	}
	r.entries[desc.ID] = e
	r.removed = slices.DeleteFunc(r.removed, func(id model.SourceID) bool { return id == desc.ID })
	return e, nil
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, e := range r.entries {
		if e.lc.State() != model.SourceRemoved {
			n++
		}
	}
	return n
}

func (r *Registry) idle(e *entry) {
	r.mu.Lock()
	e.busy = false
	r.mu.Unlock()
}

// drop forgets an entry that never reached the graph.
func (r *Registry) drop(id model.SourceID, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[id] == e {
		delete(r.entries, id)
	}
}

// bury keeps a removed entry as a tombstone.
func (r *Registry) bury(id model.SourceID, e *entry) {
	r.mu.Lock()
	e.removedAt = time.Now()
	r.removed = append(r.removed, id)
	for len(r.removed) > r.cfg.Tombstones {
		old := r.removed[0]
		r.removed = r.removed[1:]
		if oe, ok := r.entries[old]; ok && oe.lc.State() == model.SourceRemoved {
			delete(r.entries, old)
		}
	}
	r.mu.Unlock()
	r.publishCount()
}

func (r *Registry) fire(e *entry, ev event) {
	if _, err := e.lc.Fire(context.Background(), ev); err != nil {
		r.logger.Error().Err(err).Str(xglog.FieldSourceID, string(e.desc.ID)).Msg("source lifecycle")
	}
}

func (r *Registry) finishOp(span trace.Span, op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrForcedRemoval):
		result = "forced"
	case errors.Is(err, ErrUnknownSource):
		result = "unknown"
	case errors.Is(err, ErrSourceSyncFailed):
		result = "sync_failed"
	case errors.Is(err, pipeline.ErrInvalidState):
		result = "invalid_state"
	case errors.Is(err, resilience.ErrCircuitOpen):
		result = "circuit_open"
	default:
		result = "error"
	}
	metrics.RecordSourceOp(op, result)
	if err != nil {
		telemetry.RecordError(span, err, result)
	} else {
		telemetry.RecordError(span, nil, "")
	}
}

func (r *Registry) publishCount() {
	metrics.SetSourcesSynced(int(r.h.ID()), r.SyncedCount())
}

// handle runs on the dispatcher goroutine and never blocks.
func (r *Registry) handle(ev bus.Event) {
	if ev.Kind == bus.KindError && ev.Fatal {
		r.onFatal(ev)
		return
	}
	r.mu.Lock()
	e, ok := r.entries[ev.Source]
	if !ok {
		r.mu.Unlock()
		return
	}
	var rec *bus.Pending[error]
	var res error
	switch ev.Kind {
	case bus.KindSourceSyncConfirmed:
		rec = e.sync
	case bus.KindEndOfStream:
		e.eos = true
		rec = e.drain
	case bus.KindError:
		e.errors++
		e.lastErr = fmt.Sprint(ev.Err)
		rec, res = e.sync, ev.Err
		// A failing add counts against the breaker itself.
		countBreaker := rec == nil
		if rec == nil {
			rec = e.drain
		}
		locator := e.desc.Locator
		errs := e.errors
		if healthFor(errs) == HealthUnhealthy && healthFor(errs-1) != HealthUnhealthy {
			r.startRecoveryLocked(e)
		}
		r.mu.Unlock()
		if countBreaker {
			r.breakers.Get(locator).RecordFailure()
		}
		metrics.RecordSourceError(int(r.h.ID()))
		r.logger.Warn().
			Err(ev.Err).
			Str(xglog.FieldEvent, "source.error").
			Str(xglog.FieldSourceID, string(ev.Source)).
			Str(xglog.FieldStage, ev.Origin).
			Str("health", string(healthFor(errs))).
			Msg("branch reported an error")
		if rec != nil {
			rec.Resolve(res)
		}
		return
	}
	r.mu.Unlock()
	if rec != nil {
		rec.Resolve(res)
	}
}

// onFatal resolves every pending wait and removes idle synced entries; the
// graph has already torn their branches down.
func (r *Registry) onFatal(ev bus.Event) {
	ferr := pipeline.NewFatalBackendError(ev)

	r.mu.Lock()
	if r.failed != nil {
		r.mu.Unlock()
		return
	}
	r.failed = ferr
	var recs []*bus.Pending[error]
	var aborted []*entry
	for _, e := range r.entries {
		if e.sync != nil {
			recs = append(recs, e.sync)
		}
		if e.drain != nil {
			recs = append(recs, e.drain)
		}
		if e.recovery != nil {
			e.recovery.cancel()
		}
		if e.busy {
			continue
		}
		switch st := e.lc.State(); {
		case st == model.SourceSynced, st == model.SourceDetached && e.recovery != nil:
			aborted = append(aborted, e)
		}
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec.Resolve(ferr)
	}
	for _, e := range aborted {
		r.fire(e, evAbort)
		r.bury(e.desc.ID, e)
	}
	r.logger.Error().
		Err(ferr).
		Str(xglog.FieldEvent, "source.handle_failed").
		Int("aborted", len(aborted)).
		Msg("pipeline failed, sources aborted")
}

// Sources lists entries that are not removed, ordered by id.
func (r *Registry) Sources() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		if e.lc.State() != model.SourceRemoved {
			out = append(out, r.infoLocked(e))
		}
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Lookup returns one entry. Recently removed ids report SourceRemoved.
func (r *Registry) Lookup(id model.SourceID) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return r.infoLocked(e), true
}

// SyncedCount returns how many sources are Synced.
func (r *Registry) SyncedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.lc.State() == model.SourceSynced {
			n++
		}
	}
	return n
}

func (r *Registry) infoLocked(e *entry) Info {
	var rec *RecoveryInfo
	if e.recovery != nil {
		ri := e.recovery.RecoveryInfo
		rec = &ri
	}
	return Info{
		ID:          e.desc.ID,
		Handle:      r.h.ID(),
		Locator:     e.desc.Locator,
		State:       e.lc.State(),
		Health:      healthFor(e.errors),
		Errors:      e.errors,
		LastError:   e.lastErr,
		EndOfStream: e.eos,
		AddedAt:     e.addedAt,
		RemovedAt:   e.removedAt,
		Recovery:    rec,
	}
}
