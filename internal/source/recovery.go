// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/telemetry"
)

const (
	defaultRecoveryRetries    = 3
	defaultRecoveryInitial    = time.Second
	defaultRecoveryMax        = time.Minute
	defaultRecoveryMultiplier = 2.0
	defaultRecoveryJitter     = 0.3
)

// RecoveryConfig controls how unhealthy sources are restarted.
type RecoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxRetries bounds re-attach attempts per recovery.
	MaxRetries      int           `yaml:"maxRetries"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Multiplier      float64       `yaml:"multiplier"`
	// Jitter is the randomization factor applied to every interval.
	Jitter float64 `yaml:"jitter"`
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultRecoveryRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaultRecoveryInitial
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaultRecoveryMax
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaultRecoveryMultiplier
	}
	if c.Jitter <= 0 || c.Jitter >= 1 {
		c.Jitter = defaultRecoveryJitter
	}
	return c
}

func (c RecoveryConfig) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialInterval,
		RandomizationFactor: c.Jitter,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxInterval,
	}
}

// RecoveryPhase is where a source restart stands.
type RecoveryPhase string

const (
	RecoveryRetrying  RecoveryPhase = "retrying"
	RecoveryRecovered RecoveryPhase = "recovered"
	RecoveryFailed    RecoveryPhase = "failed"
)

// RecoveryInfo reports the last restart of a source.
type RecoveryInfo struct {
	Phase     RecoveryPhase `json:"phase"`
	Attempts  int           `json:"attempts"`
	Restarts  int           `json:"restarts"`
	NextRetry time.Time     `json:"next_retry,omitzero"`
	LastError string        `json:"last_error,omitempty"`
}

type recovery struct {
	RecoveryInfo
	cancel context.CancelFunc
}

// startRecoveryLocked begins restarting e when its errors just made it
// unhealthy. r.mu must be held.
func (r *Registry) startRecoveryLocked(e *entry) {
	if !r.cfg.Recovery.Enabled || r.failed != nil || r.closing {
		return
	}
	if e.busy || e.sync != nil || e.lc.State() != model.SourceSynced {
		return
	}
	if e.recovery != nil && e.recovery.Phase == RecoveryRetrying {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	restarts := 0
	if e.recovery != nil {
		restarts = e.recovery.Restarts
	}
	e.recovery = &recovery{RecoveryInfo: RecoveryInfo{Phase: RecoveryRetrying, Restarts: restarts}, cancel: cancel}
	r.wg.Add(1)
	go r.recover(ctx, e)
}

// recover unlinks the branch of e and re-attaches it under an exponential
// backoff until it syncs again or the retries run out.
func (r *Registry) recover(ctx context.Context, e *entry) {
	defer r.wg.Done()
	id := e.desc.ID
	rec := e.recovery
	defer rec.cancel()

	ctx = xglog.ContextWithSourceID(ctx, string(id))
	ctx, span := r.tracer.Start(ctx, "source.recover")
	defer span.End()
	logger := xglog.WithContext(ctx, r.logger)

	if err := r.detachForRestart(ctx, e); err != nil {
		r.endRecovery(e, RecoveryFailed, err)
		logger.Debug().Err(err).Str(xglog.FieldEvent, "source.recovery_skipped").Msg("source changed before restart")
		telemetry.RecordError(span, err, "skipped")
		return
	}
	logger.Warn().Str(xglog.FieldEvent, "source.recovery_started").Msg("unhealthy source unlinked for restart")

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		r.mu.Lock()
		rec.Attempts++
		rec.NextRetry = time.Time{}
		r.mu.Unlock()
		return struct{}{}, r.reattach(ctx, e)
	},
		backoff.WithBackOff(r.cfg.Recovery.backOff()),
		backoff.WithMaxTries(uint(r.cfg.Recovery.MaxRetries)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.mu.Lock()
			rec.NextRetry = time.Now().Add(next)
			rec.LastError = err.Error()
			r.mu.Unlock()
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "source.recovery_retry").
				Dur("backoff", next).
				Msg("source restart failed, retrying")
		}),
	)

	r.mu.Lock()
	attempts := rec.Attempts
	r.mu.Unlock()
	span.SetAttributes(attribute.Int("source.recovery.attempts", attempts))

	if err == nil {
		r.endRecovery(e, RecoveryRecovered, nil)
		metrics.RecordSourceOp("recover", "ok")
		telemetry.RecordError(span, nil, "")
		logger.Info().
			Str(xglog.FieldEvent, "source.recovered").
			Int("attempts", attempts).
			Msg("source restarted and synced")
		return
	}

	r.abandon(e, err)
	metrics.RecordSourceOp("recover", "failed")
	telemetry.RecordError(span, err, "failed")
	logger.Error().Err(err).
		Str(xglog.FieldEvent, "source.recovery_failed").
		Int("attempts", attempts).
		Msg("source could not be restarted")
}

// detachForRestart unlinks the live branch of e and parks it Detached.
func (r *Registry) detachForRestart(ctx context.Context, e *entry) error {
	id := e.desc.ID
	unlock, err := r.locks.lock(ctx, id, r.flag)
	if err != nil {
		return err
	}
	defer unlock()

	r.mu.Lock()
	if r.entries[id] != e || e.busy || e.lc.State() != model.SourceSynced {
		r.mu.Unlock()
		return fmt.Errorf("source %s: %w", id, ErrUnknownSource)
	}
	e.busy = true
	r.mu.Unlock()
	defer r.idle(e)

	if err := r.h.UnlinkBranch(id); err != nil {
		r.logger.Warn().Err(err).Str(xglog.FieldSourceID, string(id)).Msg("unlink before restart")
	}
	r.fire(e, evRestart)
	r.publishCount()
	return nil
}

// reattach makes one attempt to bring a parked branch back. Errors that no
// retry can fix are permanent.
func (r *Registry) reattach(ctx context.Context, e *entry) error {
	id := e.desc.ID
	unlock, err := r.locks.lock(ctx, id, r.flag)
	if err != nil {
		return backoff.Permanent(err)
	}
	defer unlock()

	if err := r.admissible(); err != nil {
		return backoff.Permanent(err)
	}
	r.mu.Lock()
	if r.entries[id] != e || e.lc.State() != model.SourceDetached {
		r.mu.Unlock()
		return backoff.Permanent(fmt.Errorf("source %s: %w", id, ErrUnknownSource))
	}
	e.busy = true
	r.mu.Unlock()
	defer r.idle(e)

	attached, err := r.link(ctx, e)
	if err == nil {
		r.fire(e, evSynced)
		r.publishCount()
		return nil
	}
	if attached {
		r.fire(e, evRetry)
	}
	if ctx.Err() != nil || r.isFailed() {
		return backoff.Permanent(err)
	}
	return err
}

// abandon removes a source whose restart gave up.
func (r *Registry) abandon(e *entry, cause error) {
	id := e.desc.ID
	unlock, err := r.locks.lock(context.WithoutCancel(r.ctx), id, r.flag)
	if err != nil {
		r.endRecovery(e, RecoveryFailed, cause)
		return
	}
	defer unlock()

	r.mu.Lock()
	parked := r.entries[id] == e && e.lc.State() == model.SourceDetached
	r.mu.Unlock()
	if parked {
		r.fire(e, evSyncFailed)
		r.bury(id, e)
	}
	r.endRecovery(e, RecoveryFailed, cause)
}

func (r *Registry) endRecovery(e *entry, phase RecoveryPhase, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.recovery == nil {
		return
	}
	e.recovery.Phase = phase
	e.recovery.NextRetry = time.Time{}
	switch {
	case phase == RecoveryRecovered:
		e.recovery.Restarts++
		e.errors = 0
	case cause != nil && !errors.Is(cause, context.Canceled):
		e.recovery.LastError = cause.Error()
	}
}

func (r *Registry) isFailed() bool {
	r.mu.Lock()
	failed := r.failed
	r.mu.Unlock()
	return failed != nil || r.h.Failed() != nil
}
