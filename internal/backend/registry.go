// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
)

// Candidates is the closed set of backend variants a registry may select from.
// A nil field means the variant is not compiled in or not wanted.
type Candidates struct {
	Hardware Implementation
	Software Implementation
	TestStub Implementation
}

func (c Candidates) lookup(kind model.BackendKind) Implementation {
	switch kind {
	case model.BackendHardware:
		return c.Hardware
	case model.BackendSoftware:
		return c.Software
	case model.BackendTestStub:
		return c.TestStub
	}
	return nil
}

// DefaultPreference is the probe order used when none is configured.
var DefaultPreference = []model.BackendKind{model.BackendHardware, model.BackendSoftware, model.BackendTestStub}

// Option configures a Registry.
type Option func(*Registry)

// WithPreference overrides the probe order. The test stub is always probed
// last even when omitted.
func WithPreference(order ...model.BackendKind) Option {
	return func(r *Registry) {
		seen := map[model.BackendKind]bool{}
		r.order = r.order[:0]
		for _, k := range order {
			if k == model.BackendTestStub || seen[k] {
				continue
			}
			seen[k] = true
			r.order = append(r.order, k)
		}
		r.order = append(r.order, model.BackendTestStub)
	}
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

type negotiatingKey struct{}

// Registry holds the negotiated backend for as long as at least one
// reference to it is outstanding. The first successful Acquire probes and
// memoizes; later calls reuse the selection without probing again.
type Registry struct {
	mu           sync.Mutex
	candidates   Candidates
	order        []model.BackendKind
	logger       zerolog.Logger
	selected     *Backend
	refs         int
	initializing bool
	initDone     chan struct{}
}

// NewRegistry builds a registry over the given variants.
func NewRegistry(c Candidates, opts ...Option) *Registry {
	r := &Registry{
		candidates: c,
		order:      append([]model.BackendKind(nil), DefaultPreference...),
		logger:     xglog.WithComponent("backend"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns the memoized backend, negotiating on first use, and takes
// a reference that must be returned with Release.
func (r *Registry) Acquire(ctx context.Context, required []model.StageKind) (*Backend, error) {
	if owner, _ := ctx.Value(negotiatingKey{}).(*Registry); owner == r {
		return nil, ErrReentrantInit
	}

	r.mu.Lock()
	for {
		if r.selected != nil {
			r.refs++
			b := r.selected
			r.mu.Unlock()
			return b, nil
		}
		if !r.initializing {
			break
		}
		wait := r.initDone
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		r.mu.Lock()
	}
	r.initializing = true
	r.initDone = make(chan struct{})
	r.mu.Unlock()

	b, err := r.negotiate(context.WithValue(ctx, negotiatingKey{}, r), required)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.initializing = false
	close(r.initDone)
	if err != nil {
		return nil, err
	}
	r.selected = b
	r.refs = 1
	metrics.SetBackendSelected(string(b.kind))
	return b, nil
}

func (r *Registry) negotiate(ctx context.Context, required []model.StageKind) (*Backend, error) {
	for _, kind := range r.order {
		impl := r.candidates.lookup(kind)
		if impl == nil {
			continue
		}
		start := time.Now()
		caps := impl.Capabilities(ctx)
		if !covers(caps, required) {
			metrics.RecordBackendProbe(string(kind), "insufficient")
			r.logger.Debug().
				Str(xglog.FieldEvent, "backend.probe_skipped").
				Str(xglog.FieldBackend, string(kind)).
				Interface("capabilities", caps).
				Interface("required", required).
				Msg("backend does not cover required stages")
			continue
		}
		metrics.RecordBackendProbe(string(kind), "selected")
		r.logger.Info().
			Str(xglog.FieldEvent, "backend.selected").
			Str(xglog.FieldBackend, string(kind)).
			Interface("capabilities", caps).
			Dur("probe_duration", time.Since(start)).
			Msg("backend negotiated")
		return &Backend{kind: kind, impl: impl, caps: caps, selected: time.Now()}, nil
	}
	return nil, &UnavailableError{Required: required}
}

// Release drops one reference. The last release tears the selection down so
// that a later Acquire negotiates afresh.
func (r *Registry) Release() error {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		return ErrNotAcquired
	}
	r.refs--
	if r.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	b := r.selected
	r.selected = nil
	r.mu.Unlock()

	metrics.SetBackendSelected("")
	r.logger.Info().
		Str(xglog.FieldEvent, "backend.released").
		Str(xglog.FieldBackend, string(b.kind)).
		Msg("backend torn down")
	if c, ok := b.impl.(Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close %s backend: %w", b.kind, err)
		}
	}
	return nil
}

// Selected returns the memoized backend without taking a reference.
func (r *Registry) Selected() (*Backend, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selected, r.selected != nil
}

// Refs returns the outstanding reference count.
func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Probe reports the capabilities of every configured variant without
// selecting one. Used by diagnostics.
func (r *Registry) Probe(ctx context.Context) map[model.BackendKind][]model.StageKind {
	out := make(map[model.BackendKind][]model.StageKind, len(r.order))
	for _, kind := range r.order {
		if impl := r.candidates.lookup(kind); impl != nil {
			out[kind] = impl.Capabilities(ctx)
		}
	}
	return out
}

var (
	stdMu sync.Mutex
	std   = NewRegistry(Candidates{})
)

// Configure installs the variants used by the process-wide registry. It
// fails once a backend has been negotiated.
func Configure(c Candidates, opts ...Option) error {
	stdMu.Lock()
	defer stdMu.Unlock()
	if _, ok := std.Selected(); ok {
		return errors.New("backend already negotiated")
	}
	std = NewRegistry(c, opts...)
	return nil
}

func standard() *Registry {
	stdMu.Lock()
	defer stdMu.Unlock()
	return std
}

// Negotiate selects (once per process) and returns the backend covering
// required, taking a reference on the process-wide registry.
func Negotiate(ctx context.Context, required []model.StageKind) (*Backend, error) {
	return standard().Acquire(ctx, required)
}

// Release returns a reference taken by Negotiate.
func Release() error {
	return standard().Release()
}

// Default returns the process-wide registry.
func Default() *Registry {
	return standard()
}
