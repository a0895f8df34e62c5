// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon wires the backend, pipelines, registries, pool, control
// API and directory watcher into one process lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/bus"
	"github.com/ManuGH/vaflow/internal/config"
	controlhttp "github.com/ManuGH/vaflow/internal/control/http"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pipeline"
	"github.com/ManuGH/vaflow/internal/pool"
	"github.com/ManuGH/vaflow/internal/resilience"
	"github.com/ManuGH/vaflow/internal/results"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/source"
	"github.com/ManuGH/vaflow/internal/watch"
)

// DefaultShutdownTimeout bounds graceful teardown before waits are
// interrupted.
const DefaultShutdownTimeout = 15 * time.Second

// Option configures a Daemon.
type Option func(*Daemon)

// WithShutdown replaces the process-wide shutdown flag.
func WithShutdown(f *shutdown.Flag) Option {
	return func(d *Daemon) { d.flag = f }
}

// WithBackends negotiates on r instead of the process-wide registry.
func WithBackends(r *backend.Registry) Option {
	return func(d *Daemon) { d.backends = r }
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(t time.Duration) Option {
	return func(d *Daemon) { d.shutdownTimeout = t }
}

// WithLogger sets the daemon logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// Daemon owns every long-lived runtime object.
type Daemon struct {
	cfg             config.Config
	flag            *shutdown.Flag
	backends        *backend.Registry
	shutdownTimeout time.Duration
	logger          zerolog.Logger
	running         atomic.Bool

	disp       *bus.Dispatcher
	backend    *backend.Backend
	feed       *results.Feed
	shared     *pool.Shared
	ownerLease *pool.Lease
	machines   []*pipeline.Machine
	registries []*source.Registry
	pool       *pool.Pool
	api        *controlhttp.Server
	watcher    *watch.Watcher
}

// New negotiates a backend and builds every pipeline in Null. Nothing runs
// until Run. On error everything built so far is released.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *Daemon, err error) {
	d := &Daemon{
		cfg:             cfg,
		flag:            shutdown.Global(),
		backends:        backend.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
		logger:          xglog.WithComponent("daemon"),
		feed:            results.NewFeed(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.Pipeline.Count <= 0 {
		return nil, ErrNoPipelines
	}
	d.disp = bus.New(bus.WithShutdown(d.flag))

	defer func() {
		if err != nil {
			d.release()
		}
	}()

	required, err := cfg.Backend.RequiredKinds()
	if err != nil {
		return nil, err
	}
	d.backend, err = d.backends.Acquire(ctx, required)
	if err != nil {
		return nil, fmt.Errorf("negotiate backend: %w", err)
	}
	d.logger.Info().
		Str(xglog.FieldEvent, "daemon.backend_selected").
		Str(xglog.FieldBackend, string(d.backend.Kind())).
		Msg("backend negotiated")

	detector, err := d.backend.CreateStage(ctx, cfg.Pipeline.Detector)
	if err != nil {
		return nil, fmt.Errorf("build shared detector: %w", err)
	}
	d.shared, d.ownerLease = pool.NewShared(detector)

	breakers := resilience.NewSet(cfg.Sources.Breaker.Threshold, cfg.Sources.Breaker.ResetTimeout)
	members := make([]pool.Member, 0, cfg.Pipeline.Count)
	for i := range cfg.Pipeline.Count {
		h := model.HandleID(i + 1)
		m, err := pipeline.New(ctx, d.backend, d.disp, pipeline.Config{
			Handle:            h,
			TransitionTimeout: cfg.Pipeline.TransitionTimeout,
			Trunk:             cfg.Pipeline.Trunk,
			Shared:            []backend.Stage{d.shared.Stage()},
			BranchStages:      cfg.Pipeline.Branch,
			MaxSources:        cfg.Pipeline.MaxSources,
			Results:           d.feed,
			HistorySize:       cfg.Pipeline.HistorySize,
		}, pipeline.WithShutdown(d.flag))
		if err != nil {
			return nil, fmt.Errorf("build pipeline %d: %w", h, err)
		}
		d.machines = append(d.machines, m)

		reg := source.New(m, d.disp, source.Config{
			SyncTimeout: cfg.Sources.SyncTimeout,
			Removal:     cfg.Sources.Removal,
			MaxSources:  cfg.Pipeline.MaxSources,
			Breaker:     cfg.Sources.Breaker,
			Recovery:    cfg.Sources.Recovery,
		}, source.WithShutdown(d.flag), source.WithBreakers(breakers))
		d.registries = append(d.registries, reg)
		members = append(members, reg)
	}

	d.pool, err = pool.New(d.shared, members, cfg.Pool.Capacity)
	if err != nil {
		return nil, err
	}

	pipes := make([]controlhttp.Pipeline, 0, len(d.machines))
	sources := make(map[model.HandleID]controlhttp.Sources, len(d.registries))
	for i, m := range d.machines {
		pipes = append(pipes, m)
		sources[m.ID()] = d.registries[i]
	}
	d.api = controlhttp.New(controlhttp.Config{
		Listen:         cfg.API.Listen,
		RateLimit:      cfg.API.RateLimit,
		RateWindow:     cfg.API.RateWindow,
		TracingService: tracingService(cfg),
	}, controlhttp.Deps{Pipelines: pipes, Sources: sources, Pool: d.pool, Backend: d.backend})

	if cfg.Watch.Dir != "" {
		d.watcher, err = watch.New(watch.Config{
			Dir:        cfg.Watch.Dir,
			Extensions: cfg.Watch.Extensions,
			Debounce:   cfg.Watch.Debounce,
		}, d.pool, xglog.WithComponent("watch"))
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

func tracingService(cfg config.Config) string {
	if !cfg.Telemetry.Enabled {
		return ""
	}
	return cfg.Telemetry.ServiceName
}

// Pool returns the stream pool.
func (d *Daemon) Pool() *pool.Pool { return d.pool }

// Machines returns the pipeline handles in id order.
func (d *Daemon) Machines() []*pipeline.Machine { return d.machines }

// Feed returns the detection results feed.
func (d *Daemon) Feed() *results.Feed { return d.feed }

// API returns the control API server.
func (d *Daemon) API() *controlhttp.Server { return d.api }

// Run starts every pipeline, admits the initial sources and serves until
// ctx ends or shutdown is requested. Teardown always runs before Run
// returns.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	// The dispatcher outlives ctx so teardown transitions still get
	// confirmations; the shutdown flag stops it.
	dispDone := make(chan error, 1)
	go func() { dispDone <- d.disp.Run(context.WithoutCancel(ctx)) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.flag.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	err := d.start(runCtx)
	if err == nil {
		err = d.serve(runCtx)
	}

	if terr := d.teardown(); terr != nil {
		d.logger.Warn().Err(terr).Str(xglog.FieldEvent, "daemon.teardown_incomplete").Msg("teardown finished with errors")
	}
	<-dispDone
	if errors.Is(err, context.Canceled) || errors.Is(err, shutdown.ErrShutdown) {
		err = nil
	}
	return err
}

func (d *Daemon) start(ctx context.Context) error {
	for _, m := range d.machines {
		if err := m.SetState(ctx, model.StatePlaying); err != nil {
			return fmt.Errorf("start pipeline %d: %w", m.ID(), err)
		}
	}
	d.logger.Info().
		Str(xglog.FieldEvent, "daemon.started").
		Int("pipelines", len(d.machines)).
		Int("capacity", d.pool.Capacity()).
		Msg("pipelines playing")

	for _, desc := range d.cfg.Sources.Initial {
		slot, err := d.pool.AcquireSlot(ctx, desc)
		if err != nil {
			d.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "daemon.initial_source_failed").
				Str(xglog.FieldLocator, desc.Locator).
				Msg("initial source not admitted")
			continue
		}
		d.logger.Info().
			Str(xglog.FieldSourceID, string(slot.Source)).
			Int(xglog.FieldHandle, int(slot.Handle)).
			Msg("initial source admitted")
	}
	return nil
}

func (d *Daemon) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.api.Serve(gctx) })
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(gctx) })
	}
	for _, m := range d.machines {
		g.Go(func() error { return m.Run(gctx) })
	}
	return g.Wait()
}

// teardown releases slots, drives pipelines to Null and frees the backend.
// When the flag is already up (a signal) every wait returns at once and the
// release step closes whatever is left. Otherwise the flag is raised once
// graceful steps exceed the shutdown timeout.
func (d *Daemon) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { d.flag.Request() })
	defer stop()

	var errs []error
	if err := d.pool.Drain(ctx); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
		errs = append(errs, fmt.Errorf("drain pool: %w", err))
	}
	for _, m := range d.machines {
		if err := m.SetState(ctx, model.StateNull); err != nil && !errors.Is(err, shutdown.ErrShutdown) {
			errs = append(errs, fmt.Errorf("stop pipeline %d: %w", m.ID(), err))
		}
	}
	d.flag.Request()
	d.release()

	d.logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("daemon stopped")
	return errors.Join(errs...)
}

// release frees everything New acquired. Safe on a partially built daemon.
func (d *Daemon) release() {
	for _, r := range d.registries {
		r.Close()
	}
	for _, m := range d.machines {
		_ = m.Close()
	}
	if d.ownerLease != nil {
		if err := d.ownerLease.Release(); err != nil {
			d.logger.Warn().Err(err).Str(xglog.FieldEvent, "daemon.detector_close_failed").Msg("shared detector close")
		}
	}
	if d.backend != nil {
		if err := d.backends.Release(); err != nil {
			d.logger.Warn().Err(err).Str(xglog.FieldEvent, "daemon.backend_release_failed").Msg("backend release")
		}
		d.backend = nil
	}
}
