// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package http serves the control API: pipeline status, source admission
// and removal through the pool, and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vaflow/internal/control/middleware"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/pipeline"
	"github.com/ManuGH/vaflow/internal/pool"
	"github.com/ManuGH/vaflow/internal/source"
)

// Pipeline is the read side of one handle.
type Pipeline interface {
	Snapshot(historyN int) pipeline.Snapshot
}

// Sources resolves per-source detail on one handle.
type Sources interface {
	Lookup(id model.SourceID) (source.Info, bool)
}

// Slots is the pool surface the API drives.
type Slots interface {
	AcquireSlot(ctx context.Context, desc model.SourceDescriptor) (*pool.Slot, error)
	ReleaseSlot(ctx context.Context, slot *pool.Slot) error
	Slots() []pool.Slot
	BySource(id model.SourceID) (*pool.Slot, bool)
	Capacity() int
	InUse() int
}

// Deps are the runtime objects behind the routes.
type Deps struct {
	Pipelines []Pipeline
	Sources   map[model.HandleID]Sources
	Pool      Slots
	Backend   Backend
}

// Backend is the negotiated media backend.
type Backend interface {
	Kind() model.BackendKind
	Capabilities() []model.StageKind
	SelectedAt() time.Time
}

// Config tunes the server.
type Config struct {
	Listen         string
	RateLimit      int
	RateWindow     time.Duration
	TracingService string
	// RequestTimeout bounds mutating requests; zero means 30s.
	RequestTimeout time.Duration
}

// Server is the control API.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
	router chi.Router
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, logger: xglog.WithComponent("api")}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:  true,
		TracingService: s.cfg.TracingService,
		EnableLogging:  true,
	})
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/pipelines", s.handlePipelines)
		r.Get("/sources", s.handleListSources)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(middleware.RateLimitConfig{
				RequestLimit: s.cfg.RateLimit,
				WindowSize:   s.cfg.RateWindow,
			}))
			r.Post("/sources", s.handleAddSource)
			r.Delete("/sources/{id}", s.handleRemoveSource)
		})
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on cfg.Listen until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.logger.Info().
		Str(xglog.FieldEvent, "api.listening").
		Str("addr", ln.Addr().String()).
		Msg("control API listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Str(xglog.FieldEvent, "api.shutdown_failed").Msg("control API shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
