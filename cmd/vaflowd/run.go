// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/config"
	"github.com/ManuGH/vaflow/internal/daemon"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/shutdown"
	"github.com/ManuGH/vaflow/internal/telemetry"
	"github.com/ManuGH/vaflow/internal/version"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the pipelines and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath(cmd))
		},
	}
}

func runDaemon(parent context.Context, path string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		return err
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.Log.Level,
		Service: cfg.Log.Service,
		Version: cfg.Version,
	})
	logger := xglog.WithComponent("main")
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str(xglog.FieldPath, path).
		Str("version", version.String()).
		Msg("starting vaflowd")

	ctx, stop := notifyShutdown(parent, shutdown.Global())
	defer stop()

	cfg.Telemetry.ServiceVersion = cfg.Version
	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	opts, err := daemon.BackendOptions(cfg.Backend)
	if err != nil {
		return err
	}
	if err := backend.Configure(daemon.Candidates(cfg.Backend), opts...); err != nil {
		return err
	}

	d, err := daemon.New(ctx, cfg, daemon.WithShutdown(shutdown.Global()))
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.init_failed").Msg("startup aborted")
		return err
	}
	return d.Run(ctx)
}

// notifyShutdown returns a context cancelled on SIGINT or SIGTERM. The signal
// also raises flag so every pending wait returns at once. A second signal
// kills the process.
func notifyShutdown(parent context.Context, flag *shutdown.Flag) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() == nil {
			flag.Request()
		}
		stop()
	}()
	return ctx, stop
}
