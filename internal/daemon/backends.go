// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/backend/hardware"
	"github.com/ManuGH/vaflow/internal/backend/software"
	"github.com/ManuGH/vaflow/internal/backend/stub"
	"github.com/ManuGH/vaflow/internal/config"
)

// Candidates builds every backend variant from configuration.
func Candidates(cfg config.BackendConfig) backend.Candidates {
	return backend.Candidates{
		Hardware: hardware.New(hardware.Config{
			Root:          cfg.Hardware.Root,
			DeepStreamDir: cfg.Hardware.DeepStreamDir,
			GPUID:         cfg.Hardware.GPUID,
		}),
		Software: software.New(software.Config{
			Threads:      cfg.Software.Threads,
			DefaultModel: cfg.Software.Model,
		}),
		TestStub: stub.New(),
	}
}

// BackendOptions converts the configured preference into registry options.
func BackendOptions(cfg config.BackendConfig) ([]backend.Option, error) {
	kinds, err := cfg.PreferenceKinds()
	if err != nil {
		return nil, err
	}
	opts := []backend.Option{}
	if len(kinds) > 0 {
		opts = append(opts, backend.WithPreference(kinds...))
	}
	return opts, nil
}
