// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	xglog "github.com/ManuGH/vaflow/internal/log"
)

// ErrUnknownConfigField classifies strict YAML parse failures caused by
// unknown keys.
var ErrUnknownConfigField = errors.New("unknown config field")

// Loader handles configuration loading with precedence.
type Loader struct {
	configPath string
	version    string
	env        *envReader
	environ    func() []string
}

// NewLoader creates a loader for the given file, which may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath: configPath,
		version:    version,
		env: &envReader{
			lookup:   osLookup,
			logger:   xglog.WithComponent("config"),
			consumed: map[string]struct{}{},
		},
		environ: os.Environ,
	}
}

// withEnv replaces the process environment, for tests.
func (l *Loader) withEnv(env map[string]string) *Loader {
	l.env.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	l.environ = func() []string {
		out := make([]string, 0, len(env))
		for k, v := range env {
			out = append(out, k+"="+v)
		}
		return out
	}
	return l
}

// Load applies defaults, then the file, then ENV, and validates the result.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	if unknown := l.env.unknownEnvKeys(l.environ()); len(unknown) > 0 {
		l.env.logger.Warn().Strs("keys", unknown).Msg("ignoring unknown VAFLOW_ environment variables")
	}

	cfg.Version = l.version
	cfg.Telemetry.ServiceVersion = l.version
	if cfg.Watch.Dir != "" {
		if abs, err := filepath.Abs(cfg.Watch.Dir); err == nil {
			cfg.Watch.Dir = abs
		}
	}

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes a YAML file over cfg with strict field checking.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	e := l.env

	cfg.Log.Level = e.str("VAFLOW_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Service = e.str("VAFLOW_LOG_SERVICE", cfg.Log.Service)

	cfg.Backend.Preference = e.list("VAFLOW_BACKEND_PREFERENCE", cfg.Backend.Preference)
	cfg.Backend.Required = e.list("VAFLOW_BACKEND_REQUIRED", cfg.Backend.Required)
	cfg.Backend.Hardware.Root = e.str("VAFLOW_HARDWARE_ROOT", cfg.Backend.Hardware.Root)
	cfg.Backend.Hardware.DeepStreamDir = e.str("VAFLOW_DEEPSTREAM_DIR", cfg.Backend.Hardware.DeepStreamDir)
	cfg.Backend.Hardware.GPUID = e.int("VAFLOW_GPU_ID", cfg.Backend.Hardware.GPUID)
	cfg.Backend.Software.Threads = e.int("VAFLOW_SOFTWARE_THREADS", cfg.Backend.Software.Threads)
	cfg.Backend.Software.Model = e.str("VAFLOW_SOFTWARE_MODEL", cfg.Backend.Software.Model)

	cfg.Pipeline.Count = e.int("VAFLOW_PIPELINES", cfg.Pipeline.Count)
	cfg.Pipeline.TransitionTimeout = e.duration("VAFLOW_TRANSITION_TIMEOUT", cfg.Pipeline.TransitionTimeout)
	cfg.Pipeline.MaxSources = e.int("VAFLOW_MAX_SOURCES", cfg.Pipeline.MaxSources)

	cfg.Sources.SyncTimeout = e.duration("VAFLOW_SYNC_TIMEOUT", cfg.Sources.SyncTimeout)
	cfg.Sources.Removal.Timeout = e.duration("VAFLOW_DRAIN_TIMEOUT", cfg.Sources.Removal.Timeout)
	cfg.Sources.Removal.Force = e.bool("VAFLOW_FORCE_REMOVAL", cfg.Sources.Removal.Force)
	cfg.Sources.Recovery.Enabled = e.bool("VAFLOW_SOURCE_RECOVERY", cfg.Sources.Recovery.Enabled)
	cfg.Sources.Recovery.MaxRetries = e.int("VAFLOW_SOURCE_RECOVERY_RETRIES", cfg.Sources.Recovery.MaxRetries)

	cfg.Pool.Capacity = e.int("VAFLOW_POOL_CAPACITY", cfg.Pool.Capacity)

	cfg.Watch.Dir = e.str("VAFLOW_WATCH_DIR", cfg.Watch.Dir)

	cfg.API.Listen = e.str("VAFLOW_LISTEN", cfg.API.Listen)
	cfg.API.RateLimit = e.int("VAFLOW_RATE_LIMIT", cfg.API.RateLimit)

	cfg.Telemetry.Enabled = e.bool("VAFLOW_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = e.str("VAFLOW_TELEMETRY_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = e.str("VAFLOW_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = e.float("VAFLOW_TELEMETRY_SAMPLING", cfg.Telemetry.SamplingRate)
}
