// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration once at startup.
//
// Precedence is ENV > file > defaults. The YAML file is parsed strictly:
// unknown keys are errors.
package config

import (
	"time"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/source"
	"github.com/ManuGH/vaflow/internal/telemetry"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	Version   string           `yaml:"-"`
	Log       LogConfig        `yaml:"log"`
	Backend   BackendConfig    `yaml:"backend"`
	Pipeline  PipelineConfig   `yaml:"pipeline"`
	Sources   SourcesConfig    `yaml:"sources"`
	Pool      PoolConfig       `yaml:"pool"`
	Watch     WatchConfig      `yaml:"watch"`
	API       APIConfig        `yaml:"api"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
}

// BackendConfig selects and tunes the processing backend.
type BackendConfig struct {
	// Preference overrides the negotiation order. TestStub is always tried
	// last whether listed or not.
	Preference []string       `yaml:"preference"`
	Required   []string       `yaml:"required"`
	Hardware   HardwareConfig `yaml:"hardware"`
	Software   SoftwareConfig `yaml:"software"`
}

type HardwareConfig struct {
	Root          string `yaml:"root"`
	DeepStreamDir string `yaml:"deepstreamDir"`
	GPUID         int    `yaml:"gpuId"`
}

type SoftwareConfig struct {
	Threads int    `yaml:"threads"`
	Model   string `yaml:"model"`
}

// PipelineConfig describes the pooled pipeline handles.
type PipelineConfig struct {
	Count             int                     `yaml:"count"`
	TransitionTimeout time.Duration           `yaml:"transitionTimeout"`
	HistorySize       int                     `yaml:"historySize"`
	MaxSources        int                     `yaml:"maxSources"`
	Detector          model.StageDescriptor   `yaml:"detector"`
	Trunk             []model.StageDescriptor `yaml:"trunk"`
	Branch            []model.StageDescriptor `yaml:"branch"`
}

type SourcesConfig struct {
	SyncTimeout time.Duration            `yaml:"syncTimeout"`
	Removal     source.RemovalConfig     `yaml:"removal"`
	Breaker     source.BreakerConfig     `yaml:"breaker"`
	Recovery    source.RecoveryConfig    `yaml:"recovery"`
	Initial     []model.SourceDescriptor `yaml:"initial"`
}

type PoolConfig struct {
	Capacity int `yaml:"capacity"`
}

// WatchConfig turns video files in a directory into sources.
type WatchConfig struct {
	Dir        string        `yaml:"dir"`
	Extensions []string      `yaml:"extensions"`
	Debounce   time.Duration `yaml:"debounce"`
}

type APIConfig struct {
	Listen     string        `yaml:"listen"`
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`
}

// Defaults returns the configuration used when neither file nor ENV set a
// value.
func Defaults() Config {
	return Config{
		Log: LogConfig{Level: "info", Service: "vaflowd"},
		Backend: BackendConfig{
			Preference: []string{string(model.BackendHardware), string(model.BackendSoftware), string(model.BackendTestStub)},
			Required:   []string{string(model.StageDecode), string(model.StageInfer)},
			Hardware:   HardwareConfig{Root: "/", DeepStreamDir: "/opt/nvidia/deepstream/deepstream"},
			Software:   SoftwareConfig{Threads: 2},
		},
		Pipeline: PipelineConfig{
			Count:             1,
			TransitionTimeout: 5 * time.Second,
			HistorySize:       100,
			MaxSources:        source.DefaultMaxSources,
			Detector:          model.StageDescriptor{Name: "pgie", Kind: model.StageInfer},
			Trunk: []model.StageDescriptor{
				{Name: "mux", Kind: model.StageMux},
				{Name: "tracker", Kind: model.StageTrack},
				{Name: "sink", Kind: model.StageSink},
			},
		},
		Sources: SourcesConfig{
			SyncTimeout: source.DefaultSyncTimeout,
			Removal:     source.RemovalConfig{Timeout: source.DefaultDrainTimeout},
			Breaker:     source.BreakerConfig{Threshold: 3, ResetTimeout: 30 * time.Second},
			Recovery: source.RecoveryConfig{
				Enabled:         true,
				MaxRetries:      3,
				InitialInterval: time.Second,
				MaxInterval:     time.Minute,
				Multiplier:      2,
				Jitter:          0.3,
			},
		},
		Pool:  PoolConfig{Capacity: 8},
		Watch: WatchConfig{Extensions: []string{".mp4", ".mkv", ".avi", ".mov", ".webm"}, Debounce: 500 * time.Millisecond},
		API:   APIConfig{Listen: ":8088", RateLimit: 30, RateWindow: time.Minute},
		Telemetry: telemetry.Config{
			ServiceName:  "vaflowd",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// PreferenceKinds converts the configured preference order.
func (c BackendConfig) PreferenceKinds() ([]model.BackendKind, error) {
	out := make([]model.BackendKind, 0, len(c.Preference))
	for _, p := range c.Preference {
		k, err := model.ParseBackendKind(p)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// RequiredKinds converts the configured required stage kinds.
func (c BackendConfig) RequiredKinds() ([]model.StageKind, error) {
	out := make([]model.StageKind, 0, len(c.Required))
	for _, r := range c.Required {
		k, err := model.ParseStageKind(r)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}
