// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/validate"
)

// Validate checks a resolved configuration.
func Validate(cfg Config) error {
	v := validate.New()

	if _, err := validate.ParseLogLevel(strings.ToLower(cfg.Log.Level)); err != nil {
		v.AddError("Log.Level", "must be one of debug, info, warn, error", cfg.Log.Level)
	}

	for i, p := range cfg.Backend.Preference {
		if _, err := model.ParseBackendKind(p); err != nil {
			v.AddError(fmt.Sprintf("Backend.Preference[%d]", i), err.Error(), p)
		}
	}
	for i, r := range cfg.Backend.Required {
		if _, err := model.ParseStageKind(r); err != nil {
			v.AddError(fmt.Sprintf("Backend.Required[%d]", i), err.Error(), r)
		}
	}
	v.NonNegative("Backend.Software.Threads", cfg.Backend.Software.Threads)
	v.NonNegative("Backend.Hardware.GPUID", cfg.Backend.Hardware.GPUID)

	v.Range("Pipeline.Count", cfg.Pipeline.Count, 1, 64)
	v.MinDuration("Pipeline.TransitionTimeout", cfg.Pipeline.TransitionTimeout, 10*time.Millisecond)
	v.NonNegative("Pipeline.MaxSources", cfg.Pipeline.MaxSources)
	if cfg.Pipeline.Detector.Kind != model.StageInfer {
		v.AddError("Pipeline.Detector.Kind", "detector must be an infer stage", cfg.Pipeline.Detector.Kind)
	}
	validateStages(v, "Pipeline.Trunk", cfg.Pipeline.Trunk)
	validateStages(v, "Pipeline.Branch", cfg.Pipeline.Branch)
	for i, st := range cfg.Pipeline.Branch {
		if st.Kind == model.StageDecode {
			v.AddError(fmt.Sprintf("Pipeline.Branch[%d].Kind", i), "decode stages are created per source", st.Kind)
		}
	}

	v.MinDuration("Sources.SyncTimeout", cfg.Sources.SyncTimeout, 10*time.Millisecond)
	v.MinDuration("Sources.Removal.Timeout", cfg.Sources.Removal.Timeout, 0)
	v.NonNegative("Sources.Breaker.Threshold", cfg.Sources.Breaker.Threshold)
	if rc := cfg.Sources.Recovery; rc.Enabled {
		v.NonNegative("Sources.Recovery.MaxRetries", rc.MaxRetries)
		v.MinDuration("Sources.Recovery.InitialInterval", rc.InitialInterval, 0)
		if rc.MaxInterval > 0 && rc.MaxInterval < rc.InitialInterval {
			v.AddError("Sources.Recovery.MaxInterval", "must not be below the initial interval", rc.MaxInterval)
		}
		if rc.Jitter < 0 || rc.Jitter >= 1 {
			v.AddError("Sources.Recovery.Jitter", "must be in [0, 1)", rc.Jitter)
		}
	}
	seen := map[model.SourceID]bool{}
	for i, s := range cfg.Sources.Initial {
		v.Locator(fmt.Sprintf("Sources.Initial[%d].Locator", i), s.Locator)
		if s.ID != "" {
			if seen[s.ID] {
				v.AddError(fmt.Sprintf("Sources.Initial[%d].ID", i), "duplicate source id", s.ID)
			}
			seen[s.ID] = true
		}
	}

	v.Positive("Pool.Capacity", cfg.Pool.Capacity)
	if len(cfg.Sources.Initial) > cfg.Pool.Capacity {
		v.AddError("Sources.Initial", fmt.Sprintf("%d initial sources exceed pool capacity %d", len(cfg.Sources.Initial), cfg.Pool.Capacity), len(cfg.Sources.Initial))
	}

	if cfg.Watch.Dir != "" {
		v.Directory("Watch.Dir", cfg.Watch.Dir, true)
		for i, ext := range cfg.Watch.Extensions {
			if !strings.HasPrefix(ext, ".") {
				v.AddError(fmt.Sprintf("Watch.Extensions[%d]", i), "extension must start with a dot", ext)
			}
		}
	}

	if cfg.API.Listen != "" {
		v.ListenAddr("API.Listen", cfg.API.Listen)
	}
	v.NonNegative("API.RateLimit", cfg.API.RateLimit)

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("Telemetry.SamplingRate", "must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}

func validateStages(v *validate.Validator, field string, stages []model.StageDescriptor) {
	names := map[string]bool{}
	for i, st := range stages {
		f := fmt.Sprintf("%s[%d]", field, i)
		v.NotEmpty(f+".Name", st.Name)
		if _, err := model.ParseStageKind(string(st.Kind)); err != nil {
			v.AddError(f+".Kind", err.Error(), st.Kind)
		}
		if names[st.Name] {
			v.AddError(f+".Name", "duplicate stage name", st.Name)
		}
		names[st.Name] = true
	}
}
