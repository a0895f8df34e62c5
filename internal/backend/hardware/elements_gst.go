// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build gst

package hardware

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/model"
)

var initOnce sync.Once

func ensureInit() {
	initOnce.Do(func() { gst.Init(nil) })
}

func findFactory(names []string) (string, bool) {
	ensureInit()
	for _, n := range names {
		if f := gst.Find(n); f != nil {
			return n, true
		}
	}
	return "", false
}

var gstStates = map[model.LifecycleState]gst.State{
	model.StateNull:    gst.StateNull,
	model.StateReady:   gst.StateReady,
	model.StatePaused:  gst.StatePaused,
	model.StatePlaying: gst.StatePlaying,
}

func buildElement(_ context.Context, factory string, desc model.StageDescriptor, gpuID int) (backend.Stage, error) {
	ensureInit()
	el, err := gst.NewElementWithName(factory, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", factory, err)
	}

	switch desc.Kind {
	case model.StageInfer:
		cfgPath := desc.Param("config", "")
		if cfgPath == "" {
			return nil, fmt.Errorf("infer stage %q: config-file-path required", desc.Name)
		}
		if err := el.SetProperty("config-file-path", cfgPath); err != nil {
			return nil, fmt.Errorf("set config-file-path: %w", err)
		}
	case model.StageMux:
		for _, key := range []string{"width", "height", "batch-size"} {
			if v := desc.Param(key, ""); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", key, err)
				}
				if err := el.SetProperty(key, n); err != nil {
					return nil, fmt.Errorf("set %s: %w", key, err)
				}
			}
		}
	}
	if factory == "nvinfer" || factory == "nvtracker" || factory == "nvvideoconvert" || factory == "nvv4l2decoder" {
		if err := el.SetProperty("gpu-id", uint(gpuID)); err != nil {
			return nil, fmt.Errorf("set gpu-id: %w", err)
		}
	}
	return &elementStage{name: desc.Name, kind: desc.Kind, el: el}, nil
}

type elementStage struct {
	name string
	kind model.StageKind

	mu sync.Mutex
	el *gst.Element
}

func (s *elementStage) Name() string          { return s.name }
func (s *elementStage) Kind() model.StageKind { return s.kind }

func (s *elementStage) SetState(ctx context.Context, target model.LifecycleState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.el.SetState(gstStates[target]); err != nil {
		return fmt.Errorf("%s -> %s: %w", s.name, target, err)
	}
	return nil
}

func (s *elementStage) Drain(ctx context.Context) error {
	s.mu.Lock()
	ok := s.el.SendEvent(gst.NewEOSEvent())
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: eos not accepted", s.name)
	}
	return ctx.Err()
}

func (s *elementStage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.el.SetState(gst.StateNull)
}
