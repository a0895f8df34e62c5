// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hardware implements the GPU-accelerated backend.
//
// Detection is two-tier:
//
//  1. Detect() stats device nodes (/dev/nvidia0, Jetson release file,
//     /dev/dri/renderD128) and the DeepStream install directory.
//  2. The element factories for each stage kind must be registered with
//     GStreamer. This tier only exists in builds with the gst tag; other
//     builds report no capabilities so negotiation falls through to the
//     software backend.
package hardware

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/vaflow/internal/backend"
	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/model"
)

// Config controls detection.
type Config struct {
	// Root prefixes every probed path; tests point it at a temp dir.
	Root          string
	DeepStreamDir string
	GPUID         int
}

// factories maps each stage kind to candidate element factory names, most
// preferred first.
var factories = map[model.StageKind][]string{
	model.StageMux:     {"nvstreammux"},
	model.StageDecode:  {"nvv4l2decoder", "vaapih264dec", "vaapidecodebin"},
	model.StageConvert: {"nvvideoconvert", "vaapipostproc"},
	model.StageInfer:   {"nvinfer"},
	model.StageTrack:   {"nvtracker"},
	model.StageRender:  {"nvdsosd"},
	model.StageSink:    {"nveglglessink", "fakesink"},
}

// Backend implements backend.Implementation on accelerator hardware.
type Backend struct {
	cfg    Config
	logger zerolog.Logger

	once     sync.Once
	platform Platform
	resolved map[model.StageKind]string
}

var _ backend.Implementation = (*Backend)(nil)

// New returns the hardware backend. Nothing is probed until Capabilities.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg, logger: xglog.WithComponent("backend.hardware")}
}

func (b *Backend) probe() {
	b.once.Do(func() {
		b.platform = Detect(b.cfg.Root, b.cfg.DeepStreamDir)
		b.resolved = map[model.StageKind]string{}
		if !b.platform.Accelerated() {
			b.logger.Info().
				Str(xglog.FieldEvent, "hardware.probe").
				Msg("no accelerator found")
			return
		}
		for kind, names := range factories {
			if (kind == model.StageInfer || kind == model.StageTrack || kind == model.StageMux || kind == model.StageRender) && !b.platform.DeepStream {
				continue
			}
			if name, ok := findFactory(names); ok {
				b.resolved[kind] = name
			}
		}
		b.logger.Info().
			Str(xglog.FieldEvent, "hardware.probe").
			Str("platform", string(b.platform.Kind)).
			Bool("deepstream", b.platform.DeepStream).
			Int("factories", len(b.resolved)).
			Msg("hardware probe complete")
	})
}

// Platform returns the detected platform, probing on first use.
func (b *Backend) Platform() Platform {
	b.probe()
	return b.platform
}

// Capabilities implements backend.Implementation.
func (b *Backend) Capabilities(context.Context) []model.StageKind {
	b.probe()
	var out []model.StageKind
	for _, k := range model.AllStageKinds() {
		if _, ok := b.resolved[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// Construct implements backend.Implementation.
func (b *Backend) Construct(ctx context.Context, desc model.StageDescriptor) (backend.Stage, error) {
	b.probe()
	factory, ok := b.resolved[desc.Kind]
	if !ok {
		return nil, backend.ErrUnsupportedStage
	}
	return buildElement(ctx, factory, desc, b.cfg.GPUID)
}
