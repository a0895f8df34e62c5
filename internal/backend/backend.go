// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package backend selects one of the hardware, software or test-stub
// processing backends and builds pipeline stages through it.
//
// The three implementations live in sub-packages and satisfy Implementation.
// Which one is used is decided once per process by Negotiate; after that every
// stage request goes through the memoized *Backend.
package backend

import (
	"context"
	"slices"
	"time"

	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
)

// Stage is a constructed, backend-owned processing element.
//
// SetState and Drain may block; callers run them off the dispatcher loop and
// report completion through bus events.
type Stage interface {
	Name() string
	Kind() model.StageKind
	SetState(ctx context.Context, target model.LifecycleState) error
	Drain(ctx context.Context) error
	Close() error
}

// FrameSource is implemented by decode stages that can hand frames to the
// detector. The channel is closed when the stage stops producing.
type FrameSource interface {
	Frames() <-chan model.Frame
}

// Detector is implemented by infer stages.
type Detector interface {
	Detect(ctx context.Context, f model.Frame) ([]model.Detection, error)
}

// Implementation is the port each backend variant implements.
type Implementation interface {
	// Capabilities probes the platform. It is called at most once per
	// negotiation; an empty result means the backend is not usable here.
	Capabilities(ctx context.Context) []model.StageKind
	Construct(ctx context.Context, desc model.StageDescriptor) (Stage, error)
}

// Closer is optionally implemented by an Implementation that holds
// process-wide resources released at registry teardown.
type Closer interface {
	Close() error
}

// Backend is the negotiated variant. It is immutable after selection.
type Backend struct {
	kind     model.BackendKind
	impl     Implementation
	caps     []model.StageKind
	selected time.Time
}

// Kind returns which variant was selected.
func (b *Backend) Kind() model.BackendKind { return b.kind }

// Capabilities returns a copy of the discovered capability set.
func (b *Backend) Capabilities() []model.StageKind {
	return slices.Clone(b.caps)
}

// Supports reports whether the backend can build kind.
func (b *Backend) Supports(kind model.StageKind) bool {
	return slices.Contains(b.caps, kind)
}

// SelectedAt is when negotiation picked this backend.
func (b *Backend) SelectedAt() time.Time { return b.selected }

// CreateStage realizes a descriptor into a stage.
func (b *Backend) CreateStage(ctx context.Context, desc model.StageDescriptor) (Stage, error) {
	if !b.Supports(desc.Kind) {
		metrics.RecordStageConstruction(string(b.kind), string(desc.Kind), "unsupported")
		return nil, ErrUnsupportedStage
	}
	st, err := b.impl.Construct(ctx, desc)
	if err != nil {
		metrics.RecordStageConstruction(string(b.kind), string(desc.Kind), "failed")
		return nil, &StageConstructionError{Backend: b.kind, Stage: desc.Name, Kind: desc.Kind, Cause: err}
	}
	metrics.RecordStageConstruction(string(b.kind), string(desc.Kind), "ok")
	return st, nil
}

func covers(caps, required []model.StageKind) bool {
	if len(caps) == 0 {
		return false
	}
	for _, k := range required {
		if !slices.Contains(caps, k) {
			return false
		}
	}
	return true
}
