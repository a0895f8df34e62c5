// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package model holds the value types shared by the backend, pipeline,
// source and pool packages.
package model

import (
	"fmt"
	"strings"
)

// LifecycleState is the lifecycle of a pipeline graph. States are totally
// ordered: Null < Ready < Paused < Playing.
type LifecycleState int

const (
	StateNull LifecycleState = iota
	StateReady
	StatePaused
	StatePlaying
)

func (s LifecycleState) String() string {
	switch s {
	case StateNull:
		return "null"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the four lifecycle states.
func (s LifecycleState) Valid() bool {
	return s >= StateNull && s <= StatePlaying
}

// ParseLifecycleState parses the lower-case name of a state.
func ParseLifecycleState(raw string) (LifecycleState, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "null":
		return StateNull, nil
	case "ready":
		return StateReady, nil
	case "paused":
		return StatePaused, nil
	case "playing":
		return StatePlaying, nil
	}
	return StateNull, fmt.Errorf("unknown lifecycle state %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s LifecycleState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SourceState is the per-branch lifecycle of a dynamic source.
type SourceState string

const (
	SourceDetached  SourceState = "detached"
	SourceAttaching SourceState = "attaching"
	SourceSynced    SourceState = "synced"
	SourceDetaching SourceState = "detaching"
	SourceRemoved   SourceState = "removed"
)

// StageKind names a category of processing stage.
type StageKind string

const (
	StageMux     StageKind = "mux"
	StageDecode  StageKind = "decode"
	StageConvert StageKind = "convert"
	StageInfer   StageKind = "infer"
	StageTrack   StageKind = "track"
	StageRender  StageKind = "render"
	StageSink    StageKind = "sink"
)

// AllStageKinds lists every stage kind in canonical order.
func AllStageKinds() []StageKind {
	return []StageKind{StageMux, StageDecode, StageConvert, StageInfer, StageTrack, StageRender, StageSink}
}

// ParseStageKind validates a stage kind name.
func ParseStageKind(raw string) (StageKind, error) {
	k := StageKind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStageKinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stage kind %q", raw)
}

// BackendKind identifies one of the three processing backends.
type BackendKind string

const (
	BackendHardware BackendKind = "hardware"
	BackendSoftware BackendKind = "software"
	BackendTestStub BackendKind = "teststub"
)

// ParseBackendKind validates a backend kind name.
func ParseBackendKind(raw string) (BackendKind, error) {
	switch k := BackendKind(strings.ToLower(strings.TrimSpace(raw))); k {
	case BackendHardware, BackendSoftware, BackendTestStub:
		return k, nil
	}
	return "", fmt.Errorf("unknown backend %q", raw)
}
