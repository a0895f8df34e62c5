// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"strings"

	"github.com/google/uuid"
)

// SourceID identifies one dynamic input stream.
type SourceID string

// NewSourceID allocates a fresh random source id.
func NewSourceID() SourceID {
	return SourceID("src-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// HandleID identifies one pipeline handle within the process.
type HandleID int

// StageDescriptor is a request for a stage. It is data, never executable.
type StageDescriptor struct {
	Name   string            `json:"name" yaml:"name"`
	Kind   StageKind         `json:"kind" yaml:"kind"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Param returns a config value or def when unset.
func (d StageDescriptor) Param(key, def string) string {
	if v, ok := d.Config[key]; ok && v != "" {
		return v
	}
	return def
}

// SourceDescriptor describes one input stream. ID may be left empty, in which
// case the registry allocates one.
type SourceDescriptor struct {
	ID      SourceID          `json:"id,omitempty" yaml:"id,omitempty"`
	Locator string            `json:"locator" yaml:"locator"`
	Config  map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// DecodeStage returns the descriptor for the decode stage that heads this
// source's branch.
func (d SourceDescriptor) DecodeStage() StageDescriptor {
	cfg := make(map[string]string, len(d.Config)+1)
	for k, v := range d.Config {
		cfg[k] = v
	}
	cfg["locator"] = d.Locator
	return StageDescriptor{
		Name:   "decode-" + string(d.ID),
		Kind:   StageDecode,
		Config: cfg,
	}
}
