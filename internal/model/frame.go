// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import "time"

// Frame is one decoded picture handed from a decode stage to the detector.
// Pixel data stays inside the backend; only metadata crosses this boundary.
type Frame struct {
	Source    SourceID
	Sequence  uint64
	Timestamp time.Time
	Width     int
	Height    int
}

// BoundingBox is in pixel coordinates of the source frame.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Detection is one object found in a frame.
type Detection struct {
	ClassID    int         `json:"class_id"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"box"`
	TrackID    uint64      `json:"track_id,omitempty"`
}

// FrameResult is the per-frame output delivered to downstream consumers.
type FrameResult struct {
	Source     SourceID    `json:"source_id"`
	Sequence   uint64      `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}
