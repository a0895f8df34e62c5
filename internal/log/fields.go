// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldSourceID  = "source_id"
	FieldSlotID    = "slot_id"
	FieldHandle    = "handle"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBackend   = "backend"
	FieldStage     = "stage"
	FieldStageKind = "stage_kind"
	FieldLocator   = "locator"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldTarget   = "target"

	// Timing fields
	FieldDurationMS = "duration_ms"
	FieldTimeout    = "timeout"

	FieldPath = "path"
)
