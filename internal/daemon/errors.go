// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrNoPipelines is returned when configuration asks for zero handles.
	ErrNoPipelines = errors.New("at least one pipeline is required")
	// ErrAlreadyRunning is returned by a second Run.
	ErrAlreadyRunning = errors.New("daemon already running")
)
