// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package backend

import (
	"errors"
	"fmt"

	"github.com/ManuGH/vaflow/internal/model"
)

var (
	// ErrBackendUnavailable means no backend, not even the test stub, covers
	// the requested stage kinds.
	ErrBackendUnavailable = errors.New("no backend satisfies the required stages")
	// ErrUnsupportedStage means the selected backend cannot build the kind.
	ErrUnsupportedStage = errors.New("stage kind not supported by backend")
	// ErrStageConstructionFailed is matched by every *StageConstructionError.
	ErrStageConstructionFailed = errors.New("stage construction failed")
	// ErrReentrantInit is returned when a probe calls back into negotiation.
	ErrReentrantInit = errors.New("backend negotiation re-entered during initialization")
	// ErrNotAcquired is returned by Release without a matching Acquire.
	ErrNotAcquired = errors.New("backend registry not acquired")
	// ErrFatal marks stage errors that must take the whole pipeline down.
	ErrFatal = errors.New("fatal backend error")
)

// UnavailableError lists what was required when negotiation failed.
type UnavailableError struct {
	Required []model.StageKind
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%v: required %v", ErrBackendUnavailable, e.Required)
}

func (e *UnavailableError) Unwrap() error { return ErrBackendUnavailable }

// StageConstructionError carries the backend-specific cause of a failed
// construction, e.g. a missing model file.
type StageConstructionError struct {
	Backend model.BackendKind
	Stage   string
	Kind    model.StageKind
	Cause   error
}

func (e *StageConstructionError) Error() string {
	return fmt.Sprintf("%s backend: construct %s stage %q: %v", e.Backend, e.Kind, e.Stage, e.Cause)
}

func (e *StageConstructionError) Is(target error) bool {
	return target == ErrStageConstructionFailed
}

func (e *StageConstructionError) Unwrap() error { return e.Cause }

// Fatal wraps err so that IsFatal reports true for it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether a stage error is classified fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
