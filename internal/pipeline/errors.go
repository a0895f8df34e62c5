// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"errors"
	"fmt"

	"github.com/ManuGH/vaflow/internal/bus"
	"github.com/ManuGH/vaflow/internal/model"
)

var (
	// ErrInvalidState rejects an operation not permitted in the current state.
	ErrInvalidState = errors.New("operation not permitted in current pipeline state")
	// ErrTransitionTimeout is matched by *TransitionTimeoutError.
	ErrTransitionTimeout = errors.New("state transition timed out")
	// ErrStateRegression is matched by *StateRegressionError.
	ErrStateRegression = errors.New("pipeline state regressed")
	// ErrFatalBackend is matched by *FatalBackendError.
	ErrFatalBackend = errors.New("fatal backend error")
	// ErrClosed is returned once the machine has been closed.
	ErrClosed = errors.New("pipeline closed")
	// ErrTooManySources rejects attaching past the per-pipeline limit.
	ErrTooManySources = errors.New("pipeline source limit reached")
	// ErrUnknownBranch is returned for branch operations on ids not linked.
	ErrUnknownBranch = errors.New("no branch linked for source")
)

// InvalidStateError reports the state that caused a rejection.
type InvalidStateError struct {
	Handle   model.HandleID
	State    model.LifecycleState
	Required model.LifecycleState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("pipeline %d is %s, need at least %s", e.Handle, e.State, e.Required)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// TransitionTimeoutError means no confirmation arrived for Target before the
// deadline. The pipeline stays in its last confirmed state.
type TransitionTimeoutError struct {
	Handle model.HandleID
	Target model.LifecycleState
}

func (e *TransitionTimeoutError) Error() string {
	return fmt.Sprintf("pipeline %d: transition to %s timed out", e.Handle, e.Target)
}

// Is matches both the pipeline sentinel and the generic wait timeout.
func (e *TransitionTimeoutError) Is(target error) bool {
	return target == ErrTransitionTimeout || target == bus.ErrWaitTimeout
}

// StateRegressionError means the graph fell back while a transition was
// outstanding.
type StateRegressionError struct {
	Handle model.HandleID
	From   model.LifecycleState
	To     model.LifecycleState
}

func (e *StateRegressionError) Error() string {
	return fmt.Sprintf("pipeline %d regressed from %s to %s", e.Handle, e.From, e.To)
}

func (e *StateRegressionError) Unwrap() error { return ErrStateRegression }

// FatalBackendError is raised when a stage reports an unrecoverable error.
type FatalBackendError struct {
	Handle model.HandleID
	Origin string
	Detail string
	Err    error
}

func (e *FatalBackendError) Error() string {
	if e.Origin != "" {
		return fmt.Sprintf("pipeline %d: fatal backend error from %s: %s", e.Handle, e.Origin, e.Detail)
	}
	return fmt.Sprintf("pipeline %d: fatal backend error: %s", e.Handle, e.Detail)
}

func (e *FatalBackendError) Is(target error) bool { return target == ErrFatalBackend }

func (e *FatalBackendError) Unwrap() error { return e.Err }

// NewFatalBackendError builds the error for a fatal bus event.
func NewFatalBackendError(ev bus.Event) *FatalBackendError {
	detail := "unknown"
	if ev.Err != nil {
		detail = ev.Err.Error()
	}
	return &FatalBackendError{Handle: ev.Handle, Origin: ev.Origin, Detail: detail, Err: ev.Err}
}
