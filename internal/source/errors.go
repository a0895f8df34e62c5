// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package source

import (
	"errors"
	"fmt"

	"github.com/ManuGH/vaflow/internal/model"
)

var (
	// ErrUnknownSource is returned for ids that were never added or are
	// already removed.
	ErrUnknownSource = errors.New("unknown source")
	// ErrSourceSyncFailed matches every *SourceSyncFailedError.
	ErrSourceSyncFailed = errors.New("source sync failed")
	// ErrForcedRemoval matches *ForcedRemovalWarning. It is a warning: the
	// source is removed when it is returned.
	ErrForcedRemoval = errors.New("source removal forced")
	// ErrDuplicateSource is returned when a caller-supplied id is live.
	ErrDuplicateSource = errors.New("source id already registered")
)

// SourceSyncFailedError reports a branch that never confirmed sync with its
// parent. The branch has been unlinked and the id is Removed.
type SourceSyncFailedError struct {
	ID    model.SourceID
	Cause error
}

func (e *SourceSyncFailedError) Error() string {
	return fmt.Sprintf("source %s: sync failed: %v", e.ID, e.Cause)
}

func (e *SourceSyncFailedError) Is(target error) bool { return target == ErrSourceSyncFailed }

func (e *SourceSyncFailedError) Unwrap() error { return e.Cause }

// ForcedRemovalWarning reports a branch unlinked without a confirmed drain.
type ForcedRemovalWarning struct {
	ID    model.SourceID
	Cause error
}

func (e *ForcedRemovalWarning) Error() string {
	return fmt.Sprintf("source %s: removed without drain confirmation: %v", e.ID, e.Cause)
}

func (e *ForcedRemovalWarning) Is(target error) bool { return target == ErrForcedRemoval }

func (e *ForcedRemovalWarning) Unwrap() error { return e.Cause }
