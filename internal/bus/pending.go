// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/vaflow/internal/shutdown"
)

var (
	// ErrWaitTimeout is returned when a pending record is not resolved in time.
	ErrWaitTimeout = errors.New("timed out waiting for bus event")

	errAlreadyRunning = errors.New("dispatcher already running")
)

// Pending is a one-shot completion record. The first Resolve wins.
type Pending[T any] struct {
	once sync.Once
	ch   chan T
}

// NewPending allocates an unresolved record.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{ch: make(chan T, 1)}
}

// Resolve completes the record and reports whether this call did so.
func (p *Pending[T]) Resolve(v T) bool {
	ok := false
	p.once.Do(func() {
		p.ch <- v
		ok = true
	})
	return ok
}

// Await blocks until p is resolved, the timeout elapses, ctx ends, or
// shutdown is requested on flag. A zero timeout waits without deadline.
func Await[T any](ctx context.Context, p *Pending[T], timeout time.Duration, flag *shutdown.Flag) (T, error) {
	var zero T
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	if flag == nil {
		flag = shutdown.Global()
	}
	select {
	case v := <-p.ch:
		return v, nil
	case <-deadline:
		return zero, ErrWaitTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-flag.Done():
		return zero, shutdown.ErrShutdown
	}
}
