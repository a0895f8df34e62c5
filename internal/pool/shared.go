// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pool

import (
	"errors"
	"sync"

	"github.com/ManuGH/vaflow/internal/backend"
	"github.com/ManuGH/vaflow/internal/metrics"
)

// ErrSharedClosed is returned when leasing a resource whose last reference
// is gone.
var ErrSharedClosed = errors.New("shared resource already released")

// Shared is one backend stage referenced by many holders. It is closed when
// the last lease is released and can not be revived.
type Shared struct {
	stage backend.Stage

	mu     sync.Mutex
	refs   int
	closed bool
}

// NewShared wraps stage and returns the owner's lease.
func NewShared(stage backend.Stage) (*Shared, *Lease) {
	s := &Shared{stage: stage, refs: 1}
	metrics.SetSharedResourceRefs(1)
	return s, &Lease{s: s}
}

// Stage returns the wrapped stage. Callers must hold a lease.
func (s *Shared) Stage() backend.Stage { return s.stage }

// Refs returns the number of live leases.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Closed reports whether the stage has been torn down.
func (s *Shared) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Acquire adds a reference.
func (s *Shared) Acquire() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSharedClosed
	}
	s.refs++
	metrics.SetSharedResourceRefs(s.refs)
	return &Lease{s: s}, nil
}

func (s *Shared) release() error {
	s.mu.Lock()
	s.refs--
	refs := s.refs
	last := refs == 0 && !s.closed
	if last {
		s.closed = true
	}
	s.mu.Unlock()

	metrics.SetSharedResourceRefs(refs)
	if !last {
		return nil
	}
	return s.stage.Close()
}

// Lease is one reference on a Shared resource.
type Lease struct {
	s    *Shared
	once sync.Once
}

// Release drops the reference. Only the first call has an effect.
func (l *Lease) Release() error {
	var err error
	l.once.Do(func() { err = l.s.release() })
	return err
}
