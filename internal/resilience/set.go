// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resilience

import (
	"sync"
	"time"

	"github.com/ManuGH/vaflow/internal/metrics"
)

// Set lazily creates one breaker per key and tracks how many are open.
type Set struct {
	threshold    int
	resetTimeout time.Duration
	opts         []Option

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	open     map[string]struct{}
}

// NewSet configures every breaker the set will create.
func NewSet(threshold int, resetTimeout time.Duration, opts ...Option) *Set {
	return &Set{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		opts:         opts,
		breakers:     map[string]*CircuitBreaker{},
		open:         map[string]struct{}{},
	}
}

// Get returns the breaker for key, creating it closed.
func (s *Set) Get(key string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[key]; ok {
		return cb
	}
	opts := append([]Option{WithStateHook(s.observe)}, s.opts...)
	cb := NewCircuitBreaker(key, s.threshold, s.resetTimeout, opts...)
	s.breakers[key] = cb
	return cb
}

// Open returns the keys whose breaker is open or half-open.
func (s *Set) Open() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.open))
	for k := range s.open {
		out = append(out, k)
	}
	return out
}

// observe runs under the breaker lock. Set methods never call into a
// breaker while holding s.mu.
func (s *Set) observe(name string, _, to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if to == StateClosed {
		delete(s.open, name)
	} else {
		s.open[name] = struct{}{}
	}
	metrics.SetOpenCircuitBreakers(len(s.open))
}
