// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package shutdown holds the process-wide shutdown flag. It is the only
// global mutable state shared by the pipeline components: every wait selects
// on Done so that a signal unblocks it immediately.
package shutdown

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrShutdown is returned by waits that were interrupted by a shutdown request.
var ErrShutdown = errors.New("shutdown requested")

// Flag is a one-shot shutdown latch.
type Flag struct {
	once      sync.Once
	requested atomic.Bool
	done      chan struct{}
	initOnce  sync.Once
}

func (f *Flag) init() {
	f.initOnce.Do(func() { f.done = make(chan struct{}) })
}

// Request sets the flag. Safe to call any number of times from any goroutine.
// It reports whether this call was the one that set it.
func (f *Flag) Request() bool {
	f.init()
	first := false
	f.once.Do(func() {
		first = true
		f.requested.Store(true)
		close(f.done)
	})
	return first
}

// Requested reports whether shutdown has been requested.
func (f *Flag) Requested() bool {
	return f.requested.Load()
}

// Done is closed once shutdown has been requested.
func (f *Flag) Done() <-chan struct{} {
	f.init()
	return f.done
}

var global = &Flag{}

// Request sets the process-wide shutdown flag.
func Request() bool { return global.Request() }

// Requested reports whether process shutdown was requested.
func Requested() bool { return global.Requested() }

// Done is closed when process shutdown is requested.
func Done() <-chan struct{} { return global.Done() }

// Global returns the process-wide flag for components that accept a *Flag.
func Global() *Flag { return global }
