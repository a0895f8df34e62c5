// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus is the single event loop of a vaflow process.
//
// Producers (stage goroutines, off-loop work) Post events from any goroutine.
// One goroutine runs Dispatcher.Run: it sleeps until at least one event is
// queued, takes the whole queue, and hands every event, in arrival order, to
// each matching subscriber before sleeping again. Handlers run on that
// goroutine and must not block; operations that need to wait for an event
// park on their own goroutine with a Pending record that a handler resolves.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
)

// AnyHandle matches events from every pipeline handle.
const AnyHandle model.HandleID = -1

// Filter selects events for a subscriber.
type Filter struct {
	Classes Class
	Handle  model.HandleID
}

// ForHandle builds a filter for one handle.
func ForHandle(h model.HandleID, classes Class) Filter {
	return Filter{Classes: classes, Handle: h}
}

// AllHandles builds a filter for every handle.
func AllHandles(classes Class) Filter {
	return Filter{Classes: classes, Handle: AnyHandle}
}

func (f Filter) match(e Event) bool {
	if f.Handle != AnyHandle && f.Handle != e.Handle {
		return false
	}
	return f.Classes&e.Classes() != 0
}

// Handler is invoked on the dispatcher goroutine.
type Handler func(Event)

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithShutdown sets the flag checked on every loop iteration.
func WithShutdown(f *shutdown.Flag) Option {
	return func(d *Dispatcher) { d.flag = f }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Dispatcher owns the event queue and subscriber table.
type Dispatcher struct {
	mu    sync.Mutex
	queue []Event
	seq   uint64
	wake  chan struct{}

	subMu   sync.RWMutex
	subs    []subscription
	nextSub uint64

	flag    *shutdown.Flag
	logger  zerolog.Logger
	running atomic.Bool
	stopped chan struct{}
}

// New returns an idle dispatcher; call Run to start the loop.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		wake:    make(chan struct{}, 1),
		flag:    shutdown.Global(),
		logger:  xglog.WithComponent("dispatcher"),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Post enqueues an event and returns its sequence number. Safe from any
// goroutine, including handlers.
func (d *Dispatcher) Post(e Event) uint64 {
	d.mu.Lock()
	d.seq++
	e.Seq = d.seq
	if e.At.IsZero() {
		e.At = time.Now()
	}
	d.queue = append(d.queue, e)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return e.Seq
}

// Subscribe registers a handler and returns a function removing it.
func (d *Dispatcher) Subscribe(f Filter, h Handler) (unsubscribe func()) {
	d.subMu.Lock()
	d.nextSub++
	id := d.nextSub
	subs := make([]subscription, 0, len(d.subs)+1)
	subs = append(subs, d.subs...)
	d.subs = append(subs, subscription{id: id, filter: f, handler: h})
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			out := make([]subscription, 0, len(d.subs))
			for _, s := range d.subs {
				if s.id != id {
					out = append(out, s)
				}
			}
			d.subs = out
		})
	}
}

// Run drives the loop until ctx ends or shutdown is requested. Events still
// queued at that point are delivered before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errAlreadyRunning
	}
	defer close(d.stopped)

	d.logger.Debug().Str(xglog.FieldEvent, "dispatcher.start").Msg("event loop started")
	for {
		if d.flag.Requested() {
			d.drain()
			d.logger.Debug().Str(xglog.FieldEvent, "dispatcher.stop").Str("reason", "shutdown").Msg("event loop stopped")
			return nil
		}
		select {
		case <-d.wake:
			d.drain()
		case <-ctx.Done():
			d.drain()
			d.logger.Debug().Str(xglog.FieldEvent, "dispatcher.stop").Str("reason", "context").Msg("event loop stopped")
			return nil
		case <-d.flag.Done():
		}
	}
}

// Stopped is closed once Run has returned.
func (d *Dispatcher) Stopped() <-chan struct{} { return d.stopped }

func (d *Dispatcher) drain() {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	metrics.ObserveBusBatch(len(batch))

	d.subMu.RLock()
	subs := d.subs
	d.subMu.RUnlock()

	for _, e := range batch {
		metrics.RecordBusEvent(e.Kind.String())
		for _, s := range subs {
			if s.filter.match(e) {
				d.deliver(s, e)
			}
		}
	}
}

func (d *Dispatcher) deliver(s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str(xglog.FieldEvent, "dispatcher.handler_panic").
				Interface("panic", r).
				Str("bus_event", e.String()).
				Msg("subscriber panicked")
		}
	}()
	s.handler(e)
}
