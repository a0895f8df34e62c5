// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ManuGH/vaflow/internal/metrics"
)

const defaultTapBuffer = 64

// Tap is a buffered channel view of the bus for observers that live off the
// loop (API streams, tests). A full buffer drops the event.
type Tap struct {
	name   string
	d      *Dispatcher
	unsub  func()
	dropLg rate.Sometimes

	mu     sync.Mutex
	closed bool
	ch     chan Event
}

// Tap subscribes a channel to events matching f.
func (d *Dispatcher) Tap(name string, f Filter, buffer int) *Tap {
	if buffer <= 0 {
		buffer = defaultTapBuffer
	}
	t := &Tap{name: name, d: d, ch: make(chan Event, buffer), dropLg: rate.Sometimes{First: 1, Every: 100}}
	t.unsub = d.Subscribe(f, t.offer)
	return t
}

func (t *Tap) offer(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- e:
	default:
		metrics.IncBusDropReason(t.name, "full")
		t.dropLg.Do(func() {
			t.d.logger.Warn().
				Str("tap", t.name).
				Str("bus_event", e.String()).
				Msg("bus tap full, dropping events")
		})
	}
}

// C returns the receive side. It is closed by Close.
func (t *Tap) C() <-chan Event { return t.ch }

// Close unsubscribes and closes the channel.
func (t *Tap) Close() error {
	t.unsub()
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
	return nil
}
