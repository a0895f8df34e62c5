// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package results carries per-frame detection results to downstream
// consumers. Results of one source are delivered in timestamp order.
package results

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"

	xglog "github.com/ManuGH/vaflow/internal/log"
	"github.com/ManuGH/vaflow/internal/metrics"
	"github.com/ManuGH/vaflow/internal/model"
)

// ErrOutOfOrder is returned for a result not newer than the last one
// published for the same source.
var ErrOutOfOrder = errors.New("frame result out of order")

// Publisher accepts frame results.
type Publisher interface {
	Publish(r model.FrameResult) error
}

type mark struct {
	ts  int64
	seq uint64
}

// Feed fans results out to subscribers.
type Feed struct {
	mu     sync.Mutex
	last   map[model.SourceID]mark
	subs   map[uint64]*Subscription
	nextID uint64
	slowLg rate.Sometimes
}

var _ Publisher = (*Feed)(nil)

// NewFeed returns an empty feed.
func NewFeed() *Feed {
	return &Feed{
		last:   map[model.SourceID]mark{},
		subs:   map[uint64]*Subscription{},
		slowLg: rate.Sometimes{First: 1, Every: 100},
	}
}

// Publish delivers r to every matching subscriber without blocking.
func (f *Feed) Publish(r model.FrameResult) error {
	m := mark{ts: r.Timestamp.UnixNano(), seq: r.Sequence}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.last[r.Source]; ok && (m.ts < prev.ts || (m.ts == prev.ts && m.seq <= prev.seq)) {
		metrics.RecordResultDropped("out_of_order")
		return ErrOutOfOrder
	}
	f.last[r.Source] = m
	metrics.RecordResultPublished()

	for _, s := range f.subs {
		if s.source != "" && s.source != r.Source {
			continue
		}
		select {
		case s.ch <- r:
		default:
			metrics.RecordResultDropped("slow_consumer")
			f.slowLg.Do(func() {
				l := xglog.WithComponent("results")
				l.Warn().Str(xglog.FieldSourceID, string(r.Source)).Msg("result subscriber too slow, dropping")
			})
		}
	}
	return nil
}

// Forget clears ordering state for a removed source so a re-added source
// with the same id starts fresh.
func (f *Feed) Forget(id model.SourceID) {
	f.mu.Lock()
	delete(f.last, id)
	f.mu.Unlock()
}

// Subscribe returns a subscription for one source, or for every source when
// id is empty.
func (f *Feed) Subscribe(id model.SourceID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s := &Subscription{feed: f, id: f.nextID, source: id, ch: make(chan model.FrameResult, buffer)}
	f.subs[s.id] = s
	return s
}

// Subscription is a read-only stream of results.
type Subscription struct {
	feed   *Feed
	id     uint64
	source model.SourceID
	ch     chan model.FrameResult
	once   sync.Once
}

// C returns the receive side; it is closed by Close.
func (s *Subscription) C() <-chan model.FrameResult { return s.ch }

// Close detaches the subscription.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.feed.mu.Lock()
		delete(s.feed.subs, s.id)
		close(s.ch)
		s.feed.mu.Unlock()
	})
	return nil
}
