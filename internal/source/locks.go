// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package source

import (
	"context"
	"sync"

	"github.com/ManuGH/vaflow/internal/model"
	"github.com/ManuGH/vaflow/internal/shutdown"
)

// idLocks serializes operations per source id. Entries are dropped once no
// caller holds or waits on them.
type idLocks struct {
	mu sync.Mutex
	m  map[model.SourceID]*idLock
}

type idLock struct {
	ch   chan struct{}
	refs int
}

func newIDLocks() *idLocks {
	return &idLocks{m: map[model.SourceID]*idLock{}}
}

func (l *idLocks) lock(ctx context.Context, id model.SourceID, flag *shutdown.Flag) (func(), error) {
	l.mu.Lock()
	lk, ok := l.m[id]
	if !ok {
		lk = &idLock{ch: make(chan struct{}, 1)}
		l.m[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.release(id, lk)
		}, nil
	case <-ctx.Done():
		l.release(id, lk)
		return nil, ctx.Err()
	case <-flag.Done():
		l.release(id, lk)
		return nil, shutdown.ErrShutdown
	}
}

func (l *idLocks) release(id model.SourceID, lk *idLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.m, id)
	}
}
