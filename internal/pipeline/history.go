// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"sync"
	"time"

	"github.com/ManuGH/vaflow/internal/model"
)

const defaultHistorySize = 100

// TransitionRecord is one completed step.
type TransitionRecord struct {
	From     model.LifecycleState `json:"from"`
	To       model.LifecycleState `json:"to"`
	Started  time.Time            `json:"started"`
	Duration time.Duration        `json:"duration"`
	Error    string               `json:"error,omitempty"`
}

// history is a fixed-size ring of transition records.
type history struct {
	mu   sync.Mutex
	buf  []TransitionRecord
	next int
	full bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &history{buf: make([]TransitionRecord, size)}
}

func (h *history) add(r TransitionRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = r
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// recent returns up to n records, oldest first. n <= 0 returns all.
func (h *history) recent(n int) []TransitionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := h.next
	if h.full {
		count = len(h.buf)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]TransitionRecord, 0, n)
	start := h.next - n
	if start < 0 {
		start += len(h.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, h.buf[(start+i)%len(h.buf)])
	}
	return out
}
