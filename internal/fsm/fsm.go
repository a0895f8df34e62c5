// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package fsm is a small table-driven state machine over string-like states
// and events.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidTransition is returned when no edge exists for (state, event).
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConcurrentTransition is returned when the state moved while a guard
	// or action was running.
	ErrConcurrentTransition = errors.New("concurrent transition")
)

// Transition describes a single edge in the FSM.
// Guard may reject the transition; Action performs side effects outside the
// machine lock.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from S, to S, event E) error
}

// TransitionError carries the state and event of a rejected Fire.
type TransitionError[S ~string, E ~string] struct {
	State S
	Event E
	Err   error
}

func (e *TransitionError[S, E]) Error() string {
	return fmt.Sprintf("%v: state=%s event=%s", e.Err, e.State, e.Event)
}

func (e *TransitionError[S, E]) Unwrap() error { return e.Err }

// Table is an immutable, validated transition set. One Table may back many
// Machines.
type Table[S ~string, E ~string] struct {
	index map[string]Transition[S, E]
}

// NewTable indexes transitions and rejects duplicate (From, Event) pairs.
func NewTable[S ~string, E ~string](transitions []Transition[S, E]) (*Table[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Table[S, E]{index: idx}, nil
}

// MustTable is NewTable for package-level tables.
func MustTable[S ~string, E ~string](transitions []Transition[S, E]) *Table[S, E] {
	t, err := NewTable(transitions)
	if err != nil {
		panic(err)
	}
	return t
}

// Next returns the target of (from, event).
func (t *Table[S, E]) Next(from S, event E) (S, bool) {
	tr, ok := t.index[key(from, event)]
	return tr.To, ok
}

// Machine applies events against a Table.
type Machine[S ~string, E ~string] struct {
	table *Table[S, E]

	mu    sync.Mutex
	state S
}

// New builds a machine from a transition list.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	t, err := NewTable(transitions)
	if err != nil {
		return nil, err
	}
	return &Machine[S, E]{table: t, state: initial}, nil
}

// FromTable builds a machine over a shared table.
func FromTable[S ~string, E ~string](initial S, t *Table[S, E]) *Machine[S, E] {
	return &Machine[S, E]{table: t, state: initial}
}

func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event is accepted in the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.table.index[key(m.state, event)]
	return ok
}

// Fire attempts to apply an event atomically.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	from := m.state
	t, ok := m.table.index[key(from, event)]
	if !ok {
		m.mu.Unlock()
		return from, &TransitionError[S, E]{State: from, Event: event, Err: ErrInvalidTransition}
	}
	to := t.To
	if t.Guard == nil && t.Action == nil {
		m.state = to
		m.mu.Unlock()
		return to, nil
	}
	m.mu.Unlock()

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, to, event); err != nil {
			return from, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return m.state, &TransitionError[S, E]{State: m.state, Event: event, Err: ErrConcurrentTransition}
	}
	m.state = to
	return to, nil
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
