// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"fmt"
	"time"

	"github.com/ManuGH/vaflow/internal/model"
)

// Kind is the type of a bus event.
type Kind uint8

const (
	KindStateConfirmed Kind = iota + 1
	KindStateRegressed
	KindEndOfStream
	KindError
	KindSourceSyncConfirmed
)

func (k Kind) String() string {
	switch k {
	case KindStateConfirmed:
		return "state_confirmed"
	case KindStateRegressed:
		return "state_regressed"
	case KindEndOfStream:
		return "end_of_stream"
	case KindError:
		return "error"
	case KindSourceSyncConfirmed:
		return "source_sync_confirmed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Event is an asynchronous notification produced by backend stages or by
// off-loop work on their behalf. Seq and At are stamped by Post.
type Event struct {
	Seq    uint64
	At     time.Time
	Kind   Kind
	Handle model.HandleID
	// Source is set for events scoped to one branch.
	Source model.SourceID
	// State is the confirmed state, or the state regressed to.
	State model.LifecycleState
	// From is the state a regression left.
	From   model.LifecycleState
	Fatal  bool
	Err    error
	Origin string
}

// Class groups events for subscription filtering.
type Class uint8

const (
	ClassState Class = 1 << iota
	ClassSource
	ClassStream
	ClassFatal
	ClassError

	ClassAll = ClassState | ClassSource | ClassStream | ClassFatal | ClassError
)

// Classes returns every class the event belongs to.
func (e Event) Classes() Class {
	var c Class
	switch e.Kind {
	case KindStateConfirmed, KindStateRegressed:
		c |= ClassState
	case KindEndOfStream:
		c |= ClassStream
	case KindError:
		if e.Fatal {
			c |= ClassFatal
		} else {
			c |= ClassError
		}
	}
	if e.Source != "" {
		c |= ClassSource
	}
	return c
}

func (e Event) String() string {
	s := fmt.Sprintf("#%d %s handle=%d", e.Seq, e.Kind, e.Handle)
	if e.Source != "" {
		s += " source=" + string(e.Source)
	}
	switch e.Kind {
	case KindStateConfirmed:
		s += " state=" + e.State.String()
	case KindStateRegressed:
		s += fmt.Sprintf(" %s->%s", e.From, e.State)
	case KindError:
		s += fmt.Sprintf(" fatal=%t err=%v", e.Fatal, e.Err)
	}
	return s
}

// StateConfirmed reports that the graph reached state.
func StateConfirmed(h model.HandleID, state model.LifecycleState) Event {
	return Event{Kind: KindStateConfirmed, Handle: h, State: state}
}

// StateRegressed reports that the graph fell from one state to a lower one.
func StateRegressed(h model.HandleID, from, to model.LifecycleState) Event {
	return Event{Kind: KindStateRegressed, Handle: h, From: from, State: to}
}

// EndOfStream reports graph-level end of stream.
func EndOfStream(h model.HandleID) Event {
	return Event{Kind: KindEndOfStream, Handle: h}
}

// SourceEndOfStream reports that one branch finished draining.
func SourceEndOfStream(h model.HandleID, id model.SourceID) Event {
	return Event{Kind: KindEndOfStream, Handle: h, Source: id}
}

// SourceSyncConfirmed reports that a branch reached its parent's state.
func SourceSyncConfirmed(h model.HandleID, id model.SourceID) Event {
	return Event{Kind: KindSourceSyncConfirmed, Handle: h, Source: id}
}

// Error reports a stage error. Source may be empty for graph-level errors.
func Error(h model.HandleID, id model.SourceID, err error, fatal bool) Event {
	return Event{Kind: KindError, Handle: h, Source: id, Err: err, Fatal: fatal}
}
