// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package source

import (
	"github.com/ManuGH/vaflow/internal/fsm"
	"github.com/ManuGH/vaflow/internal/model"
)

type event string

const (
	evAttach     event = "attach"
	evSynced     event = "synced"
	evSyncFailed event = "sync_failed"
	evDetach     event = "detach"
	evUnlinked   event = "unlinked"
	// evAbort is applied when the parent handle failed under an idle source.
	evAbort event = "abort"
	// evRestart parks an unhealthy branch unlinked until it is re-attached.
	evRestart event = "restart"
	evRetry   event = "retry"
)

var lifecycle = fsm.MustTable([]fsm.Transition[model.SourceState, event]{
	{From: model.SourceDetached, Event: evAttach, To: model.SourceAttaching},
	{From: model.SourceDetached, Event: evSyncFailed, To: model.SourceRemoved},
	{From: model.SourceAttaching, Event: evSynced, To: model.SourceSynced},
	{From: model.SourceAttaching, Event: evSyncFailed, To: model.SourceRemoved},
	{From: model.SourceSynced, Event: evDetach, To: model.SourceDetaching},
	{From: model.SourceSynced, Event: evAbort, To: model.SourceRemoved},
	{From: model.SourceDetaching, Event: evUnlinked, To: model.SourceRemoved},
	{From: model.SourceSynced, Event: evRestart, To: model.SourceDetached},
	{From: model.SourceAttaching, Event: evRetry, To: model.SourceDetached},
	{From: model.SourceDetached, Event: evAbort, To: model.SourceRemoved},
})
