// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipeline

import (
	"fmt"

	"github.com/ManuGH/vaflow/internal/model"
)

// edges lists every single-step transition. Any state may also drop straight
// to Null.
var edges = map[model.LifecycleState][]model.LifecycleState{
	model.StateNull:    {model.StateReady},
	model.StateReady:   {model.StatePaused, model.StateNull},
	model.StatePaused:  {model.StatePlaying, model.StateReady, model.StateNull},
	model.StatePlaying: {model.StatePaused, model.StateNull},
}

// IsEdge reports whether from -> to is a single permitted step.
func IsEdge(from, to model.LifecycleState) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Path returns the steps that take from to target, excluding from. Upward
// requests visit every intermediate state; Null is reached directly.
func Path(from, target model.LifecycleState) ([]model.LifecycleState, error) {
	if !from.Valid() || !target.Valid() {
		return nil, fmt.Errorf("invalid transition %s -> %s", from, target)
	}
	if from == target {
		return nil, nil
	}
	if target == model.StateNull {
		return []model.LifecycleState{model.StateNull}, nil
	}
	var steps []model.LifecycleState
	step := model.LifecycleState(1)
	if target < from {
		step = -1
	}
	prev := from
	for s := from + step; ; s += step {
		if !IsEdge(prev, s) {
			return nil, fmt.Errorf("no edge %s -> %s", prev, s)
		}
		steps = append(steps, s)
		if s == target {
			break
		}
		prev = s
	}
	return steps, nil
}
