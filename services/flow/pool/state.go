// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

// TaskState is the lifecycle state of one task within a run.
type TaskState int

const (
	// StatePending is the initial state, and the state a retried task returns to.
	StatePending TaskState = iota

	// StateRunning means an attempt is in flight.
	StateRunning

	// StateCompleted is terminal success.
	StateCompleted

	// StateFailed is terminal failure after the retry budget.
	StateFailed

	// StateTimedOut is terminal deadline expiry.
	StateTimedOut

	// StateCancelled is terminal cancellation.
	StateCancelled

	// StateSkipped is terminal for branch targets that were not selected.
	StateSkipped
)

// String returns the state name.
func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateSkipped:
		return "skipped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s TaskState) Terminal() bool {
	return s >= StateCompleted
}

// CanTransition reports whether s -> to is allowed.
func (s TaskState) CanTransition(to TaskState) bool {
	switch s {
	case StatePending:
		return to == StateRunning || to == StateCancelled || to == StateSkipped
	case StateRunning:
		return to == StatePending || to == StateCompleted || to == StateFailed ||
			to == StateTimedOut || to == StateCancelled
	default:
		return false
	}
}

// stateFor maps a final result status to its terminal state.
func stateFor(s results.Status) TaskState {
	switch s {
	case results.StatusSuccess:
		return StateCompleted
	case results.StatusFailed:
		return StateFailed
	case results.StatusTimeout:
		return StateTimedOut
	case results.StatusSkipped:
		return StateSkipped
	default:
		return StateCancelled
	}
}

// stateTable tracks the state of every task of one run.
type stateTable struct {
	mu     sync.Mutex
	states map[string]TaskState
}

func newStateTable(ids []string) *stateTable {
	t := &stateTable{states: make(map[string]TaskState, len(ids))}
	for _, id := range ids {
		t.states[id] = StatePending
	}
	return t
}

func (t *stateTable) transition(id string, to TaskState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from := t.states[id]
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, from, to)
	}
	t.states[id] = to
	return nil
}

func (t *stateTable) get(id string) TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}

// ActiveTask describes an attempt that is currently running.
type ActiveTask struct {
	RunID     string    `json:"runId"`
	TaskID    string    `json:"taskId"`
	ContextID string    `json:"contextId"`
	Attempt   int       `json:"attempt"`
	StartedAt time.Time `json:"startedAt"`
}

// activeRegistry is the pool-wide set of running attempts.
type activeRegistry struct {
	mu    sync.RWMutex
	tasks map[string]ActiveTask
}

func newActiveRegistry() *activeRegistry {
	return &activeRegistry{tasks: make(map[string]ActiveTask)}
}

func (r *activeRegistry) add(a ActiveTask) {
	r.mu.Lock()
	r.tasks[a.RunID+"/"+a.TaskID] = a
	r.mu.Unlock()
}

func (r *activeRegistry) remove(runID, taskID string) {
	r.mu.Lock()
	delete(r.tasks, runID+"/"+taskID)
	r.mu.Unlock()
}

func (r *activeRegistry) list() []ActiveTask {
	r.mu.RLock()
	out := make([]ActiveTask, 0, len(r.tasks))
	for _, a := range r.tasks {
		out = append(out, a)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RunID != out[j].RunID {
			return out[i].RunID < out[j].RunID
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}
