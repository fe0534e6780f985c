// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
)

// NodeKind is the closed set of task kinds the pool knows how to dispatch.
type NodeKind string

const (
	// KindTask runs the caller's task body.
	KindTask NodeKind = "task"

	// KindConditional runs the task body, then follows exactly one branch.
	KindConditional NodeKind = "conditional"

	// KindParallelSplit is a structural fan-out point. It does not run a body.
	KindParallelSplit NodeKind = "parallel_split"

	// KindParallelJoin is a structural fan-in point. Its output is the map of
	// its dependencies' outputs.
	KindParallelJoin NodeKind = "parallel_join"
)

// Valid reports whether k is a known kind. The empty kind is treated as KindTask.
func (k NodeKind) Valid() bool {
	switch k {
	case "", KindTask, KindConditional, KindParallelSplit, KindParallelJoin:
		return true
	}
	return false
}

// Task is one unit of work in a graph.
//
// Description:
//
//	Payload is opaque to the engine and handed to the task runner. The
//	remaining fields steer scheduling. A Task is copied when added to a
//	builder, so later changes to the caller's value have no effect.
type Task struct {
	// ID is unique within a graph.
	ID string

	// Title is a human label.
	Title string

	// Dependencies are ids that must reach a terminal state first.
	// Duplicates are collapsed preserving first occurrence.
	Dependencies []string

	// Payload is the opaque command descriptor.
	Payload any

	// Kind selects dispatch. Zero means KindTask.
	Kind NodeKind

	// Branches are the guarded successors of a conditional task.
	Branches []condition.Branch

	// MaxRetries is how many extra attempts a failed task gets.
	MaxRetries int

	// Timeout overrides the pool's per-task timeout when shorter. Zero means none.
	Timeout time.Duration

	// Policy overrides the pool's default isolation policy.
	Policy *isolation.Policy
}

// EffectiveKind returns Kind, or KindTask when Kind is empty.
func (t Task) EffectiveKind() NodeKind {
	if t.Kind == "" {
		return KindTask
	}
	return t.Kind
}

// Clone returns a deep copy of t. Payload is copied shallowly.
func (t Task) Clone() Task {
	c := t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Branches != nil {
		c.Branches = make([]condition.Branch, len(t.Branches))
		for i, b := range t.Branches {
			c.Branches[i] = condition.Branch{Target: b.Target, When: b.When.Clone()}
		}
	}
	if t.Policy != nil {
		p := t.Policy.Clone()
		c.Policy = &p
	}
	return c
}

// Edge is a dependency edge. Condition is set only on branch edges of a
// conditional task and never affects leveling.
type Edge struct {
	From      string
	To        string
	Condition *condition.Condition
}

// Guarded reports whether the edge carries a branch condition.
func (e Edge) Guarded() bool {
	return e.Condition != nil
}
