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
	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
)

// Graph is a validated, leveled task graph.
//
// Description:
//
//	Graph is immutable after Build. Every accessor returns a copy so callers
//	cannot reach the internal maps and slices.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Graph struct {
	name       string
	order      []string
	tasks      map[string]Task
	edges      []Edge
	deps       map[string][]string
	dependents map[string][]string
	levels     [][]string
	levelOf    map[string]int
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// TaskCount returns the number of tasks.
func (g *Graph) TaskCount() int {
	return len(g.order)
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// TaskIDs returns all task ids in insertion order.
func (g *Graph) TaskIDs() []string {
	return append([]string(nil), g.order...)
}

// Edges returns all unique edges. Branch edges carry their condition.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = e
		if e.Condition != nil {
			c := e.Condition.Clone()
			out[i].Condition = &c
		}
	}
	return out
}

// Dependencies returns the ids id waits for, sorted.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the ids that wait for id, sorted.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// OutgoingBranches returns the branches of a conditional task in declaration order.
func (g *Graph) OutgoingBranches(id string) []condition.Branch {
	t, ok := g.tasks[id]
	if !ok || t.EffectiveKind() != KindConditional {
		return nil
	}
	return t.Clone().Branches
}

// Levels returns the parallel execution levels. Level i contains the tasks
// whose dependencies all lie in levels < i, sorted by id.
func (g *Graph) Levels() [][]string {
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// LevelCount returns the number of levels.
func (g *Graph) LevelCount() int {
	return len(g.levels)
}

// Level returns the level index of id, or -1 when unknown.
func (g *Graph) Level(id string) int {
	l, ok := g.levelOf[id]
	if !ok {
		return -1
	}
	return l
}

// Roots returns the tasks of level 0.
func (g *Graph) Roots() []string {
	if len(g.levels) == 0 {
		return nil
	}
	return append([]string(nil), g.levels[0]...)
}

// MaxWidth returns the size of the widest level.
func (g *Graph) MaxWidth() int {
	w := 0
	for _, l := range g.levels {
		if len(l) > w {
			w = len(l)
		}
	}
	return w
}
