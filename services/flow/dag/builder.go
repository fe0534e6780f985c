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
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
)

// Builder constructs a Graph using a fluent API.
//
// Description:
//
//	Builder accumulates tasks and edges. Errors found while adding (empty
//	or duplicate ids) are recorded and the first one is returned by Build.
//	Structural validation (dangling edges, cycles, branch rules) happens
//	in Build.
//
// Thread Safety:
//
//	Builder is NOT safe for concurrent use. Build the graph in a single goroutine.
//
// Example:
//
//	g, err := dag.NewBuilder("release").
//	    AddTask(dag.Task{ID: "test"}).
//	    AddTask(dag.Task{ID: "build"}).
//	    AddTask(dag.Task{ID: "publish", Dependencies: []string{"test", "build"}}).
//	    Build()
type Builder struct {
	name   string
	tasks  []Task
	index  map[string]int
	edges  []Edge
	errors []error
}

// NewBuilder creates a new graph builder.
//
// Inputs:
//
//	name - The graph name (used in logging, metrics and checkpoints).
//
// Outputs:
//
//	*Builder - The builder instance.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:  name,
		index: make(map[string]int),
	}
}

// AddTask adds a copy of t.
//
// Description:
//
//	Dependencies become unguarded edges and, for conditional tasks, Branches
//	become guarded edges. Duplicate dependency ids are collapsed.
//
// Outputs:
//
//	*Builder - The builder for chaining.
func (b *Builder) AddTask(t Task) *Builder {
	if strings.TrimSpace(t.ID) == "" {
		b.errors = append(b.errors, NewTaskError(t.ID, fmt.Errorf("%w: empty id", ErrInvalidTask)))
		return b
	}
	if _, exists := b.index[t.ID]; exists {
		b.errors = append(b.errors, NewTaskError(t.ID, ErrDuplicateTask))
		return b
	}

	c := t.Clone()
	c.Dependencies = dedupe(c.Dependencies)
	b.index[c.ID] = len(b.tasks)
	b.tasks = append(b.tasks, c)
	return b
}

// AddEdge adds an unguarded dependency edge from -> to.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges = append(b.edges, Edge{From: from, To: to})
	return b
}

// AddConditionalEdge adds a branch from the conditional task from to to.
// The branch is appended after any branches declared on the task itself.
func (b *Builder) AddConditionalEdge(from, to string, cond condition.Condition) *Builder {
	c := cond.Clone()
	b.edges = append(b.edges, Edge{From: from, To: to, Condition: &c})
	return b
}

// Build validates and constructs the graph.
//
// Description:
//
//	Validation order: recorded add errors, empty graph, task kinds and
//	branches, edge endpoints, self loops, cycles (DFS with a recursion
//	stack), then leveling with Kahn's algorithm.
//
// Outputs:
//
//	*Graph - The constructed graph.
//	error - Non-nil if validation fails. Every such error matches ErrValidation.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}
	if len(b.tasks) == 0 {
		return nil, ErrEmptyGraph
	}

	tasks := make(map[string]Task, len(b.tasks))
	order := make([]string, 0, len(b.tasks))
	for _, t := range b.tasks {
		if err := validateTask(t); err != nil {
			return nil, err
		}
		tasks[t.ID] = t.Clone()
		order = append(order, t.ID)
	}

	// Guarded edges become branches of their source.
	var plain []Edge
	for _, e := range b.edges {
		if err := checkEndpoints(tasks, e); err != nil {
			return nil, err
		}
		if !e.Guarded() {
			plain = append(plain, e)
			continue
		}
		src := tasks[e.From]
		if src.EffectiveKind() != KindConditional {
			return nil, NewTaskError(e.From, fmt.Errorf("%w: guarded edge to %q from non-conditional task", ErrInvalidEdge, e.To))
		}
		if err := e.Condition.Validate(); err != nil {
			return nil, NewTaskError(e.From, fmt.Errorf("%w: branch to %q: %v", ErrInvalidTask, e.To, err))
		}
		src.Branches = append(src.Branches, condition.Branch{Target: e.To, When: e.Condition.Clone()})
		tasks[e.From] = src
	}

	for _, id := range order {
		t := tasks[id]
		if t.EffectiveKind() == KindConditional && len(t.Branches) == 0 {
			return nil, NewTaskError(id, ErrMissingDefaultBranch)
		}
	}

	edges, err := collectEdges(tasks, order, plain)
	if err != nil {
		return nil, err
	}

	deps := make(map[string][]string, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, e := range edges {
		deps[e.To] = append(deps[e.To], e.From)
		dependents[e.From] = append(dependents[e.From], e.To)
	}
	for id := range tasks {
		sort.Strings(deps[id])
		sort.Strings(dependents[id])
	}

	if err := detectCycles(order, dependents); err != nil {
		return nil, err
	}

	levels, levelOf, err := computeLevels(order, deps, dependents)
	if err != nil {
		return nil, err
	}

	return &Graph{
		name:       b.name,
		order:      order,
		tasks:      tasks,
		edges:      edges,
		deps:       deps,
		dependents: dependents,
		levels:     levels,
		levelOf:    levelOf,
	}, nil
}

// BuildGraph is the declarative form of the builder.
//
// Inputs:
//
//	name - Graph name.
//	tasks - Tasks in declaration order.
//	edges - Extra edges. Edges with a Condition are branch edges.
//
// Outputs:
//
//	*Graph - The constructed graph.
//	error - A validation error, matching ErrValidation.
func BuildGraph(name string, tasks []Task, edges []Edge) (*Graph, error) {
	b := NewBuilder(name)
	for _, t := range tasks {
		b.AddTask(t)
	}
	for _, e := range edges {
		if e.Condition != nil {
			b.AddConditionalEdge(e.From, e.To, *e.Condition)
		} else {
			b.AddEdge(e.From, e.To)
		}
	}
	return b.Build()
}

func validateTask(t Task) error {
	if !t.Kind.Valid() {
		return NewTaskError(t.ID, fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, t.Kind))
	}
	if t.MaxRetries < 0 {
		return NewTaskError(t.ID, fmt.Errorf("%w: negative retry budget", ErrInvalidTask))
	}
	if t.Timeout < 0 {
		return NewTaskError(t.ID, fmt.Errorf("%w: negative timeout", ErrInvalidTask))
	}
	if t.EffectiveKind() != KindConditional && len(t.Branches) > 0 {
		return NewTaskError(t.ID, fmt.Errorf("%w: branches on %s task", ErrInvalidTask, t.EffectiveKind()))
	}
	for i, br := range t.Branches {
		if strings.TrimSpace(br.Target) == "" {
			return NewTaskError(t.ID, fmt.Errorf("%w: branch %d has no target", ErrInvalidTask, i))
		}
		if err := br.When.Validate(); err != nil {
			return NewTaskError(t.ID, fmt.Errorf("%w: branch %d: %v", ErrInvalidTask, i, err))
		}
	}
	if t.Policy != nil {
		if err := t.Policy.Validate(); err != nil {
			return NewTaskError(t.ID, fmt.Errorf("%w: %v", ErrInvalidTask, err))
		}
	}
	return nil
}

func checkEndpoints(tasks map[string]Task, e Edge) error {
	_, fromOK := tasks[e.From]
	_, toOK := tasks[e.To]
	if !fromOK || !toOK {
		return &DanglingEdgeError{From: e.From, To: e.To}
	}
	if e.From == e.To {
		return NewCycleError([]string{e.From, e.To})
	}
	return nil
}

// collectEdges gathers dependency, branch and explicit edges, keeping the
// first occurrence of each (from, to) pair. A guarded duplicate upgrades an
// unguarded one so that branch conditions survive.
func collectEdges(tasks map[string]Task, order []string, explicit []Edge) ([]Edge, error) {
	type key struct{ from, to string }
	seen := make(map[key]int)
	var edges []Edge

	add := func(e Edge) error {
		if err := checkEndpoints(tasks, e); err != nil {
			return err
		}
		k := key{e.From, e.To}
		if i, ok := seen[k]; ok {
			if e.Condition != nil && edges[i].Condition == nil {
				edges[i].Condition = e.Condition
			}
			return nil
		}
		seen[k] = len(edges)
		edges = append(edges, e)
		return nil
	}

	for _, id := range order {
		t := tasks[id]
		for _, dep := range t.Dependencies {
			if err := add(Edge{From: dep, To: id}); err != nil {
				return nil, err
			}
		}
		for _, br := range t.Branches {
			c := br.When.Clone()
			if err := add(Edge{From: id, To: br.Target, Condition: &c}); err != nil {
				return nil, err
			}
		}
	}
	for _, e := range explicit {
		if err := add(e); err != nil {
			return nil, err
		}
	}
	return edges, nil
}

// detectCycles uses DFS with a recursion stack. Traversal order is sorted
// so the reported path is deterministic.
func detectCycles(order []string, adj map[string][]string) error {
	visited := make(map[string]bool, len(order))
	recStack := make(map[string]bool, len(order))
	path := make([]string, 0, len(order))

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true
		path = append(path, node)

		for _, next := range adj[node] {
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			} else if recStack[next] {
				start := 0
				for i, n := range path {
					if n == next {
						start = i
						break
					}
				}
				cycle := append(append([]string(nil), path[start:]...), next)
				return NewCycleError(cycle)
			}
		}

		path = path[:len(path)-1]
		recStack[node] = false
		return nil
	}

	starts := append([]string(nil), order...)
	sort.Strings(starts)
	for _, id := range starts {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm. A task lands in the level after its
// deepest dependency. Leftover tasks mean a cycle slipped past DFS.
func computeLevels(order []string, deps, dependents map[string][]string) ([][]string, map[string]int, error) {
	inDegree := make(map[string]int, len(order))
	var current []string
	for _, id := range order {
		inDegree[id] = len(deps[id])
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	var levels [][]string
	levelOf := make(map[string]int, len(order))
	placed := 0
	for len(current) > 0 {
		for _, id := range current {
			levelOf[id] = len(levels)
		}
		levels = append(levels, current)
		placed += len(current)

		var next []string
		for _, id := range current {
			for _, d := range dependents[id] {
				inDegree[d]--
				if inDegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed != len(order) {
		var remaining []string
		for _, id := range order {
			if _, ok := levelOf[id]; !ok {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, nil, NewCycleError(remaining)
	}
	return levels, levelOf, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
