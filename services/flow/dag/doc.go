// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag builds and validates task graphs for the flow engine.
//
// # Overview
//
// A Graph is a set of Tasks connected by dependency edges, precomputed into
// parallel execution levels. Level 0 holds tasks with no dependencies; level
// i holds tasks whose dependencies all lie in earlier levels. Within a level
// tasks are sorted by id and have no ordering among themselves.
//
// # Building
//
// Graphs are built with the fluent Builder, the declarative BuildGraph, or
// from a YAML/JSON Document:
//
//	g, err := dag.NewBuilder("ci").
//	    AddTask(dag.Task{ID: "a"}).
//	    AddTask(dag.Task{ID: "b"}).
//	    AddTask(dag.Task{ID: "c", Dependencies: []string{"a", "b"}}).
//	    Build()
//	// g.Levels() == [][]string{{"a", "b"}, {"c"}}
//
// Build rejects empty graphs, duplicate ids, dangling edges, cycles and
// conditional tasks without branches. Every such error matches
// ErrValidation via errors.Is.
//
// # Node Kinds
//
// NodeKind is closed: task, conditional, parallel_split, parallel_join.
// Conditional tasks carry guarded Branches; the guard never influences
// leveling, only which successor runs.
//
// # Thread Safety
//
// Builder is single-goroutine. Graph is immutable and safe for concurrent use.
package dag
