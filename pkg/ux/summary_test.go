// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

func TestNewPrinter_PlainForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	assert.True(t, p.Plain())
	assert.False(t, IsTerminal(&buf))
}

func TestStatusIcon(t *testing.T) {
	assert.Equal(t, IconSuccess, StatusIcon(results.StatusSuccess))
	assert.Equal(t, IconError, StatusIcon(results.StatusFailed))
	assert.Equal(t, IconWarning, StatusIcon(results.StatusTimeout))
	assert.Equal(t, IconCancelled, StatusIcon(results.StatusCancelled))
	assert.Equal(t, IconSkipped, StatusIcon(results.StatusSkipped))
	assert.Equal(t, IconPending, StatusIcon(""))
}

func TestPrinter_Plan(t *testing.T) {
	g, err := dag.NewBuilder("release").
		AddTask(dag.Task{ID: "test", Kind: dag.KindConditional, Branches: []condition.Branch{
			{Target: "ship", When: condition.IsTrue("passed")},
			{Target: "rollback", When: condition.Always()},
		}}).
		AddTask(dag.Task{ID: "ship"}).
		AddTask(dag.Task{ID: "rollback"}).
		Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewPlainPrinter(&buf).Plan(g))

	out := buf.String()
	assert.Contains(t, out, "release: 3 tasks, 2 levels")
	assert.Contains(t, out, "test [conditional]")
	assert.Contains(t, out, "ship, rollback")
	assert.Contains(t, out, "test → ship when is_true(passed)")
	assert.Contains(t, out, "test → rollback when always")
	assert.NotContains(t, out, "\x1b[", "plain output carries no escape codes")
}

func TestPrinter_Result(t *testing.T) {
	agg := results.NewAggregator(2)
	agg.Add(results.TaskResult{TaskID: "a", Status: results.StatusSuccess, Attempt: 1, Duration: 12 * time.Millisecond})
	agg.Add(results.TaskResult{TaskID: "b", Status: results.StatusFailed, Attempt: 2, Err: errors.New("exit status 1")})
	res := agg.Finalize(20 * time.Millisecond)

	var buf bytes.Buffer
	require.NoError(t, NewPlainPrinter(&buf).Result(res))

	out := buf.String()
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "12ms")
	assert.Contains(t, out, "exit status 1")
	assert.Contains(t, out, "✗ 2 tasks: 1 succeeded, 1 failed")
}

func TestPrinter_ValidationError(t *testing.T) {
	var buf bytes.Buffer
	err := dag.NewTaskError("b", dag.NewCycleError([]string{"a", "b", "a"}))
	require.NoError(t, NewPlainPrinter(&buf).ValidationError(err))

	out := buf.String()
	assert.Contains(t, out, "graph rejected")
	assert.Contains(t, out, "cycle: a → b → a")
}

func TestPrinter_Event(t *testing.T) {
	var buf bytes.Buffer
	p := NewPlainPrinter(&buf)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, p.Event(pool.Event{Type: pool.EventTaskAttempt, TaskID: "a", Status: results.StatusSuccess, Time: now}))
	assert.Empty(t, buf.String(), "successful attempts are reported by the finished event")

	require.NoError(t, p.Event(pool.Event{Type: pool.EventTaskAttempt, TaskID: "a", Attempt: 1,
		Status: results.StatusFailed, Error: "boom", Time: now}))
	require.NoError(t, p.Event(pool.Event{Type: pool.EventTaskFinished, TaskID: "a",
		Status: results.StatusSuccess, DurationMs: 41.6, Time: now}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "03:04:05   ⚠ a attempt 1 failed: boom", lines[0])
	assert.Equal(t, "03:04:05   ✓ a success (42ms)", lines[1])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
