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
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

func TestLevelSnapshotName(t *testing.T) {
	assert.Equal(t, "level-000", LevelSnapshotName(0))
	assert.Equal(t, "level-012", LevelSnapshotName(12))
}

func TestCheckpointer_SaveLevelRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	c := NewCheckpointer(store, nil)

	done := []results.TaskResult{
		{TaskID: "a", Status: results.StatusSuccess, Attempt: 1, Duration: 15 * time.Millisecond, Output: map[string]any{"n": 1}},
		{TaskID: "b", Status: results.StatusFailed, Attempt: 2, Err: errors.New("boom")},
	}
	require.NoError(t, c.SaveLevel(ctx, "run-1", "demo", 0, 2, done))

	snap, err := LoadSnapshot(ctx, store, checkpoint.ID("run-1", LevelSnapshotName(0)))
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Equal(t, "demo", snap.Graph)
	assert.Equal(t, 2, snap.Levels)
	assert.False(t, snap.Final)
	require.Len(t, snap.Tasks, 2)

	a, ok := snap.Task("a")
	require.True(t, ok)
	assert.NotEmpty(t, a.OutputHash)
	assert.InDelta(t, 15.0, a.DurationMs, 1e-9)

	b, ok := snap.Task("b")
	require.True(t, ok)
	assert.Equal(t, "boom", b.Error)
	assert.Empty(t, b.OutputHash, "failed tasks have no output")

	out, ok, err := LoadOutput(ctx, store, snap, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"n": 1.0}, out)

	_, ok, err = LoadOutput(ctx, store, snap, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointer_IdenticalOutputsShareContent(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	c := NewCheckpointer(store, nil)

	done := []results.TaskResult{
		{TaskID: "a", Status: results.StatusSuccess, Attempt: 1, Output: "same"},
		{TaskID: "b", Status: results.StatusSuccess, Attempt: 1, Output: "same"},
	}
	require.NoError(t, c.SaveLevel(ctx, "run-1", "demo", 0, 1, done))

	snap, err := LoadSnapshot(ctx, store, checkpoint.ID("run-1", LevelSnapshotName(0)))
	require.NoError(t, err)
	a, _ := snap.Task("a")
	b, _ := snap.Task("b")
	assert.Equal(t, a.OutputHash, b.OutputHash)
}

func TestCheckpointer_FinalOmitsOutputs(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	c := NewCheckpointer(store, nil)

	agg := results.NewAggregator(1)
	agg.SetRunID("run-9")
	agg.Add(results.TaskResult{TaskID: "a", Status: results.StatusSuccess, Attempt: 1, Output: "payload"})
	res := agg.Finalize(time.Second)

	require.NoError(t, c.SaveFinal(ctx, "demo", 1, res))
	snap, err := LoadFinal(ctx, store, "run-9")
	require.NoError(t, err)
	assert.True(t, snap.Final)
	require.NotNil(t, snap.Result)
	require.Len(t, snap.Result.Results, 1)
	assert.Nil(t, snap.Result.Results[0].Output)

	out, ok, err := LoadOutput(ctx, store, snap, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", out)
	assert.Equal(t, "payload", res.Results[0].Output, "caller's result is untouched")
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	_, err := LoadSnapshot(context.Background(), checkpoint.NewMemoryStore(), checkpoint.ID("nope", "final"))
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestLoadSnapshot_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewMemoryStore()
	require.NoError(t, NewCheckpointer(store, nil).SaveLevel(ctx, "run-1", "demo", 0, 1, []results.TaskResult{
		{TaskID: "a", Status: results.StatusFailed, Attempt: 1, Err: errors.New("boom")},
	}))

	id := checkpoint.ID("run-1", LevelSnapshotName(0))
	data, ok, err := store.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["graph"] = "other"
	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, id, tampered))

	_, err = LoadSnapshot(ctx, store, id)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)

	require.NoError(t, store.Save(ctx, id, []byte("{not json")))
	_, err = LoadSnapshot(ctx, store, id)
	assert.ErrorIs(t, err, ErrSnapshotCorrupt)
}
