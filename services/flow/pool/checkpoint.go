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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

// SnapshotVersion is the snapshot format version (semver).
const SnapshotVersion = "1.0.0"

// FinalSnapshot is the checkpoint name of a run's last snapshot.
const FinalSnapshot = "final"

var (
	// ErrSnapshotNotFound is returned when no snapshot exists under an id.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupt is returned when a snapshot fails its checksum.
	ErrSnapshotCorrupt = errors.New("snapshot checksum mismatch")
)

// LevelSnapshotName returns the checkpoint name written after level i.
func LevelSnapshotName(i int) string {
	return fmt.Sprintf("level-%03d", i)
}

// SnapshotTask is one task outcome inside a snapshot. Outputs are stored
// content-addressed and referenced by hash.
type SnapshotTask struct {
	TaskID     string         `json:"taskId"`
	ContextID  string         `json:"contextId,omitempty"`
	Status     results.Status `json:"status"`
	Attempt    int            `json:"attempt"`
	DurationMs float64        `json:"durationMs"`
	Error      string         `json:"error,omitempty"`
	OutputHash string         `json:"outputHash,omitempty"`
}

// Snapshot is the persisted progress of a run.
type Snapshot struct {
	Version   string         `json:"version"`
	RunID     string         `json:"runId"`
	Graph     string         `json:"graph"`
	Level     int            `json:"level"`
	Levels    int            `json:"levels"`
	Final     bool           `json:"final"`
	CreatedAt time.Time      `json:"createdAt"`
	Tasks     []SnapshotTask `json:"tasks"`

	// Result is set on the final snapshot. Outputs are omitted.
	Result *results.PoolExecutionResultJSON `json:"result,omitempty"`

	Checksum string `json:"checksum"`
}

// Task returns the snapshot entry for id.
func (s *Snapshot) Task(id string) (SnapshotTask, bool) {
	for _, t := range s.Tasks {
		if t.TaskID == id {
			return t, true
		}
	}
	return SnapshotTask{}, false
}

func (s *Snapshot) checksum() (string, error) {
	c := *s
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Checkpointer writes run snapshots to a checkpoint store.
type Checkpointer struct {
	store  checkpoint.Store
	logger *slog.Logger
}

// NewCheckpointer creates a Checkpointer. A nil logger uses slog.Default().
func NewCheckpointer(store checkpoint.Store, logger *slog.Logger) *Checkpointer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checkpointer{store: store, logger: logger}
}

// SaveLevel writes the snapshot taken after level i as "<runID>/level-NNN".
func (c *Checkpointer) SaveLevel(ctx context.Context, runID, graph string, level, levels int, done []results.TaskResult) error {
	snap := &Snapshot{
		RunID:  runID,
		Graph:  graph,
		Level:  level,
		Levels: levels,
	}
	return c.save(ctx, checkpoint.ID(runID, LevelSnapshotName(level)), snap, done)
}

// SaveFinal writes the snapshot of a finished run as "<runID>/final".
func (c *Checkpointer) SaveFinal(ctx context.Context, graph string, levels int, res *results.PoolExecutionResult) error {
	wire := res.Wire()
	for i := range wire.Results {
		wire.Results[i].Output = nil
	}
	snap := &Snapshot{
		RunID:  res.RunID,
		Graph:  graph,
		Level:  levels - 1,
		Levels: levels,
		Final:  true,
		Result: &wire,
	}
	return c.save(ctx, checkpoint.ID(res.RunID, FinalSnapshot), snap, res.Results)
}

func (c *Checkpointer) save(ctx context.Context, id string, snap *Snapshot, done []results.TaskResult) error {
	ctx, span := tracer.Start(ctx, "flow.Checkpoint.Save",
		trace.WithAttributes(
			attribute.String("flow.checkpoint_id", id),
			attribute.Int("flow.tasks", len(done)),
		),
	)
	defer span.End()

	snap.Version = SnapshotVersion
	snap.CreatedAt = time.Now().UTC()
	snap.Tasks = make([]SnapshotTask, 0, len(done))
	for _, r := range done {
		t := SnapshotTask{
			TaskID:     r.TaskID,
			ContextID:  r.ContextID,
			Status:     r.Status,
			Attempt:    r.Attempt,
			DurationMs: float64(r.Duration) / float64(time.Millisecond),
			Error:      r.ErrorString(),
		}
		if r.Status == results.StatusSuccess && r.Output != nil {
			hash, err := c.storeOutput(ctx, r.Output)
			if err != nil {
				c.logger.Warn("task output not checkpointed",
					slog.String("checkpoint_id", id),
					slog.String("task_id", r.TaskID),
					slog.String("error", err.Error()),
				)
			}
			t.OutputHash = hash
		}
		snap.Tasks = append(snap.Tasks, t)
	}

	sum, err := snap.checksum()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	snap.Checksum = sum

	data, err := json.Marshal(snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.store.Save(ctx, id, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("save snapshot %s: %w", id, err)
	}

	c.logger.Debug("checkpoint saved",
		slog.String("checkpoint_id", id),
		slog.Int("tasks", len(snap.Tasks)),
		slog.Int("bytes", len(data)),
	)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (c *Checkpointer) storeOutput(ctx context.Context, output any) (string, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("encode output: %w", err)
	}
	hash := checkpoint.ContentHash(data)
	if err := c.store.StoreContent(ctx, hash, data); err != nil {
		return "", err
	}
	return hash, nil
}

// LoadSnapshot reads and verifies the snapshot stored under id.
func LoadSnapshot(ctx context.Context, store checkpoint.Store, id string) (*Snapshot, error) {
	data, ok, err := store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSnapshotCorrupt, id, err)
	}
	sum, err := snap.checksum()
	if err != nil {
		return nil, err
	}
	if sum != snap.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotCorrupt, id)
	}
	return &snap, nil
}

// LoadFinal reads the final snapshot of runID.
func LoadFinal(ctx context.Context, store checkpoint.Store, runID string) (*Snapshot, error) {
	return LoadSnapshot(ctx, store, checkpoint.ID(runID, FinalSnapshot))
}

// LoadOutput decodes the checkpointed output of a task in snap.
func LoadOutput(ctx context.Context, store checkpoint.Store, snap *Snapshot, taskID string) (any, bool, error) {
	t, ok := snap.Task(taskID)
	if !ok || t.OutputHash == "" {
		return nil, false, nil
	}
	data, ok, err := store.GetContent(ctx, t.OutputHash)
	if err != nil || !ok {
		return nil, false, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("decode output of %s: %w", taskID, err)
	}
	return out, true, nil
}
