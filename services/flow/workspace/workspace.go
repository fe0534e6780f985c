// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace provides disposable per-task working directories.
//
// A Backend creates one Workspace per task, records its status while the
// task runs, and destroys it afterwards. DirBackend is the directory
// implementation over an afero filesystem.
package workspace

import (
	"context"
	"errors"
	"time"
)

// ErrWorkspaceNotFound is returned for operations on unknown workspace ids.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Status is the lifecycle status recorded on a workspace.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Workspace is a disposable working area for one task.
type Workspace struct {
	ID        string    `json:"id"`
	TaskKey   string    `json:"task_key"`
	Path      string    `json:"path"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend creates and destroys disposable workspaces.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Backend interface {
	// Create allocates a fresh workspace for taskKey.
	Create(ctx context.Context, taskKey string) (Workspace, error)

	// Destroy removes a workspace. Unknown ids are ignored.
	Destroy(ctx context.Context, id string) error

	// SetStatus records the task status on a workspace.
	SetStatus(ctx context.Context, id string, status Status) error

	// Purge destroys every workspace the backend still holds.
	Purge(ctx context.Context) error

	// List returns the live workspaces ordered by creation.
	List(ctx context.Context) ([]Workspace, error)
}
