// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// StatusFile is the marker file holding a workspace's status.
const StatusFile = ".flow-status"

const maxKeyLength = 48

// DirBackend allocates workspaces as directories under a root.
//
// Description:
//
//	Each workspace lives at <root>/<sanitized-task-key>-<short-id>. The
//	current status is written to StatusFile inside the directory so an
//	operator can inspect leftovers after a crash.
//
// Thread Safety:
//
//	Safe for concurrent use.
type DirBackend struct {
	fs     afero.Fs
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]Workspace
}

// NewDirBackend creates the root directory on fs and returns a backend.
//
// Inputs:
//
//	fs - Filesystem. Use afero.NewOsFs() in production and afero.NewMemMapFs() in tests.
//	root - Directory holding all workspaces.
//	logger - Logger. Nil uses slog.Default().
func NewDirBackend(fs afero.Fs, root string, logger *slog.Logger) (*DirBackend, error) {
	if fs == nil {
		return nil, errors.New("workspace filesystem is nil")
	}
	if root == "" {
		return nil, errors.New("workspace root is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	root = filepath.Clean(root)
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root %s: %w", root, err)
	}
	return &DirBackend{
		fs:     fs,
		root:   root,
		logger: logger,
		items:  make(map[string]Workspace),
	}, nil
}

// Root returns the directory holding all workspaces.
func (b *DirBackend) Root() string { return b.root }

// Create implements Backend.
func (b *DirBackend) Create(ctx context.Context, taskKey string) (Workspace, error) {
	if err := ctx.Err(); err != nil {
		return Workspace{}, err
	}
	id := uuid.NewString()
	dir := filepath.Join(b.root, sanitizeKey(taskKey)+"-"+id[:8])
	if err := b.fs.MkdirAll(dir, 0o750); err != nil {
		return Workspace{}, fmt.Errorf("create workspace for %s: %w", taskKey, err)
	}
	ws := Workspace{
		ID:        id,
		TaskKey:   taskKey,
		Path:      dir,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	if err := b.writeStatus(ws); err != nil {
		_ = b.fs.RemoveAll(dir)
		return Workspace{}, err
	}

	b.mu.Lock()
	b.items[id] = ws
	b.mu.Unlock()

	b.logger.Debug("workspace created",
		slog.String("workspace_id", id),
		slog.String("task_key", taskKey),
		slog.String("path", dir),
	)
	return ws, nil
}

// Destroy implements Backend.
func (b *DirBackend) Destroy(_ context.Context, id string) error {
	b.mu.Lock()
	ws, ok := b.items[id]
	delete(b.items, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.fs.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
	}
	b.logger.Debug("workspace destroyed",
		slog.String("workspace_id", id),
		slog.String("task_key", ws.TaskKey),
	)
	return nil
}

// SetStatus implements Backend.
func (b *DirBackend) SetStatus(_ context.Context, id string, status Status) error {
	b.mu.Lock()
	ws, ok := b.items[id]
	if ok {
		ws.Status = status
		b.items[id] = ws
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return b.writeStatus(ws)
}

// Purge implements Backend. It attempts every workspace and joins errors.
func (b *DirBackend) Purge(ctx context.Context) error {
	list, _ := b.List(ctx)
	var errs []error
	for _, ws := range list {
		if err := b.Destroy(ctx, ws.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(list) > 0 {
		b.logger.Info("workspaces purged", slog.Int("count", len(list)))
	}
	return errors.Join(errs...)
}

// List implements Backend.
func (b *DirBackend) List(_ context.Context) ([]Workspace, error) {
	b.mu.Lock()
	out := make([]Workspace, 0, len(b.items))
	for _, ws := range b.items {
		out = append(out, ws)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReadStatus reads the status marker of a workspace directory.
func (b *DirBackend) ReadStatus(path string) (Status, error) {
	data, err := afero.ReadFile(b.fs, filepath.Join(path, StatusFile))
	if err != nil {
		return "", err
	}
	return Status(strings.TrimSpace(string(data))), nil
}

func (b *DirBackend) writeStatus(ws Workspace) error {
	marker := filepath.Join(ws.Path, StatusFile)
	if err := afero.WriteFile(b.fs, marker, []byte(string(ws.Status)+"\n"), 0o640); err != nil {
		return fmt.Errorf("write workspace status %s: %w", marker, err)
	}
	return nil
}

func sanitizeKey(key string) string {
	var sb strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
		if sb.Len() >= maxKeyLength {
			break
		}
	}
	s := strings.Trim(sb.String(), ".-")
	if s == "" {
		return "task"
	}
	return s
}
