// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/workspace"
)

// OpenCheckpointStore opens the configured checkpoint backend. It returns
// nil and no error for the "none" backend. The caller closes the store.
func (c *Config) OpenCheckpointStore(ctx context.Context, logger *slog.Logger) (checkpoint.Store, error) {
	switch c.Checkpoint.Backend {
	case BackendNone, "":
		return nil, nil
	case BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	case BackendFile:
		s, err := checkpoint.NewFileStore(c.Checkpoint.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file checkpoint store: %w", err)
		}
		return s, nil
	case BackendBadger:
		bc := badger.DefaultConfig()
		bc.Path = c.Checkpoint.Dir
		bc.Logger = logger
		s, err := checkpoint.OpenBadgerStore(bc)
		if err != nil {
			return nil, fmt.Errorf("open badger checkpoint store: %w", err)
		}
		return s, nil
	case BackendGCS:
		s, err := checkpoint.NewObjectStore(ctx, c.Checkpoint.GCS)
		if err != nil {
			return nil, fmt.Errorf("open gcs checkpoint store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", ErrInvalid, c.Checkpoint.Backend)
	}
}

// WorkspaceBackend returns a directory backend on the OS filesystem, or nil
// when workspaces are disabled.
func (c *Config) WorkspaceBackend(logger *slog.Logger) (workspace.Backend, error) {
	if c.Workspace.Root == "" {
		return nil, nil
	}
	b, err := workspace.NewDirBackend(afero.NewOsFs(), c.Workspace.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("open workspace backend: %w", err)
	}
	return b, nil
}

// IsolationManager creates a manager with the configured audit retention.
func (c *Config) IsolationManager(logger *slog.Logger) *isolation.Manager {
	return isolation.NewManager(isolation.NewAuditLog(c.Isolation.AuditRetention), logger)
}
