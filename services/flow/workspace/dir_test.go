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
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemBackend(t *testing.T) (*DirBackend, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	b, err := NewDirBackend(fs, "/work", nil)
	require.NoError(t, err)
	return b, fs
}

func TestDirBackend_CreateWritesMarker(t *testing.T) {
	b, fs := newMemBackend(t)
	ctx := context.Background()

	ws, err := b.Create(ctx, "build/linux amd64")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, ws.Status)
	assert.True(t, strings.HasPrefix(filepath.Base(ws.Path), "build-linux-amd64-"))

	exists, err := afero.DirExists(fs, ws.Path)
	require.NoError(t, err)
	assert.True(t, exists)

	status, err := b.ReadStatus(ws.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status)
}

func TestDirBackend_SetStatusAndDestroy(t *testing.T) {
	b, fs := newMemBackend(t)
	ctx := context.Background()

	ws, err := b.Create(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, b.SetStatus(ctx, ws.ID, StatusSucceeded))
	status, err := b.ReadStatus(ws.Path)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)

	require.NoError(t, b.Destroy(ctx, ws.ID))
	exists, _ := afero.DirExists(fs, ws.Path)
	assert.False(t, exists)

	// Destroying twice is harmless; status on a gone workspace is not.
	require.NoError(t, b.Destroy(ctx, ws.ID))
	assert.ErrorIs(t, b.SetStatus(ctx, ws.ID, StatusFailed), ErrWorkspaceNotFound)
}

func TestDirBackend_UniquePerTask(t *testing.T) {
	b, _ := newMemBackend(t)
	ctx := context.Background()

	a, err := b.Create(ctx, "same")
	require.NoError(t, err)
	c, err := b.Create(ctx, "same")
	require.NoError(t, err)
	assert.NotEqual(t, a.Path, c.Path)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestDirBackend_PurgeConcurrent(t *testing.T) {
	b, fs := newMemBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Create(ctx, "task")
		}()
	}
	wg.Wait()

	list, err := b.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 20)

	require.NoError(t, b.Purge(ctx))
	list, _ = b.List(ctx)
	assert.Empty(t, list)

	entries, err := afero.ReadDir(fs, "/work")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDirBackend_CreateHonoursCancelledContext(t *testing.T) {
	b, _ := newMemBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Create(ctx, "t")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewDirBackend_Errors(t *testing.T) {
	_, err := NewDirBackend(nil, "/x", nil)
	assert.Error(t, err)
	_, err = NewDirBackend(afero.NewMemMapFs(), "", nil)
	assert.Error(t, err)
	_, err = NewDirBackend(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/x", nil)
	assert.Error(t, err)
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "task", sanitizeKey(""))
	assert.Equal(t, "task", sanitizeKey("../.."))
	assert.Equal(t, "a-b_c.d", sanitizeKey("a/b_c.d"))
	assert.LessOrEqual(t, len(sanitizeKey(strings.Repeat("x", 200))), maxKeyLength)
}
