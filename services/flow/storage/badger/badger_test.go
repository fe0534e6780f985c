// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory_PutGetDelete(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, []byte("ckpt/run-1/final"), []byte("blob")))

	got, ok, err := db.Get(ctx, []byte("ckpt/run-1/final"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("blob"), got)

	require.NoError(t, db.Delete(ctx, []byte("ckpt/run-1/final")))
	_, ok, err = db.Get(ctx, []byte("ckpt/run-1/final"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())
}

func TestDB_KeysByPrefix(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	for _, k := range []string{"ckpt/b/2", "ckpt/b/1", "ckpt/a/1", "cas/ff"} {
		require.NoError(t, db.Put(ctx, []byte(k), []byte("v")))
	}

	keys, err := db.Keys(ctx, []byte("ckpt/b/"))
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "ckpt/b/1", string(keys[0]))
	assert.Equal(t, "ckpt/b/2", string(keys[1]))
}

func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Path = dir
	cfg.GCInterval = time.Hour

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Put(context.Background(), []byte("k"), []byte("v")))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db2, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db2.Close()
	got, ok, err := db2.Get(context.Background(), []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.Equal(t, dir, db2.Path())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, db.Put(ctx, []byte("k"), []byte("v")), context.Canceled)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
	assert.Error(t, err)

	r, err := NewGCRunner(db.DB, time.Hour, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	r.Stop()
	r.Stop()
}
