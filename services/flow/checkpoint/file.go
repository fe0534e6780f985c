// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// FileStore keeps checkpoints on the local filesystem.
//
// Layout:
//
//	<root>/checkpoints/<session>/<name>
//	<root>/content/<hash[:2]>/<hash>
//
// Writes go to a temp file in the target directory followed by a rename,
// so readers never observe a partial blob. Content is re-hashed on read.
type FileStore struct {
	root   string
	closed atomic.Bool
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("checkpoint root is empty")
	}
	for _, dir := range []string{"checkpoints", "content"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	return &FileStore{root: root}, nil
}

// Root returns the store root directory.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) blobPath(session, name string) string {
	return filepath.Join(s.root, "checkpoints", session, name)
}

func (s *FileStore) contentPath(hash string) string {
	return filepath.Join(s.root, "content", hash[:2], hash)
}

func (s *FileStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Save implements Store.
func (s *FileStore) Save(ctx context.Context, id string, blob []byte) error {
	session, name, err := SplitID(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return writeAtomic(s.blobPath(session, name), blob)
}

// Load implements Store.
func (s *FileStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	session, name, err := SplitID(id)
	if err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	return readOptional(s.blobPath(session, name))
}

// List implements Store.
func (s *FileStore) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "checkpoints", sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of %s: %w", sessionID, err)
	}
	ids := []string{}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, ID(sessionID, e.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	session, name, err := SplitID(id)
	if err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := os.Remove(s.blobPath(session, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// StoreContent implements Store.
func (s *FileStore) StoreContent(ctx context.Context, hash string, data []byte) error {
	if err := verifyContent(hash, data); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	path := s.contentPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return writeAtomic(path, data)
}

// GetContent implements Store.
func (s *FileStore) GetContent(ctx context.Context, hash string) ([]byte, bool, error) {
	if err := validateHash(hash); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	data, ok, err := readOptional(s.contentPath(hash))
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := verifyContent(hash, data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	s.closed.Store(true)
	return nil
}

// writeAtomic writes data to a temp file beside path and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".ckpt-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	success = true
	return nil
}

func readOptional(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}
