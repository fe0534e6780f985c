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
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. Values are copied on the
// way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	content map[string][]byte
	closed  bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs:   make(map[string][]byte),
		content: make(map[string][]byte),
	}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, id string, blob []byte) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.blobs[id] = clone(blob)
	return nil
}

// Load implements Store.
func (s *MemoryStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	if _, _, err := SplitID(id); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.blobs[id]
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := sessionID + "/"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	ids := []string{}
	for id := range s.blobs {
		if len(id) > len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.blobs, id)
	return nil
}

// StoreContent implements Store.
func (s *MemoryStore) StoreContent(ctx context.Context, hash string, data []byte) error {
	if err := verifyContent(hash, data); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.content[hash]; !ok {
		s.content[hash] = clone(data)
	}
	return nil
}

// GetContent implements Store.
func (s *MemoryStore) GetContent(ctx context.Context, hash string) ([]byte, bool, error) {
	if err := validateHash(hash); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.content[hash]
	if !ok {
		return nil, false, nil
	}
	return clone(b), true, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
