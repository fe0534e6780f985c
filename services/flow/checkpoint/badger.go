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
	"strings"
	"sync/atomic"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

const (
	badgerCheckpointPrefix = "ckpt/"
	badgerContentPrefix    = "cas/"
)

// BadgerStore keeps checkpoints in an embedded BadgerDB.
//
// Keys are "ckpt/<session>/<name>" and "cas/<hash>".
type BadgerStore struct {
	db     *badger.DB
	owned  bool
	closed atomic.Bool
}

// NewBadgerStore wraps an open database. Close does not close db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// OpenBadgerStore opens a database with cfg and owns it.
func OpenBadgerStore(cfg badger.Config) (*BadgerStore, error) {
	db, err := badger.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, owned: true}, nil
}

func (s *BadgerStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, id string, blob []byte) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Put(ctx, []byte(badgerCheckpointPrefix+id), clone(blob))
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	if _, _, err := SplitID(id); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	data, ok, err := s.db.Get(ctx, []byte(badgerCheckpointPrefix+id))
	if ok && data == nil {
		data = []byte{}
	}
	return data, ok, err
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	keys, err := s.db.Keys(ctx, []byte(badgerCheckpointPrefix+sessionID+"/"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(string(k), badgerCheckpointPrefix))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Delete(ctx, []byte(badgerCheckpointPrefix+id))
}

// StoreContent implements Store.
func (s *BadgerStore) StoreContent(ctx context.Context, hash string, data []byte) error {
	if err := verifyContent(hash, data); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Put(ctx, []byte(badgerContentPrefix+hash), clone(data))
}

// GetContent implements Store.
func (s *BadgerStore) GetContent(ctx context.Context, hash string) ([]byte, bool, error) {
	if err := validateHash(hash); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	data, ok, err := s.db.Get(ctx, []byte(badgerContentPrefix+hash))
	if err != nil || !ok {
		return nil, ok, err
	}
	if data == nil {
		data = []byte{}
	}
	if err := verifyContent(hash, data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Close implements Store. The database is closed only when the store owns it.
func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		return s.db.Close()
	}
	return nil
}
