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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// errObjectNotFound is the backend-neutral "missing object" signal.
var errObjectNotFound = errors.New("object not found")

// objectBucket is the minimal object-storage surface the store needs.
type objectBucket interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ObjectConfig configures an ObjectStore on Google Cloud Storage.
type ObjectConfig struct {
	// Bucket is the GCS bucket name. Required.
	Bucket string `yaml:"bucket" validate:"required"`

	// Prefix is prepended to every object key, e.g. "flow/".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key. Empty uses ambient credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// ObjectStore keeps checkpoints in an object store.
//
// Keys are "<prefix>checkpoints/<session>/<name>" and "<prefix>content/<hash>".
type ObjectStore struct {
	bucket objectBucket
	prefix string
	closed atomic.Bool
}

// NewObjectStore connects to the configured GCS bucket.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("object store bucket is empty")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return newObjectStore(&gcsBucket{client: client, handle: client.Bucket(cfg.Bucket)}, cfg.Prefix), nil
}

func newObjectStore(bucket objectBucket, prefix string) *ObjectStore {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &ObjectStore{bucket: bucket, prefix: prefix}
}

func (s *ObjectStore) blobKey(id string) string { return s.prefix + "checkpoints/" + id }

func (s *ObjectStore) contentKey(hash string) string { return s.prefix + "content/" + hash }

func (s *ObjectStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Save implements Store.
func (s *ObjectStore) Save(ctx context.Context, id string, blob []byte) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.bucket.Write(ctx, s.blobKey(id), clone(blob))
}

// Load implements Store.
func (s *ObjectStore) Load(ctx context.Context, id string) ([]byte, bool, error) {
	if _, _, err := SplitID(id); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	return s.read(ctx, s.blobKey(id))
}

// List implements Store.
func (s *ObjectStore) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ValidateSession(sessionID); err != nil {
		return nil, err
	}
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	root := s.prefix + "checkpoints/"
	keys, err := s.bucket.List(ctx, root+sessionID+"/")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints of %s: %w", sessionID, err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, root)
		if _, _, err := SplitID(id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete implements Store.
func (s *ObjectStore) Delete(ctx context.Context, id string) error {
	if _, _, err := SplitID(id); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, s.blobKey(id)); err != nil && !errors.Is(err, errObjectNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

// StoreContent implements Store.
func (s *ObjectStore) StoreContent(ctx context.Context, hash string, data []byte) error {
	if err := verifyContent(hash, data); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.bucket.Write(ctx, s.contentKey(hash), clone(data))
}

// GetContent implements Store.
func (s *ObjectStore) GetContent(ctx context.Context, hash string) ([]byte, bool, error) {
	if err := validateHash(hash); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	data, ok, err := s.read(ctx, s.contentKey(hash))
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := verifyContent(hash, data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Close implements Store.
func (s *ObjectStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.bucket.Close()
}

func (s *ObjectStore) read(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.bucket.Read(ctx, key)
	if errors.Is(err, errObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read object %s: %w", key, err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, true, nil
}

// gcsBucket adapts a GCS bucket handle to objectBucket.
type gcsBucket struct {
	client *storage.Client
	handle *storage.BucketHandle
}

func (b *gcsBucket) Write(ctx context.Context, key string, data []byte) error {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("failed to write GCS object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return nil
}

func (b *gcsBucket) Read(ctx context.Context, key string) ([]byte, error) {
	r, err := b.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, errObjectNotFound
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *gcsBucket) List(ctx context.Context, prefix string) ([]string, error) {
	it := b.handle.Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *gcsBucket) Delete(ctx context.Context, key string) error {
	err := b.handle.Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return errObjectNotFound
	}
	return err
}

func (b *gcsBucket) Close() error {
	return b.client.Close()
}
