// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists run snapshots and content-addressed blobs.
//
// Every backend (filesystem, object storage, memory, BadgerDB) satisfies the
// same Store contract. Checkpoint ids have the form "<session>/<name>" and
// List returns the ids of one session in sorted order. Content is addressed
// by the lowercase hex SHA-256 of its bytes.
//
// Thread Safety:
//
//	All Store implementations are safe for concurrent use.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidID is returned for malformed checkpoint ids or session ids.
	ErrInvalidID = errors.New("invalid checkpoint id")

	// ErrInvalidHash is returned for a hash that is not 64 lowercase hex characters.
	ErrInvalidHash = errors.New("invalid content hash")

	// ErrHashMismatch is returned when content does not hash to its address.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("checkpoint store closed")
)

// Store is the persistent checkpoint contract.
type Store interface {
	// Save writes blob under id, replacing any previous value.
	Save(ctx context.Context, id string, blob []byte) error

	// Load returns the blob under id. The bool is false when absent.
	Load(ctx context.Context, id string) ([]byte, bool, error)

	// List returns the ids saved under sessionID, sorted.
	List(ctx context.Context, sessionID string) ([]string, error)

	// Delete removes id. Missing ids are not an error.
	Delete(ctx context.Context, id string) error

	// StoreContent writes data under its hash after verifying it.
	StoreContent(ctx context.Context, hash string, data []byte) error

	// GetContent returns the data stored under hash. The bool is false when absent.
	GetContent(ctx context.Context, hash string) ([]byte, bool, error)

	// Close releases backend resources.
	Close() error
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContentHash returns the lowercase hex SHA-256 of data.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ID joins a session and a name into a checkpoint id.
func ID(sessionID, name string) string {
	return sessionID + "/" + name
}

// SplitID validates id and returns its session and name.
func SplitID(id string) (string, string, error) {
	session, name, ok := strings.Cut(id, "/")
	if !ok || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q must be <session>/<name>", ErrInvalidID, id)
	}
	if err := validateSegment(session); err != nil {
		return "", "", fmt.Errorf("%w: session in %q", err, id)
	}
	if err := validateSegment(name); err != nil {
		return "", "", fmt.Errorf("%w: name in %q", err, id)
	}
	return session, name, nil
}

// ValidateSession checks a session id.
func ValidateSession(sessionID string) error {
	return validateSegment(sessionID)
}

func validateSegment(s string) error {
	if !segmentPattern.MatchString(s) || strings.Contains(s, "..") {
		return fmt.Errorf("%w: segment %q", ErrInvalidID, s)
	}
	return nil
}

func validateHash(hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

// verifyContent checks the address of data.
func verifyContent(hash string, data []byte) error {
	if err := validateHash(hash); err != nil {
		return err
	}
	if got := ContentHash(data); got != hash {
		return fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash, got)
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
