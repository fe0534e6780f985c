// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package isolation

import (
	"sync"
	"time"
)

// DefaultAuditRetention is the number of entries kept when no cap is given.
const DefaultAuditRetention = 10000

// Audit operations recorded besides filesystem ops.
const (
	AuditContextCreate  = "context.create"
	AuditContextDestroy = "context.destroy"
	AuditNetwork        = "net.connect"
)

// AuditEntry records one isolation decision or lifecycle event.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ContextID string    `json:"context_id"`
	Actor     string    `json:"actor"`
	Operation string    `json:"operation"`
	Target    string    `json:"target"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditLog is an append-only log with bounded retention.
//
// Description:
//
//	Entries are held in a ring buffer. Once the retention cap is reached the
//	oldest entry is overwritten and Dropped is incremented.
//
// Thread Safety:
//
//	Safe for concurrent use.
type AuditLog struct {
	mu      sync.Mutex
	buf     []AuditEntry
	start   int
	size    int
	dropped int64
}

// NewAuditLog creates a log keeping at most retention entries.
// A non-positive retention uses DefaultAuditRetention.
func NewAuditLog(retention int) *AuditLog {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &AuditLog{buf: make([]AuditEntry, retention)}
}

// Append adds an entry, stamping Timestamp when zero.
func (l *AuditLog) Append(e AuditEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = e
		l.size++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
	l.dropped++
}

// Entries returns a copy of retained entries, oldest first.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

// EntriesFor returns retained entries for one context id, oldest first.
func (l *AuditLog) EntriesFor(contextID string) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEntry
	for i := 0; i < l.size; i++ {
		e := l.buf[(l.start+i)%len(l.buf)]
		if e.ContextID == contextID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Dropped returns how many entries were evicted by retention.
func (l *AuditLog) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Retention returns the retention cap.
func (l *AuditLog) Retention() int {
	return len(l.buf)
}
