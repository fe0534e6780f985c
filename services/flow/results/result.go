// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results folds per-task outcomes into pool-level metrics.
package results

import (
	"time"
)

// Status is the terminal status of a task attempt.
type Status string

const (
	// StatusSuccess means the task body returned without error.
	StatusSuccess Status = "success"

	// StatusFailed means the task body returned an error, or the task could
	// not be prepared (workspace, isolation).
	StatusFailed Status = "failed"

	// StatusTimeout means the task exceeded its deadline.
	StatusTimeout Status = "timeout"

	// StatusCancelled means the task never ran or was aborted by fail-fast,
	// external cancellation or an upstream failure.
	StatusCancelled Status = "cancelled"

	// StatusSkipped means a conditional node selected another branch.
	StatusSkipped Status = "skipped"
)

// IsFailure reports whether s counts as a failed outcome for fail-fast.
func (s Status) IsFailure() bool {
	return s == StatusFailed || s == StatusTimeout
}

// TaskResult is the outcome of one task attempt.
type TaskResult struct {
	TaskID     string
	ContextID  string
	Status     Status
	Duration   time.Duration
	Err        error
	Output     any
	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Ran reports whether the task body was attempted at least once.
func (r TaskResult) Ran() bool {
	return r.Attempt > 0
}

// ErrorString returns the error message or "".
func (r TaskResult) ErrorString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
