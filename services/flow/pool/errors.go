// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import "errors"

var (
	// ErrNilContext is returned when Run gets a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilGraph is returned when Run gets a nil graph.
	ErrNilGraph = errors.New("graph must not be nil")

	// ErrNilRunner is returned when Run gets a nil runner.
	ErrNilRunner = errors.New("runner must not be nil")

	// ErrTaskTimeout marks a task that exceeded its deadline.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrCancelled marks a task that was cancelled before or while running.
	ErrCancelled = errors.New("task cancelled")

	// ErrUpstreamFailed marks a task that never ran because a dependency
	// did not succeed.
	ErrUpstreamFailed = errors.New("upstream task did not succeed")

	// ErrTaskPanicked marks a task body that panicked.
	ErrTaskPanicked = errors.New("task panicked")

	// ErrInvalidTransition is returned for a state change out of a terminal state.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrInvalidPayload is returned by runners that cannot decode a payload.
	ErrInvalidPayload = errors.New("invalid task payload")
)
