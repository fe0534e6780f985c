// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"sync"
	"time"
)

// Aggregator collects task results as they complete.
//
// Description:
//
//	Results are kept in completion order. Adding a result for a task that
//	already has one overwrites that slot, so a retried task occupies a
//	single entry holding its final attempt.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Aggregator struct {
	mu      sync.Mutex
	runID   string
	total   int
	results []TaskResult
	index   map[string]int
}

// NewAggregator creates an aggregator expecting total tasks.
func NewAggregator(total int) *Aggregator {
	return &Aggregator{
		total: total,
		index: make(map[string]int, total),
	}
}

// SetRunID labels the finalized result.
func (a *Aggregator) SetRunID(id string) {
	a.mu.Lock()
	a.runID = id
	a.mu.Unlock()
}

// Add records r.
func (a *Aggregator) Add(r TaskResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i, ok := a.index[r.TaskID]; ok {
		a.results[i] = r
		return
	}
	a.index[r.TaskID] = len(a.results)
	a.results = append(a.results, r)
}

// Has reports whether a result exists for taskID.
func (a *Aggregator) Has(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.index[taskID]
	return ok
}

// Get returns the recorded result for taskID.
func (a *Aggregator) Get(taskID string) (TaskResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.index[taskID]
	if !ok {
		return TaskResult{}, false
	}
	return a.results[i], true
}

// Len returns the number of recorded results.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.results)
}

// Finalize computes the pool result.
//
// Description:
//
//	success rate = successes/total, failure rate = failures/total,
//	throughput = total/wall seconds, effective concurrency =
//	sum(durations)/wall. Zero totals or zero wall time yield 0.
//	Duration statistics cover only results whose body ran.
//
// Inputs:
//
//	wall - Wall-clock duration of the whole run.
//
// Outputs:
//
//	*PoolExecutionResult - The result. Results are copied.
func (a *Aggregator) Finalize(wall time.Duration) *PoolExecutionResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := &PoolExecutionResult{
		RunID:        a.runID,
		TotalTasks:   a.total,
		Results:      append([]TaskResult(nil), a.results...),
		WallDuration: wall,
	}
	if out.TotalTasks < len(out.Results) {
		out.TotalTasks = len(out.Results)
	}

	var sum time.Duration
	ran := 0
	for _, r := range out.Results {
		switch r.Status {
		case StatusSuccess:
			out.SuccessCount++
		case StatusFailed:
			out.FailedCount++
		case StatusTimeout:
			out.TimeoutCount++
		case StatusCancelled:
			out.CancelledCount++
		case StatusSkipped:
			out.SkippedCount++
		}
		if !r.Ran() {
			continue
		}
		sum += r.Duration
		if ran == 0 || r.Duration < out.MinDuration {
			out.MinDuration = r.Duration
		}
		if r.Duration > out.MaxDuration {
			out.MaxDuration = r.Duration
		}
		ran++
	}
	out.TotalTaskDuration = sum
	if ran > 0 {
		out.AvgDuration = sum / time.Duration(ran)
	}

	if out.TotalTasks > 0 {
		out.SuccessRate = float64(out.SuccessCount) / float64(out.TotalTasks)
		out.FailureRate = float64(out.FailedCount) / float64(out.TotalTasks)
	}
	if wall > 0 {
		secs := wall.Seconds()
		out.Throughput = float64(out.TotalTasks) / secs
		out.EffectiveConcurrency = sum.Seconds() / secs
	}
	return out
}

// Results returns a copy of the results recorded so far, in completion order.
func (a *Aggregator) Results() []TaskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]TaskResult(nil), a.results...)
}
