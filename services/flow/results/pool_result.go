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
	"encoding/json"
	"fmt"
	"time"
)

// PoolExecutionResult is the outcome of one pool run.
type PoolExecutionResult struct {
	RunID        string
	TotalTasks   int
	Results      []TaskResult
	WallDuration time.Duration

	SuccessCount   int
	FailedCount    int
	TimeoutCount   int
	CancelledCount int
	SkippedCount   int

	SuccessRate float64
	FailureRate float64

	MinDuration       time.Duration
	MaxDuration       time.Duration
	AvgDuration       time.Duration
	TotalTaskDuration time.Duration

	// Throughput is tasks per second of wall time.
	Throughput float64

	// EffectiveConcurrency is total task time over wall time. It is not
	// bounded by the configured concurrency.
	EffectiveConcurrency float64
}

// Result returns the recorded result of taskID.
func (p *PoolExecutionResult) Result(taskID string) (TaskResult, bool) {
	for _, r := range p.Results {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return TaskResult{}, false
}

// Succeeded reports whether every task that was not skipped succeeded.
func (p *PoolExecutionResult) Succeeded() bool {
	return p.FailedCount == 0 && p.TimeoutCount == 0 && p.CancelledCount == 0
}

// Summary renders a one-line summary.
func (p *PoolExecutionResult) Summary() string {
	return fmt.Sprintf("%d tasks: %d succeeded, %d failed, %d timed out, %d cancelled, %d skipped in %s (%.2f tasks/s, concurrency %.2f)",
		p.TotalTasks, p.SuccessCount, p.FailedCount, p.TimeoutCount, p.CancelledCount, p.SkippedCount,
		p.WallDuration.Round(time.Millisecond), p.Throughput, p.EffectiveConcurrency)
}

// TaskResultJSON is the wire form of a TaskResult.
type TaskResultJSON struct {
	TaskID     string  `json:"taskId"`
	ContextID  string  `json:"contextId,omitempty"`
	Status     Status  `json:"status"`
	DurationMs float64 `json:"durationMs"`
	Attempt    int     `json:"attempt"`
	Error      string  `json:"error,omitempty"`
	Output     any     `json:"output,omitempty"`
}

// PoolExecutionResultJSON is the wire form of a PoolExecutionResult.
type PoolExecutionResultJSON struct {
	RunID                string           `json:"runId,omitempty"`
	TotalTasks           int              `json:"totalTasks"`
	SuccessCount         int              `json:"successCount"`
	FailedCount          int              `json:"failedCount"`
	TimeoutCount         int              `json:"timeoutCount"`
	CancelledCount       int              `json:"cancelledCount"`
	SkippedCount         int              `json:"skippedCount"`
	TotalDurationMs      float64          `json:"totalDurationMs"`
	SuccessRate          float64          `json:"successRate"`
	FailureRate          float64          `json:"failureRate"`
	MinDurationMs        float64          `json:"minDurationMs"`
	MaxDurationMs        float64          `json:"maxDurationMs"`
	AvgDurationMs        float64          `json:"avgDurationMs"`
	Throughput           float64          `json:"throughput"`
	EffectiveConcurrency float64          `json:"effectiveConcurrency"`
	Results              []TaskResultJSON `json:"results"`
}

// Wire converts p to its wire form. Outputs that cannot be encoded are dropped.
func (p *PoolExecutionResult) Wire() PoolExecutionResultJSON {
	w := PoolExecutionResultJSON{
		RunID:                p.RunID,
		TotalTasks:           p.TotalTasks,
		SuccessCount:         p.SuccessCount,
		FailedCount:          p.FailedCount,
		TimeoutCount:         p.TimeoutCount,
		CancelledCount:       p.CancelledCount,
		SkippedCount:         p.SkippedCount,
		TotalDurationMs:      millis(p.WallDuration),
		SuccessRate:          p.SuccessRate,
		FailureRate:          p.FailureRate,
		MinDurationMs:        millis(p.MinDuration),
		MaxDurationMs:        millis(p.MaxDuration),
		AvgDurationMs:        millis(p.AvgDuration),
		Throughput:           p.Throughput,
		EffectiveConcurrency: p.EffectiveConcurrency,
		Results:              make([]TaskResultJSON, 0, len(p.Results)),
	}
	for _, r := range p.Results {
		w.Results = append(w.Results, r.Wire())
	}
	return w
}

// Wire converts r to its wire form. An output that cannot be encoded is dropped.
func (r TaskResult) Wire() TaskResultJSON {
	out := r.Output
	if out != nil {
		if _, err := json.Marshal(out); err != nil {
			out = nil
		}
	}
	return TaskResultJSON{
		TaskID:     r.TaskID,
		ContextID:  r.ContextID,
		Status:     r.Status,
		DurationMs: millis(r.Duration),
		Attempt:    r.Attempt,
		Error:      r.ErrorString(),
		Output:     out,
	}
}

// MarshalJSON implements json.Marshaler using the wire form.
func (p *PoolExecutionResult) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Wire())
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
