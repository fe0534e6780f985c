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

import (
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

// EventType names a point in a run's lifecycle.
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunFinished   EventType = "run.finished"
	EventLevelStarted  EventType = "level.started"
	EventLevelFinished EventType = "level.finished"
	EventTaskStarted   EventType = "task.started"

	// EventTaskAttempt is emitted once per finished attempt, including
	// attempts that will be retried.
	EventTaskAttempt EventType = "task.attempt"

	// EventTaskFinished is emitted once per task with its final result.
	EventTaskFinished EventType = "task.finished"
)

// Event is a run notification. Task fields are empty for run and level events.
type Event struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"runId"`
	Graph      string         `json:"graph,omitempty"`
	Level      int            `json:"level"`
	TaskID     string         `json:"taskId,omitempty"`
	ContextID  string         `json:"contextId,omitempty"`
	Attempt    int            `json:"attempt,omitempty"`
	Status     results.Status `json:"status,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs float64        `json:"durationMs,omitempty"`
	Time       time.Time      `json:"time"`
}

// Observer receives run events. OnEvent is called from worker goroutines
// and must not block.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

func taskEvent(t EventType, runID string, level int, r results.TaskResult) Event {
	return Event{
		Type:       t,
		RunID:      runID,
		Level:      level,
		TaskID:     r.TaskID,
		ContextID:  r.ContextID,
		Attempt:    r.Attempt,
		Status:     r.Status,
		Error:      r.ErrorString(),
		DurationMs: float64(r.Duration) / float64(time.Millisecond),
		Time:       time.Now(),
	}
}
