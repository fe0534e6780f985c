// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
)

// RunRequest is the body of POST /v1/flow/runs.
type RunRequest struct {
	// Graph is a graph document in its JSON form.
	Graph json.RawMessage `json:"graph" validate:"required"`

	// Config overrides the server's pool defaults for this run.
	Config *RunConfig `json:"config,omitempty"`
}

// ValidateRequest is the body of POST /v1/flow/validate.
type ValidateRequest struct {
	Graph json.RawMessage `json:"graph" validate:"required"`
}

// RunConfig holds per-run pool overrides. Zero or absent fields keep the
// server defaults.
type RunConfig struct {
	MaxConcurrency int     `json:"maxConcurrency,omitempty" validate:"omitempty,min=1,max=4096"`
	TimeoutSeconds float64 `json:"timeoutSeconds,omitempty" validate:"omitempty,gt=0"`
	FailFast       *bool   `json:"failFast,omitempty"`
	AutoCleanup    *bool   `json:"autoCleanup,omitempty"`
	RetryBackoffMs *int    `json:"retryBackoffMs,omitempty" validate:"omitempty,gte=0"`
	StartRate      float64 `json:"startRate,omitempty" validate:"gte=0"`
}

// apply returns base with the overrides of rc.
func (rc *RunConfig) apply(base pool.Config) pool.Config {
	if rc == nil {
		return base
	}
	if rc.MaxConcurrency > 0 {
		base.MaxConcurrency = rc.MaxConcurrency
	}
	if rc.TimeoutSeconds > 0 {
		base.TimeoutPerTask = time.Duration(rc.TimeoutSeconds * float64(time.Second))
	}
	if rc.FailFast != nil {
		base.FailFast = *rc.FailFast
	}
	if rc.AutoCleanup != nil {
		base.AutoCleanup = *rc.AutoCleanup
	}
	if rc.RetryBackoffMs != nil {
		base.RetryBackoff = time.Duration(*rc.RetryBackoffMs) * time.Millisecond
	}
	if rc.StartRate > 0 {
		base.StartRate = rc.StartRate
	}
	return base
}

// ValidateResponse describes an accepted graph.
type ValidateResponse struct {
	Name     string     `json:"name"`
	Tasks    int        `json:"tasks"`
	Levels   [][]string `json:"levels"`
	MaxWidth int        `json:"maxWidth"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`

	// Kind is one of the Kind constants.
	Kind string `json:"kind"`

	// TaskID names the offending task of a validation error, when known.
	TaskID string `json:"taskId,omitempty"`

	// Cycle is the dependency cycle of a circular-dependency error.
	Cycle []string `json:"cycle,omitempty"`
}

// HealthResponse is the body of GET /v1/flow/health.
type HealthResponse struct {
	Status         string `json:"status"`
	Runs           int    `json:"runs"`
	ActiveRuns     int    `json:"activeRuns"`
	ActiveContexts int    `json:"activeContexts"`
	Subscribers    int    `json:"subscribers"`
	Checkpoints    bool   `json:"checkpoints"`
}
