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
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
)

// DefaultTimeoutPerTask is the per-task deadline used by DefaultConfig.
const DefaultTimeoutPerTask = 5 * time.Minute

// Config controls one pool. It is copied by New and never changes afterwards.
type Config struct {
	// MaxConcurrency bounds the tasks running at once within a level. Must be >= 1.
	MaxConcurrency int `yaml:"max_concurrency" json:"maxConcurrency"`

	// TimeoutPerTask is the deadline of every attempt. Must be > 0.
	TimeoutPerTask time.Duration `yaml:"timeout_per_task" json:"timeoutPerTask"`

	// FailFast cancels remaining work after the first failure or timeout.
	FailFast bool `yaml:"fail_fast" json:"failFast"`

	// AutoCleanup destroys the workspaces a run created once it ends.
	AutoCleanup bool `yaml:"auto_cleanup" json:"autoCleanup"`

	// RetryBackoff is the pause between attempts of a retried task.
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retryBackoff"`

	// StartRate caps task starts per second. Zero means unlimited.
	StartRate float64 `yaml:"start_rate" json:"startRate"`

	// DefaultPolicy applies to tasks without their own policy.
	DefaultPolicy isolation.Policy `yaml:"default_policy" json:"defaultPolicy"`
}

// DefaultConfig returns a config sized to the machine with the standard
// isolation policy rooted at each task's working directory.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: runtime.NumCPU(),
		TimeoutPerTask: DefaultTimeoutPerTask,
		DefaultPolicy:  isolation.StandardPolicy("."),
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid pool config")

// Validate checks c.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("%w: max concurrency must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.TimeoutPerTask <= 0 {
		return fmt.Errorf("%w: timeout per task must be > 0, got %s", ErrInvalidConfig, c.TimeoutPerTask)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("%w: retry backoff must not be negative", ErrInvalidConfig)
	}
	if c.StartRate < 0 {
		return fmt.Errorf("%w: start rate must not be negative", ErrInvalidConfig)
	}
	if err := c.DefaultPolicy.Validate(); err != nil {
		return fmt.Errorf("%w: default policy: %w", ErrInvalidConfig, err)
	}
	return nil
}

// policyFor returns the isolation policy a task runs under.
func (c Config) policyFor(t dag.Task) isolation.Policy {
	if t.Policy != nil {
		return t.Policy.Clone()
	}
	return c.DefaultPolicy.Clone()
}

// timeoutFor returns the smallest positive of the pool deadline, the task
// override and the policy wall limit.
func (c Config) timeoutFor(t dag.Task, p isolation.Policy) time.Duration {
	d := c.TimeoutPerTask
	for _, o := range []time.Duration{t.Timeout, p.Limits.WallDuration} {
		if o > 0 && o < d {
			d = o
		}
	}
	return d
}
