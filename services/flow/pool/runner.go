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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
)

// Runner executes task bodies.
//
// Run must observe ctx: it is cancelled on the attempt deadline, on
// fail-fast and on external cancellation. A body that ignores it is
// abandoned when the deadline passes but keeps running in the background.
type Runner interface {
	Run(ctx context.Context, task dag.Task, ictx *isolation.Context) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task dag.Task, ictx *isolation.Context) (any, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task dag.Task, ictx *isolation.Context) (any, error) {
	return f(ctx, task, ictx)
}

// decodePayload converts an arbitrary payload into dst through JSON.
func decodePayload(payload any, dst any) error {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// EchoPayload is the payload understood by EchoRunner.
type EchoPayload struct {
	// Sleep is a duration such as "250ms" to wait before answering.
	Sleep string `json:"sleep,omitempty"`

	// Fail makes the attempt fail with this message.
	Fail string `json:"fail,omitempty"`

	// FailAttempts fails only the first N attempts.
	FailAttempts int `json:"failAttempts,omitempty"`

	// Output is returned as the task output. When absent the payload is returned.
	Output any `json:"output,omitempty"`
}

// EchoRunner answers with its payload. It is used for dry runs and demos.
// It keeps no state, so one runner can serve any number of runs. The
// attempt number for FailAttempts comes from the context; outside a pool
// every call counts as attempt 1.
type EchoRunner struct{}

// NewEchoRunner creates an EchoRunner.
func NewEchoRunner() *EchoRunner {
	return &EchoRunner{}
}

type attemptKey struct{}

// AttemptInfo identifies the attempt a task body is running for.
type AttemptInfo struct {
	RunID   string
	TaskID  string
	Attempt int
}

func withAttempt(ctx context.Context, info AttemptInfo) context.Context {
	return context.WithValue(ctx, attemptKey{}, info)
}

// AttemptFromContext returns the attempt carried by a body's context.
func AttemptFromContext(ctx context.Context) (AttemptInfo, bool) {
	info, ok := ctx.Value(attemptKey{}).(AttemptInfo)
	return info, ok
}

// Run implements Runner.
func (e *EchoRunner) Run(ctx context.Context, task dag.Task, _ *isolation.Context) (any, error) {
	var p EchoPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		// Non-object payloads are echoed as-is.
		return task.Payload, nil
	}
	n := 1
	if info, ok := AttemptFromContext(ctx); ok {
		n = info.Attempt
	}

	if p.Sleep != "" {
		d, err := time.ParseDuration(p.Sleep)
		if err != nil {
			return nil, fmt.Errorf("%w: sleep: %w", ErrInvalidPayload, err)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if p.Fail != "" && (p.FailAttempts == 0 || n <= p.FailAttempts) {
		return nil, errors.New(p.Fail)
	}
	if p.Output != nil {
		return p.Output, nil
	}
	return task.Payload, nil
}

// CommandPayload is the payload understood by CommandRunner.
type CommandPayload struct {
	// Command is the program and its arguments. Required.
	Command []string `json:"command"`

	// Dir is the working directory, relative to the task workspace.
	Dir string `json:"dir,omitempty"`

	// Env holds extra environment variables.
	Env map[string]string `json:"env,omitempty"`
}

// CommandOutput is the output of a command task.
type CommandOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// CommandRunner executes a payload's command inside the task workspace
// after the isolation context allows executing it.
type CommandRunner struct {
	// Actor names the caller in audit entries.
	Actor string

	// MaxOutputBytes caps captured stdout and stderr each. Zero means 1 MiB.
	MaxOutputBytes int
}

// Run implements Runner.
func (c *CommandRunner) Run(ctx context.Context, task dag.Task, ictx *isolation.Context) (any, error) {
	var p CommandPayload
	if err := decodePayload(task.Payload, &p); err != nil {
		return nil, err
	}
	if len(p.Command) == 0 || p.Command[0] == "" {
		return nil, fmt.Errorf("%w: task %s has no command", ErrInvalidPayload, task.ID)
	}

	actor := c.Actor
	if actor == "" {
		actor = task.ID
	}

	bin, err := exec.LookPath(p.Command[0])
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", p.Command[0], err)
	}
	if ictx != nil {
		if err := ictx.RequireFilesystem(actor, bin, isolation.OpExecute); err != nil {
			return nil, err
		}
	}

	dir := p.Dir
	if ictx != nil && ictx.Workspace() != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(ictx.Workspace(), dir)
	}
	if dir != "" && ictx != nil {
		if err := ictx.RequireFilesystem(actor, dir, isolation.OpRead); err != nil {
			return nil, err
		}
	}

	limit := c.MaxOutputBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, bin, p.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+p.Env[k])
	}

	runErr := cmd.Run()
	out := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return out, fmt.Errorf("command %s: %w", p.Command[0], runErr)
	}
	return out, nil
}

// cappedBuffer keeps the first limit bytes written to it.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }
