// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

type runOptions struct {
	maxConcurrency int
	timeout        time.Duration
	failFast       bool
	autoCleanup    bool
	watch          bool
	checkpointDir  string
	workspaceRoot  string
	isolation      string
	jsonOutput     bool
	dryRun         bool
	quiet          bool
}

func (a *app) newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run GRAPH",
		Short: "Execute a graph",
		Long: `Execute a graph level by level.

Task payloads of the form {command: [prog, args...], dir, env} are executed
in the task workspace after the isolation policy allows it. --dry-run echoes
payloads instead of executing them.

Exit status is 0 when every task succeeded or was skipped, 2 when any task
failed, timed out or was cancelled, and 1 on usage or validation errors.

Examples:
  flow run build.yaml
  flow run build.yaml --max-concurrency 2 --timeout 30s --fail-fast
  flow run build.yaml --checkpoint-dir .flow/checkpoints --json
  flow run build.yaml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.maxConcurrency, "max-concurrency", 0, "tasks running at once (default from config)")
	f.DurationVar(&opts.timeout, "timeout", 0, "per-task timeout (default from config)")
	f.BoolVar(&opts.failFast, "fail-fast", false, "cancel remaining tasks after the first failure")
	f.BoolVar(&opts.autoCleanup, "auto-cleanup", false, "destroy the run's task workspaces when it ends")
	f.BoolVar(&opts.watch, "watch", false, "re-run whenever the graph file changes")
	f.StringVar(&opts.checkpointDir, "checkpoint-dir", "", "write level checkpoints to this directory")
	f.StringVar(&opts.workspaceRoot, "workspace-root", "", "give each attempt a workspace under this directory")
	f.StringVar(&opts.isolation, "isolation", "", "isolation preset: standard, strict or unrestricted")
	f.BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON")
	f.BoolVar(&opts.dryRun, "dry-run", false, "echo payloads instead of executing them")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print progress")
	return cmd
}

// applyRunFlags overrides cfg with the flags the user set.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts runOptions) {
	f := cmd.Flags()
	if f.Changed("max-concurrency") {
		cfg.Pool.MaxConcurrency = opts.maxConcurrency
	}
	if f.Changed("timeout") {
		cfg.Pool.TimeoutPerTask = opts.timeout
	}
	if f.Changed("fail-fast") {
		cfg.Pool.FailFast = opts.failFast
	}
	if f.Changed("auto-cleanup") {
		cfg.Pool.AutoCleanup = opts.autoCleanup
	}
	if opts.checkpointDir != "" {
		cfg.Checkpoint.Backend = config.BackendFile
		cfg.Checkpoint.Dir = opts.checkpointDir
	}
	if opts.workspaceRoot != "" {
		cfg.Workspace.Root = opts.workspaceRoot
	}
	if opts.isolation != "" {
		cfg.Isolation.Preset = opts.isolation
	}
	if opts.dryRun {
		cfg.Server.Runner = "echo"
	}
}

func (a *app) run(cmd *cobra.Command, path string, opts runOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := a.loadConfig("warn")
	if err != nil {
		return err
	}
	applyRunFlags(cmd, &cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg, cmd.ErrOrStderr())
	defer logger.Close()

	// Metrics are exported by serve only.
	tcfg := cfg.Telemetry
	tcfg.MetricExporter = telemetry.ExporterNone
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	e, err := newExecutor(ctx, cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer e.close()

	out := cmd.OutOrStdout()
	printer := ux.NewPrinter(out)
	if !opts.jsonOutput && !opts.quiet {
		e.observe(printer)
	}

	once := func() error {
		g, err := loadGraph(cmd, path)
		if err != nil {
			return err
		}
		res, err := e.run(ctx, g)
		if err != nil {
			return err
		}
		if opts.jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res.Wire()); err != nil {
				return err
			}
		} else if err := printer.Result(res); err != nil {
			return err
		}
		if !res.Succeeded() {
			return errRunFailed
		}
		return nil
	}

	if !opts.watch {
		return once()
	}
	if path == "-" {
		return errors.New("--watch needs a graph file, not stdin")
	}

	report := func(err error) {
		if err != nil && !errors.Is(err, errInvalidGraph) && !errors.Is(err, errRunFailed) {
			logger.Error("run failed", "error", err)
		}
	}
	report(once())
	fmt.Fprintf(cmd.ErrOrStderr(), "watching %s for changes\n", path)
	return watchFile(ctx, path, 200*time.Millisecond, logger.Slog(), func() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s changed, re-running\n", path)
		report(once())
	})
}

// executor holds the collaborators of a pool across repeated runs.
type executor struct {
	pool   *pool.Pool
	runner pool.Runner
	closer func() error

	mu       sync.Mutex
	printers []*ux.Printer
}

func newExecutor(ctx context.Context, cfg config.Config, logger *slog.Logger) (*executor, error) {
	runner, err := newRunner(cfg.Server.Runner)
	if err != nil {
		return nil, err
	}
	pc, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}

	e := &executor{runner: runner, closer: func() error { return nil }}
	popts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithIsolation(cfg.IsolationManager(logger)),
		pool.WithObserver(pool.ObserverFunc(e.onEvent)),
	}

	ws, err := cfg.WorkspaceBackend(logger)
	if err != nil {
		return nil, err
	}
	if ws != nil {
		popts = append(popts, pool.WithWorkspaces(ws))
	}
	store, err := cfg.OpenCheckpointStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		popts = append(popts, pool.WithCheckpoints(store))
		e.closer = store.Close
	}

	p, err := pool.New(pc, popts...)
	if err != nil {
		_ = e.closer()
		return nil, err
	}
	e.pool = p
	return e, nil
}

func (e *executor) observe(p *ux.Printer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.printers = append(e.printers, p)
}

// onEvent serializes printing; the pool emits from worker goroutines.
func (e *executor) onEvent(ev pool.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.printers {
		_ = p.Event(ev)
	}
}

func (e *executor) run(ctx context.Context, g *dag.Graph) (*results.PoolExecutionResult, error) {
	return e.pool.Run(ctx, g, e.runner)
}

func (e *executor) close() error { return e.closer() }
