// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool runs a leveled task graph under bounded concurrency.
//
// Levels run strictly one after another. Within a level, tasks start in id
// order as concurrency slots free up. Every attempt runs inside its own
// isolation context, created immediately before the body and destroyed
// before the slot is released, under a deadline of the smallest of the pool
// timeout, the task timeout and the policy wall limit.
//
// Task outcomes never surface as errors from Run: a failed, timed out,
// cancelled or skipped task is a TaskResult like any other, and the caller
// always receives a complete PoolExecutionResult.
//
// Thread Safety:
//
//	A Pool is safe for concurrent use. Concurrent runs share the isolation
//	manager, the workspace backend and the active-task registry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/condition"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
	"github.com/AleutianAI/AleutianFlow/services/flow/workspace"
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithIsolation sets the isolation manager. By default each pool owns one.
func WithIsolation(m *isolation.Manager) Option {
	return func(p *Pool) { p.isolation = m }
}

// WithWorkspaces gives every attempt a disposable working directory.
func WithWorkspaces(b workspace.Backend) Option {
	return func(p *Pool) { p.workspaces = b }
}

// WithCheckpoints writes a snapshot after every level and at the end of a run.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(p *Pool) { p.store = s }
}

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// Pool executes graphs.
type Pool struct {
	cfg          Config
	logger       *slog.Logger
	isolation    *isolation.Manager
	workspaces   workspace.Backend
	store        checkpoint.Store
	checkpointer *Checkpointer
	observers    []Observer
	limiter      *rate.Limiter
	active       *activeRegistry
	metrics      poolMetrics
}

// New creates a pool.
//
// Inputs:
//
//	cfg - Pool configuration. Validated and copied.
//	opts - Optional collaborators.
//
// Outputs:
//
//	*Pool - The pool.
//	error - Wraps ErrInvalidConfig when cfg is invalid.
func New(cfg Config, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.DefaultPolicy = cfg.DefaultPolicy.Clone()

	p := &Pool{cfg: cfg, active: newActiveRegistry()}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.isolation == nil {
		p.isolation = isolation.NewManager(nil, p.logger)
	}
	if p.store != nil {
		p.checkpointer = NewCheckpointer(p.store, p.logger)
	}
	if cfg.StartRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.StartRate), 1)
	}
	return p, nil
}

// Config returns the pool configuration.
func (p *Pool) Config() Config {
	c := p.cfg
	c.DefaultPolicy = p.cfg.DefaultPolicy.Clone()
	return c
}

// Isolation returns the isolation manager.
func (p *Pool) Isolation() *isolation.Manager { return p.isolation }

// ActiveTasks returns the attempts running right now, sorted by run and task id.
func (p *Pool) ActiveTasks() []ActiveTask { return p.active.list() }

func (p *Pool) emit(e Event) {
	for _, o := range p.observers {
		o.OnEvent(e)
	}
}

// run is the state of one Run call.
type run struct {
	p      *Pool
	id     string
	graph  *dag.Graph
	runner Runner
	agg    *results.Aggregator
	states *stateTable
	cancel context.CancelCauseFunc

	failFastOnce sync.Once

	mu         sync.Mutex
	selected   map[string]string
	workspaces []string
}

// Run executes g and returns its aggregated result.
//
// Description:
//
//	Walks g level by level. A task whose dependency failed, timed out or
//	was cancelled is recorded Cancelled without running. A task reached
//	only through branches that were not selected is recorded Skipped.
//	With FailFast, the first failure or timeout cancels the run: queued
//	and later tasks become Cancelled and running bodies see their context
//	cancelled. Cancelling ctx has the same effect.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	g - A built graph. Must not be nil.
//	runner - Executes task bodies. Must not be nil.
//
// Outputs:
//
//	*results.PoolExecutionResult - One result per task.
//	error - Only for nil arguments. Task outcomes are never errors.
func (p *Pool) Run(ctx context.Context, g *dag.Graph, runner Runner) (*results.PoolExecutionResult, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if g == nil {
		return nil, ErrNilGraph
	}
	if runner == nil {
		return nil, ErrNilRunner
	}
	p.metrics.init(p.logger)

	r := &run{
		p:        p,
		id:       uuid.NewString()[:12],
		graph:    g,
		runner:   runner,
		agg:      results.NewAggregator(g.TaskCount()),
		states:   newStateTable(g.TaskIDs()),
		selected: make(map[string]string),
	}
	r.agg.SetRunID(r.id)

	ctx, span := tracer.Start(ctx, "flow.Run",
		trace.WithAttributes(
			attribute.String("flow.graph", g.Name()),
			attribute.String("flow.run_id", r.id),
			attribute.Int("flow.task_count", g.TaskCount()),
			attribute.Int("flow.level_count", g.LevelCount()),
			attribute.Int("flow.max_concurrency", p.cfg.MaxConcurrency),
			attribute.Bool("flow.fail_fast", p.cfg.FailFast),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancel = cancel

	start := time.Now()
	p.logger.Info("run started",
		slog.String("run_id", r.id),
		slog.String("graph", g.Name()),
		slog.Int("tasks", g.TaskCount()),
		slog.Int("levels", g.LevelCount()),
		slog.Int("max_concurrency", p.cfg.MaxConcurrency),
	)
	p.emit(Event{Type: EventRunStarted, RunID: r.id, Graph: g.Name(), Level: -1, Time: start})

	// Snapshots are written even after cancellation.
	persistCtx := context.WithoutCancel(ctx)

	levels := g.Levels()
	for i, level := range levels {
		r.runLevel(runCtx, i, level)
		if p.checkpointer != nil {
			if err := p.checkpointer.SaveLevel(persistCtx, r.id, g.Name(), i, len(levels), r.agg.Results()); err != nil {
				p.logger.Warn("level checkpoint failed",
					slog.String("run_id", r.id),
					slog.Int("level", i),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	wall := time.Since(start)
	res := r.agg.Finalize(wall)

	if p.cfg.AutoCleanup && p.workspaces != nil {
		if err := r.destroyWorkspaces(persistCtx); err != nil {
			p.logger.Warn("workspace cleanup failed",
				slog.String("run_id", r.id),
				slog.String("error", err.Error()),
			)
		}
	}
	if p.checkpointer != nil {
		if err := p.checkpointer.SaveFinal(persistCtx, g.Name(), len(levels), res); err != nil {
			p.logger.Warn("final checkpoint failed",
				slog.String("run_id", r.id),
				slog.String("error", err.Error()),
			)
		}
	}

	p.metrics.recordRun(ctx, g.Name(), wall.Seconds())
	span.SetAttributes(
		attribute.Int("flow.success_count", res.SuccessCount),
		attribute.Int("flow.failed_count", res.FailedCount),
		attribute.Int("flow.timeout_count", res.TimeoutCount),
		attribute.Int("flow.cancelled_count", res.CancelledCount),
	)

	if res.Succeeded() {
		span.SetStatus(codes.Ok, "")
		p.logger.Info("run completed",
			slog.String("run_id", r.id),
			slog.Duration("duration", wall),
			slog.Int("succeeded", res.SuccessCount),
			slog.Int("skipped", res.SkippedCount),
		)
	} else {
		span.SetStatus(codes.Error, res.Summary())
		p.logger.Warn("run finished with failures",
			slog.String("run_id", r.id),
			slog.Duration("duration", wall),
			slog.Int("failed", res.FailedCount),
			slog.Int("timed_out", res.TimeoutCount),
			slog.Int("cancelled", res.CancelledCount),
		)
	}
	p.emit(Event{Type: EventRunFinished, RunID: r.id, Graph: g.Name(), Level: -1, Time: time.Now()})
	return res, nil
}

// runLevel runs the tasks of one level and waits for all of them.
func (r *run) runLevel(ctx context.Context, level int, ids []string) {
	r.p.logger.Debug("level started",
		slog.String("run_id", r.id),
		slog.Int("level", level),
		slog.Int("tasks", len(ids)),
	)
	r.p.emit(Event{Type: EventLevelStarted, RunID: r.id, Graph: r.graph.Name(), Level: level, Time: time.Now()})

	sem := semaphore.NewWeighted(int64(r.p.cfg.MaxConcurrency))
	var g errgroup.Group

	for _, id := range ids {
		task, _ := r.graph.Task(id)
		if res, decided := r.preflight(ctx, task); decided {
			r.finish(ctx, level, res)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			r.finish(ctx, level, r.cancelledResult(ctx, id))
			continue
		}
		if r.p.limiter != nil {
			if err := r.p.limiter.Wait(ctx); err != nil {
				sem.Release(1)
				r.finish(ctx, level, r.cancelledResult(ctx, id))
				continue
			}
		}
		if ctx.Err() != nil {
			sem.Release(1)
			r.finish(ctx, level, r.cancelledResult(ctx, id))
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			r.finish(ctx, level, r.execute(ctx, level, task))
			return nil
		})
	}
	_ = g.Wait()

	r.p.emit(Event{Type: EventLevelFinished, RunID: r.id, Graph: r.graph.Name(), Level: level, Time: time.Now()})
}

// preflight decides a task's outcome without running it, when possible.
func (r *run) preflight(ctx context.Context, t dag.Task) (results.TaskResult, bool) {
	if ctx.Err() != nil {
		return r.cancelledResult(ctx, t.ID), true
	}

	deps := r.graph.Dependencies(t.ID)
	live := 0
	for _, dep := range deps {
		res, ok := r.agg.Get(dep)
		if !ok {
			continue
		}
		switch res.Status {
		case results.StatusSuccess:
			if r.deselected(dep, t.ID) {
				continue
			}
			live++
		case results.StatusSkipped:
		default:
			now := time.Now()
			return results.TaskResult{
				TaskID:     t.ID,
				Status:     results.StatusCancelled,
				Err:        fmt.Errorf("%w: %w: %s %s", ErrCancelled, ErrUpstreamFailed, dep, res.Status),
				StartedAt:  now,
				FinishedAt: now,
			}, true
		}
	}
	if len(deps) > 0 && live == 0 {
		now := time.Now()
		return results.TaskResult{
			TaskID:     t.ID,
			Status:     results.StatusSkipped,
			StartedAt:  now,
			FinishedAt: now,
		}, true
	}
	return results.TaskResult{}, false
}

// deselected reports whether the edge dep -> id is a branch that dep did not take.
func (r *run) deselected(dep, id string) bool {
	r.mu.Lock()
	chosen, ok := r.selected[dep]
	r.mu.Unlock()
	if !ok || chosen == id {
		return false
	}
	for _, b := range r.graph.OutgoingBranches(dep) {
		if b.Target == id {
			return true
		}
	}
	return false
}

func (r *run) cancelledResult(ctx context.Context, id string) results.TaskResult {
	now := time.Now()
	err := ErrCancelled
	if cause := context.Cause(ctx); cause != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return results.TaskResult{
		TaskID:     id,
		Status:     results.StatusCancelled,
		Err:        err,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// execute runs t with its retry budget and returns the final attempt.
func (r *run) execute(ctx context.Context, level int, t dag.Task) results.TaskResult {
	var final results.TaskResult
	attempts := 0

	backoff := retry.WithMaxRetries(uint64(t.MaxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		return r.p.cfg.RetryBackoff, false
	}))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			if err := r.states.transition(t.ID, StatePending); err != nil {
				r.p.logger.Warn("task state", slog.String("error", err.Error()))
			}
			r.p.logger.Info("task retrying",
				slog.String("run_id", r.id),
				slog.String("task_id", t.ID),
				slog.Int("attempt", attempts),
				slog.Int("max_retries", t.MaxRetries),
			)
		}
		final = r.attempt(ctx, level, t, attempts)
		if final.Status == results.StatusFailed {
			return retry.RetryableError(final.Err)
		}
		return nil
	})

	if attempts == 0 {
		return r.cancelledResult(ctx, t.ID)
	}
	return final
}

// attempt runs one attempt of t inside a fresh isolation context.
func (r *run) attempt(ctx context.Context, level int, t dag.Task, n int) results.TaskResult {
	policy := r.p.cfg.policyFor(t)
	timeout := r.p.cfg.timeoutFor(t, policy)

	ctx, span := tracer.Start(ctx, "flow.Task",
		trace.WithAttributes(
			attribute.String("flow.task_id", t.ID),
			attribute.String("flow.kind", string(t.EffectiveKind())),
			attribute.Int("flow.attempt", n),
			attribute.Int("flow.level", level),
			attribute.String("flow.run_id", r.id),
		),
	)
	defer span.End()

	res := results.TaskResult{TaskID: t.ID, Attempt: n, StartedAt: time.Now()}
	if err := r.states.transition(t.ID, StateRunning); err != nil {
		r.p.logger.Warn("task state", slog.String("error", err.Error()))
	}

	var ws workspace.Workspace
	if r.p.workspaces != nil {
		w, err := r.p.workspaces.Create(ctx, t.ID)
		if err != nil {
			if ctx.Err() != nil {
				return r.endAttempt(ctx, span, level, res, nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx)), results.StatusCancelled)
			}
			return r.endAttempt(ctx, span, level, res, nil, fmt.Errorf("create workspace: %w", err), results.StatusFailed)
		}
		ws = w
		r.mu.Lock()
		r.workspaces = append(r.workspaces, w.ID)
		r.mu.Unlock()
	}

	ictx, err := r.p.isolation.Create(t.ID, policy, isolation.WithWorkspace(ws.Path))
	if err != nil {
		r.setWorkspaceStatus(ctx, ws, results.StatusFailed)
		return r.endAttempt(ctx, span, level, res, nil, err, results.StatusFailed)
	}
	defer r.p.isolation.Destroy(ictx)
	res.ContextID = ictx.ID()

	r.p.active.add(ActiveTask{RunID: r.id, TaskID: t.ID, ContextID: ictx.ID(), Attempt: n, StartedAt: res.StartedAt})
	defer r.p.active.remove(r.id, t.ID)
	r.p.metrics.addActive(ctx, 1)
	defer r.p.metrics.addActive(ctx, -1)

	r.p.logger.Debug("task starting",
		slog.String("run_id", r.id),
		slog.String("task_id", t.ID),
		slog.String("context_id", ictx.ID()),
		slog.Int("attempt", n),
		slog.Duration("timeout", timeout),
	)
	r.p.emit(Event{
		Type: EventTaskStarted, RunID: r.id, Level: level, TaskID: t.ID,
		ContextID: ictx.ID(), Attempt: n, Time: res.StartedAt,
	})

	bodyCtx := withAttempt(ctx, AttemptInfo{RunID: r.id, TaskID: t.ID, Attempt: n})
	out, err := r.invoke(bodyCtx, timeout, t, ictx)
	status := r.classify(ctx, err)
	switch status {
	case results.StatusTimeout:
		err = fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
	case results.StatusCancelled:
		err = fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	}

	if status == results.StatusSuccess && t.EffectiveKind() == dag.KindConditional {
		r.selectBranch(t.ID, out)
	}
	r.setWorkspaceStatus(ctx, ws, status)
	return r.endAttempt(ctx, span, level, res, out, err, status)
}

// invoke runs the body under the attempt deadline. A body that ignores its
// context is abandoned when the deadline passes.
func (r *run) invoke(ctx context.Context, timeout time.Duration, t dag.Task, ictx *isolation.Context) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrTaskPanicked, v)}
			}
		}()
		out, err := r.dispatch(t)(tctx, t, ictx)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-tctx.Done():
		select {
		case o := <-done:
			return o.out, o.err
		default:
		}
		return nil, tctx.Err()
	}
}

// dispatch returns the body for t's kind.
func (r *run) dispatch(t dag.Task) RunnerFunc {
	switch t.EffectiveKind() {
	case dag.KindTask, dag.KindConditional:
		return r.runner.Run
	case dag.KindParallelSplit:
		return func(context.Context, dag.Task, *isolation.Context) (any, error) {
			return nil, nil
		}
	case dag.KindParallelJoin:
		return func(context.Context, dag.Task, *isolation.Context) (any, error) {
			merged := make(map[string]any)
			for _, dep := range r.graph.Dependencies(t.ID) {
				if res, ok := r.agg.Get(dep); ok && res.Status == results.StatusSuccess {
					merged[dep] = res.Output
				}
			}
			return merged, nil
		}
	default:
		return func(context.Context, dag.Task, *isolation.Context) (any, error) {
			return nil, fmt.Errorf("unknown node kind %q", t.Kind)
		}
	}
}

// destroyWorkspaces destroys the workspaces created by this run only.
// Workspaces of other runs sharing the backend are left alone.
func (r *run) destroyWorkspaces(ctx context.Context) error {
	r.mu.Lock()
	ids := r.workspaces
	r.workspaces = nil
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.p.workspaces.Destroy(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		r.p.logger.Info("run workspaces destroyed",
			slog.String("run_id", r.id),
			slog.Int("count", len(ids)),
		)
	}
	return errors.Join(errs...)
}

// classify maps a body error to a status. ctx is the run context.
func (r *run) classify(ctx context.Context, err error) results.Status {
	switch {
	case err == nil:
		return results.StatusSuccess
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return results.StatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return results.StatusTimeout
	default:
		return results.StatusFailed
	}
}

func (r *run) selectBranch(id string, output any) {
	b, ok := condition.SelectBranch(r.graph.OutgoingBranches(id), output)
	if !ok {
		return
	}
	r.mu.Lock()
	r.selected[id] = b.Target
	r.mu.Unlock()
	r.p.logger.Debug("branch selected",
		slog.String("run_id", r.id),
		slog.String("task_id", id),
		slog.String("target", b.Target),
		slog.String("condition", b.When.String()),
	)
}

func (r *run) setWorkspaceStatus(ctx context.Context, ws workspace.Workspace, s results.Status) {
	if ws.ID == "" {
		return
	}
	var status workspace.Status
	switch s {
	case results.StatusSuccess:
		status = workspace.StatusSucceeded
	case results.StatusTimeout:
		status = workspace.StatusTimedOut
	case results.StatusCancelled:
		status = workspace.StatusCancelled
	default:
		status = workspace.StatusFailed
	}
	if err := r.p.workspaces.SetStatus(context.WithoutCancel(ctx), ws.ID, status); err != nil {
		r.p.logger.Warn("workspace status update failed",
			slog.String("workspace_id", ws.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *run) endAttempt(
	ctx context.Context,
	span trace.Span,
	level int,
	res results.TaskResult,
	out any,
	err error,
	status results.Status,
) results.TaskResult {
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Status = status
	res.Err = err
	if status == results.StatusSuccess {
		res.Output = out
		span.SetStatus(codes.Ok, "")
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.p.metrics.recordAttempt(ctx, r.graph.Name(), res)
	r.p.emit(taskEvent(EventTaskAttempt, r.id, level, res))
	return res
}

// finish records a final result and applies the fail-fast policy.
func (r *run) finish(ctx context.Context, level int, res results.TaskResult) {
	r.agg.Add(res)
	if err := r.states.transition(res.TaskID, stateFor(res.Status)); err != nil {
		r.p.logger.Warn("task state", slog.String("error", err.Error()))
	}
	r.p.metrics.recordFinal(ctx, r.graph.Name(), res)
	r.p.emit(taskEvent(EventTaskFinished, r.id, level, res))

	attrs := []any{
		slog.String("run_id", r.id),
		slog.String("task_id", res.TaskID),
		slog.String("status", string(res.Status)),
		slog.Int("attempt", res.Attempt),
		slog.Duration("duration", res.Duration),
	}
	switch res.Status {
	case results.StatusSuccess:
		r.p.logger.Info("task completed", attrs...)
	case results.StatusSkipped:
		r.p.logger.Debug("task skipped", attrs...)
	case results.StatusCancelled:
		r.p.logger.Debug("task cancelled", append(attrs, slog.String("error", res.ErrorString()))...)
	default:
		r.p.logger.Error("task failed", append(attrs, slog.String("error", res.ErrorString()))...)
	}

	if r.p.cfg.FailFast && res.Status.IsFailure() {
		r.failFastOnce.Do(func() {
			r.p.logger.Warn("fail-fast triggered",
				slog.String("run_id", r.id),
				slog.String("task_id", res.TaskID),
				slog.String("status", string(res.Status)),
			)
			r.cancel(fmt.Errorf("fail-fast after task %s %s", res.TaskID, res.Status))
		})
	}
}
