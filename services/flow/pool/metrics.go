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
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

var (
	tracer = otel.Tracer("aleutian.flow.pool")
	meter  = otel.Meter("aleutian.flow.pool")
)

// poolMetrics holds the pool instruments. A nil instrument is skipped.
type poolMetrics struct {
	once        sync.Once
	taskLatency metric.Float64Histogram
	taskTotal   metric.Int64Counter
	activeTasks metric.Int64UpDownCounter
	runLatency  metric.Float64Histogram
}

// init lazily creates the instruments. Failures degrade observability only.
func (m *poolMetrics) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string

		var err error
		m.taskLatency, err = meter.Float64Histogram("flow_task_duration_seconds",
			metric.WithDescription("Time spent in each task attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_latency: "+err.Error())
		}

		m.taskTotal, err = meter.Int64Counter("flow_task_total",
			metric.WithDescription("Final task outcomes by status"),
		)
		if err != nil {
			initErrors = append(initErrors, "task_total: "+err.Error())
		}

		m.activeTasks, err = meter.Int64UpDownCounter("flow_active_tasks",
			metric.WithDescription("Number of task attempts currently running"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_tasks: "+err.Error())
		}

		m.runLatency, err = meter.Float64Histogram("flow_run_duration_seconds",
			metric.WithDescription("Wall time of a whole run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "run_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some pool metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *poolMetrics) recordAttempt(ctx context.Context, graph string, r results.TaskResult) {
	if m.taskLatency != nil {
		m.taskLatency.Record(ctx, r.Duration.Seconds(),
			metric.WithAttributes(
				attribute.String("graph", graph),
				attribute.String("status", string(r.Status)),
			),
		)
	}
}

func (m *poolMetrics) recordFinal(ctx context.Context, graph string, r results.TaskResult) {
	if m.taskTotal != nil {
		m.taskTotal.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("graph", graph),
				attribute.String("status", string(r.Status)),
			),
		)
	}
}

func (m *poolMetrics) addActive(ctx context.Context, delta int64) {
	if m.activeTasks != nil {
		m.activeTasks.Add(ctx, delta)
	}
}

func (m *poolMetrics) recordRun(ctx context.Context, graph string, seconds float64) {
	if m.runLatency != nil {
		m.runLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("graph", graph)))
	}
}
