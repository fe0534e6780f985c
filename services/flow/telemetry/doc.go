// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up OpenTelemetry tracing and metrics for the flow
// engine.
//
// The engine packages use otel.Tracer and otel.Meter directly. Until Init
// runs those are no-ops, so libraries and tests need no setup at all.
//
// # Trace Backend (default: OTLP over gRPC)
//
// Spans are exported with otlptracegrpc to any OTLP receiver (Jaeger,
// Tempo, a collector). "stdout" pretty-prints spans for local debugging.
//
// # Metrics Backend (default: Prometheus)
//
// Metrics are collected in a dedicated Prometheus registry and served by
// MetricsHandler. "stdout" periodically prints them instead.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - FLOW_ENV: environment name (default: development)
package telemetry
