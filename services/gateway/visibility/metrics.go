// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package visibility

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lspgate/services/gateway/buildgraph"
)

// Package-level tracer and meter for visibility runs.
var (
	tracer = otel.Tracer("lspgate.visibility")
	meter  = otel.Meter("lspgate.visibility")
)

var (
	runLatency   metric.Float64Histogram
	runTotal     metric.Int64Counter
	pathsChanged metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runLatency, err = meter.Float64Histogram(
			"lspgate_visibility_run_duration_seconds",
			metric.WithDescription("Duration of scheme-change visibility runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"lspgate_visibility_runs_total",
			metric.WithDescription("Total visibility runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		pathsChanged, err = meter.Int64Counter(
			"lspgate_visibility_paths_total",
			metric.WithDescription("Unit output paths added to or removed from the index"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, seq uint64, scheme buildgraph.Scheme) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Tracker.run",
		trace.WithAttributes(
			attribute.Int64("visibility.seq", int64(seq)),
			attribute.String("visibility.scheme", scheme.Identifier),
			attribute.Int("visibility.roots", len(scheme.Targets)),
		),
	)
}

func setRunSpanResult(span trace.Span, r RunResult) {
	span.SetAttributes(
		attribute.Bool("visibility.committed", r.Committed),
		attribute.Int("visibility.targets", len(r.Targets)),
		attribute.Int("visibility.added", len(r.Added)),
		attribute.Int("visibility.removed", len(r.Removed)),
	)
	if r.QueryErr != nil {
		span.RecordError(r.QueryErr)
	}
}

func recordRun(ctx context.Context, r RunResult, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	// The run context may be done; metrics are still recorded.
	ctx = context.WithoutCancel(ctx)

	attrs := metric.WithAttributes(
		attribute.Bool("committed", r.Committed),
		attribute.Bool("query_failed", r.QueryErr != nil),
	)
	runLatency.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)

	if r.Committed {
		pathsChanged.Add(ctx, int64(len(r.Added)), metric.WithAttributes(attribute.String("op", "add")))
		pathsChanged.Add(ctx, int64(len(r.Removed)), metric.WithAttributes(attribute.String("op", "remove")))
	}
}
