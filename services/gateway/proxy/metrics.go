// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for proxy operations.
var (
	tracer = otel.Tracer("lspgate.proxy")
	meter  = otel.Meter("lspgate.proxy")
)

// Metrics for proxy operations.
var (
	forwardLatency metric.Float64Histogram
	forwardTotal   metric.Int64Counter
	cancelTotal    metric.Int64Counter
	gatedTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		forwardLatency, err = meter.Float64Histogram(
			"lspgate_forward_duration_seconds",
			metric.WithDescription("Time from forwarding a request to relaying its reply"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		forwardTotal, err = meter.Int64Counter(
			"lspgate_forward_total",
			metric.WithDescription("Total forwarded requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cancelTotal, err = meter.Int64Counter(
			"lspgate_forward_cancelled_total",
			metric.WithDescription("Total cancellations propagated to a forwarding target"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		gatedTotal, err = meter.Int64Counter(
			"lspgate_gated_total",
			metric.WithDescription("Total requests answered locally because the backend lacks the capability"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startTimer() func() time.Duration {
	start := time.Now()
	return func() time.Duration { return time.Since(start) }
}

func startForwardSpan(ctx context.Context, method, from, to string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Proxy.Forward",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("proxy.from", from),
			attribute.String("proxy.to", to),
		),
	)
}

func endForwardSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// errorCode returns the wire error code of err, or 0.
func errorCode(err error) int64 {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return int64(rpcErr.Code)
	}
	return 0
}

func recordForward(ctx context.Context, method, to string, err error, duration time.Duration) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("to", to),
		attribute.Bool("success", err == nil),
		attribute.Int64("error_code", errorCode(err)),
	)
	forwardLatency.Record(ctx, duration.Seconds(), attrs)
	forwardTotal.Add(ctx, 1, attrs)
}

func recordCancelled(ctx context.Context, method string) {
	if initMetrics() != nil {
		return
	}
	cancelTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func recordGated(ctx context.Context, method string) {
	if initMetrics() != nil {
		return
	}
	gatedTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("method", method)))
}
