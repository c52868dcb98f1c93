// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry initializes OpenTelemetry tracing and metrics for the
// gateway.
//
// Components use otel.Tracer and otel.Meter directly; this package only
// installs the providers and exporters behind them. The gateway speaks the
// protocol on stdout, so the stdout exporters write to stderr.
//
// # Environment Variables
//
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: prometheus)
//   - LSPGATE_ENV: environment name (default: development)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext indicates Init was called with a nil context.
	ErrNilContext = errors.New("context must not be nil")

	// ErrUnknownExporter indicates an unsupported exporter name.
	ErrUnknownExporter = errors.New("unknown exporter")
)

// ExporterNone disables a signal.
const ExporterNone = "none"

// Config controls telemetry behavior.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	Environment    string `yaml:"environment"`

	// TraceExporter is one of otlp, stdout or none.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`

	// MetricExporter is one of prometheus, stdout or none.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// OTLPEndpoint is host:port of the OTLP gRPC receiver.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the defaults, overlaid with the OTEL_* and
// LSPGATE_ENV variables.
func DefaultConfig() Config {
	env := func(key, fallback string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return fallback
	}
	return Config{
		ServiceName:    "lspgate",
		ServiceVersion: "0.1.0",
		Environment:    env("LSPGATE_ENV", "development"),
		TraceExporter:  env("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: env("OTEL_METRICS_EXPORTER", "prometheus"),
		OTLPEndpoint:   env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// =============================================================================
// EXPORTERS
// =============================================================================

type spanExporterFunc func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error)

type metricReaderFunc func(cfg Config) (sdkmetric.Reader, error)

// spanExporters builds trace exporters by name. The stdout exporter writes
// to stderr.
var spanExporters = map[string]spanExporterFunc{
	"otlp": func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	},
	"stdout": func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	},
}

// metricReaders builds metric readers by name. The prometheus reader also
// publishes its registry through MetricsHandler.
var metricReaders = map[string]metricReaderFunc{
	"prometheus": func(Config) (sdkmetric.Reader, error) {
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		setMetricsHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		return exporter, nil
	},
	"stdout": func(Config) (sdkmetric.Reader, error) {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stderr))
		if err != nil {
			return nil, err
		}
		return sdkmetric.NewPeriodicReader(exporter), nil
	},
}

func unknownExporter(kind, name string, known []string) error {
	sort.Strings(known)
	return fmt.Errorf("%w: %s exporter %q (want one of %v or %s)", ErrUnknownExporter, kind, name, known, ExporterNone)
}

// =============================================================================
// INIT
// =============================================================================

// Init installs the global tracer and meter providers.
//
// Description:
//
//	Builds the exporters named in cfg and registers providers for them
//	with otel. A signal whose exporter is "none" keeps the no-op global
//	provider. After Init, otel.Tracer and otel.Meter use the new providers.
//
// Inputs:
//
//	ctx - Context for exporter connections.
//	cfg - Telemetry configuration.
//
// Outputs:
//
//	shutdown - Flushes and stops every installed provider. Must be called.
//	error - ErrNilContext, ErrUnknownExporter, or an exporter error. On
//	        error nothing is left installed.
//
// Example:
//
//	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	var tp *sdktrace.TracerProvider
	if cfg.TraceExporter != ExporterNone {
		build, ok := spanExporters[cfg.TraceExporter]
		if !ok {
			return nil, unknownExporter("trace", cfg.TraceExporter, keys(spanExporters))
		}
		exporter, err := build(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create %s trace exporter: %w", cfg.TraceExporter, err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	}

	var mp *sdkmetric.MeterProvider
	if cfg.MetricExporter != ExporterNone {
		build, ok := metricReaders[cfg.MetricExporter]
		if !ok {
			err := unknownExporter("metric", cfg.MetricExporter, keys(metricReaders))
			return nil, errors.Join(err, shutdownAll(ctx, tp, nil))
		}
		reader, err := build(cfg)
		if err != nil {
			err = fmt.Errorf("create %s metric exporter: %w", cfg.MetricExporter, err)
			return nil, errors.Join(err, shutdownAll(ctx, tp, nil))
		}
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	}

	if tp != nil {
		otel.SetTracerProvider(tp)
	}
	if mp != nil {
		otel.SetMeterProvider(mp)
	}
	return func(ctx context.Context) error { return shutdownAll(ctx, tp, mp) }, nil
}

// shutdownAll stops whichever providers are non-nil.
func shutdownAll(ctx context.Context, tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	var errs []error
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider: %w", err))
		}
	}
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// =============================================================================
// PROMETHEUS
// =============================================================================

var (
	metricsMu      sync.RWMutex
	metricsHandler http.Handler
)

func setMetricsHandler(h http.Handler) {
	metricsMu.Lock()
	metricsHandler = h
	metricsMu.Unlock()
}

// MetricsHandler returns the /metrics handler, or nil when the prometheus
// exporter is not enabled.
//
// Thread Safety: Safe for concurrent use.
func MetricsHandler() http.Handler {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metricsHandler
}
