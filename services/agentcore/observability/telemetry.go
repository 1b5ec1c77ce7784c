// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides tracing and metrics for the agent core.
//
// # Description
//
// Tracing uses OpenTelemetry. Init installs a global TracerProvider backed
// by either the stdout exporter (local debugging) or OTLP over gRPC. When
// tracing is disabled, the otel no-op provider stays in place and StartSpan
// is effectively free.
//
// Metrics use Prometheus. A Metrics value is registered against a caller
// supplied registry so tests can use a private prometheus.NewRegistry().
// All Metrics methods are nil-safe, so components accept an optional
// *Metrics without guarding every call site.
//
// # Thread Safety
//
// All exported functions are safe for concurrent use. Init should be called
// once at startup.
package observability

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	// ErrNilContext is returned when Init receives a nil context.
	ErrNilContext = errors.New("nil context")

	// ErrUnknownExporter is returned for an unsupported trace exporter name.
	ErrUnknownExporter = errors.New("unknown trace exporter")
)

// Config configures tracing.
type Config struct {
	// ServiceName is reported as service.name.
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// TraceExporter is one of "none", "stdout" or "otlp".
	TraceExporter string

	// OTLPEndpoint is the collector address for the otlp exporter.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the otlp exporter.
	OTLPInsecure bool
}

// DefaultConfig returns tracing configuration read from the environment.
//
// Environment:
//
//	OTEL_SERVICE_NAME            - defaults to "agentcore"
//	AGENTCORE_TRACE_EXPORTER     - defaults to "none"
//	OTEL_EXPORTER_OTLP_ENDPOINT  - defaults to "localhost:4317"
func DefaultConfig() Config {
	return Config{
		ServiceName:    getEnvOr("OTEL_SERVICE_NAME", "agentcore"),
		ServiceVersion: getEnvOr("AGENTCORE_VERSION", "dev"),
		TraceExporter:  getEnvOr("AGENTCORE_TRACE_EXPORTER", "none"),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   getEnvOr("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
	}
}

// Init installs the global tracer provider described by cfg.
//
// Outputs:
//
//	shutdown - Flushes and stops the provider. Always non-nil on success.
//	err - ErrNilContext, ErrUnknownExporter, or an exporter construction error.
//
// Thread Safety: Call once at application startup.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	noop := func(context.Context) error { return nil }
	if cfg.TraceExporter == "" || cfg.TraceExporter == "none" {
		return noop, nil
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	tp, err := initTracer(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)

	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
