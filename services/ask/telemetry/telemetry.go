// Copyright (C) 2026 Helix ML (oss@helixml.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package telemetry bootstraps OpenTelemetry tracing for the service and
// defines the Prometheus metrics the pipeline records.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the shared tracer name for all pipeline spans.
const TracerName = "helix.ask"

// SpanTraceID returns the active span's trace ID, or "" when no span is
// recording in ctx.
func SpanTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// InitTracing installs a global tracer provider and the W3C propagators.
//
// Description:
//
//	With exportSpans set, spans go to a stdout exporter in batches; this
//	is the local-deployment default, where an OTLP collector is rarely
//	present. Without it, only context propagation is configured.
//
// Outputs:
//   - func(context.Context) error: Shutdown, flushes pending spans.
//   - error: Exporter construction failure.
func InitTracing(exportSpans bool) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !exportSpans {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
