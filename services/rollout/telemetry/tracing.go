// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up tracing and the Prometheus metrics of the
// rollout controller.
//
// Tracing uses the global OpenTelemetry provider so packages can keep
// calling otel.Tracer lazily. Metrics are derived from the event stream
// by a Recorder rather than by instrumenting each component.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// TracingConfig selects the span exporter.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint enables the OTLP gRPC exporter. Takes precedence over
	// Stdout.
	OTLPEndpoint string

	// Stdout pretty-prints spans to stdout.
	Stdout bool

	// SampleRatio is applied to root spans. Values >= 1 sample everything.
	SampleRatio float64
}

// ShutdownFunc flushes and stops the tracing pipeline.
type ShutdownFunc func(context.Context) error

// InitTracing installs the global tracer provider and propagator.
//
// # Description
//
// With neither exporter configured no provider is installed and spans
// stay no-ops. The returned ShutdownFunc is always non-nil.
//
// # Outputs
//
//   - ShutdownFunc: Flushes pending spans. Call once on exit.
//   - error: Non-nil if the exporter cannot be created.
//
// # Example
//
//	shutdown, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
//	    ServiceName:  "rolloutd",
//	    OTLPEndpoint: "localhost:4317",
//	})
//	if err != nil {
//	    return err
//	}
//	defer shutdown(context.Background())
func InitTracing(ctx context.Context, cfg TracingConfig, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		conn     *grpc.ClientConn
		err      error
	)
	switch {
	case cfg.OTLPEndpoint != "":
		conn, err = grpc.NewClient(cfg.OTLPEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return noop, fmt.Errorf("dial otlp collector: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			_ = conn.Close()
			return noop, fmt.Errorf("create otlp exporter: %w", err)
		}
	case cfg.Stdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(os.Stdout), stdouttrace.WithPrettyPrint())
		if err != nil {
			return noop, fmt.Errorf("create stdout exporter: %w", err)
		}
	default:
		logger.Debug("tracing disabled: no exporter configured")
		return noop, nil
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	logger.Info("tracing enabled",
		slog.String("otlp_endpoint", cfg.OTLPEndpoint),
		slog.Bool("stdout", cfg.OTLPEndpoint == "" && cfg.Stdout))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := tp.Shutdown(ctx)
		if conn != nil {
			err = errors.Join(err, conn.Close())
		}
		return err
	}, nil
}
