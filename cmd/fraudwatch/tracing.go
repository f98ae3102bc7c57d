package main

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// setupTracing installs an SDK tracer provider so spans carry real trace
// ids. With tracing disabled the global no-op provider stays in place.
func setupTracing(cfg domain.TracingConfig, version string) func() {
	if !cfg.Enabled {
		return func() {}
	}

	name := cfg.ServiceName
	if name == "" {
		name = "fraudwatch"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", version),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	slog.Info("tracing enabled", "service", name)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("tracer provider shutdown failed", "error", err)
		}
	}
}
