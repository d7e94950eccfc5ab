package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"notifyd/pkg/logx"
)

type TracingConfig struct {
	Enabled     bool
	Endpoint    string // host:port of an OTLP/HTTP collector
	Insecure    bool
	SampleRatio float64 // 0 means 1
	ServiceName string
	Version     string
}

// SetupTracing installs a global tracer provider exporting over OTLP/HTTP.
// When tracing is disabled the returned shutdown is a no-op and the global
// no-op provider stays in place.
func SetupTracing(ctx context.Context, cfg TracingConfig, log logx.Logger) (shutdown func(context.Context) error, err error) {
	shutdown = func(context.Context) error { return nil }
	if !cfg.Enabled {
		return shutdown, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(strings.TrimSpace(cfg.Endpoint))}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return shutdown, fmt.Errorf("otlp exporter: %w", err)
	}

	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "notifyd"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", name),
		attribute.String("service.version", cfg.Version),
	)
	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)
	log.Info("tracing enabled", logx.String("endpoint", cfg.Endpoint), logx.String("service", name))
	return tp.Shutdown, nil
}
