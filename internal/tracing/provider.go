// Package tracing sets up the OpenTelemetry tracer provider that the loop
// reports its run, iteration, inference and dispatch spans to.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer the loop uses.
const InstrumentationName = "github.com/ocx/agentloop/internal/loop"

var ErrNoEndpoint = errors.New("tracing: OTLP endpoint is required")

// Config configures the OTLP exporter.
type Config struct {
	Enabled     bool
	Endpoint    string            // e.g. "localhost:4317"
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local collectors
	ServiceName string            // default "agentloop"
	SampleRate  float64           // 0 < rate <= 1; 0 means always sample
	Headers     map[string]string // extra exporter headers
}

// Provider owns the tracer provider. A disabled Provider hands out no-op
// tracers and shuts down instantly.
type Provider struct {
	tp  trace.TracerProvider
	sdk *sdktrace.TracerProvider
}

// Setup builds a provider from cfg. When cfg is disabled the returned
// provider is a no-op and no exporter is created.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentloop"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	)
	slog.Info("otel tracing enabled", "endpoint", cfg.Endpoint, "protocol", protocol(cfg), "service", serviceName)
	return &Provider{tp: tp, sdk: tp}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch protocol(cfg) {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptracehttp.New(ctx, opts...)
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Protocol)
	}
}

func protocol(cfg Config) string {
	if cfg.Protocol == "" {
		return "grpc"
	}
	return cfg.Protocol
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer returns the loop's tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider().Tracer(InstrumentationName)
}

func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return noop.NewTracerProvider()
	}
	return p.tp
}

// Enabled reports whether spans are exported.
func (p *Provider) Enabled() bool { return p != nil && p.sdk != nil }

// InstallGlobal registers the provider with otel so library code that uses
// otel.Tracer picks it up.
func (p *Provider) InstallGlobal() {
	if p == nil {
		return
	}
	otel.SetTracerProvider(p.TracerProvider())
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	slog.Info("otel tracer provider shutting down")
	return p.sdk.Shutdown(ctx)
}
