package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupRequiresEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestSetupRejectsUnknownProtocol(t *testing.T) {
	_, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol")
}

func TestSetupHTTPExporter(t *testing.T) {
	p, err := Setup(context.Background(), Config{Enabled: true, Endpoint: "localhost:4318", Protocol: "http", Insecure: true})
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider
	assert.False(t, p.Enabled())
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
	p.InstallGlobal()
}

func TestSamplerRatio(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec), sdktrace.WithSampler(sampler(0)))
	_, span := tp.Tracer("t").Start(context.Background(), "always")
	span.End()
	assert.Len(t, rec.Ended(), 1)

	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
