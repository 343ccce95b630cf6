package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures distributed tracing. An empty Endpoint leaves
// tracing as a no-op.
type TraceConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is the OTLP gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the recorded trace fraction, defaulting to 1.0.
	SamplingRate float64

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// Tracer wraps an OpenTelemetry tracer for analysis-run spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer and a shutdown function that flushes
// pending spans. Exporter setup failures degrade to a no-op tracer
// rather than failing startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "marketmind"
	}
	noop := func(context.Context) error { return nil }

	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0 || config.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{provider: provider, tracer: provider.Tracer(config.ServiceName)}
	return t, provider.Shutdown
}

// Start opens a span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRun opens the root span for one analysis run.
func (t *Tracer) StartRun(ctx context.Context, chatID, sessionID, ticker string) (context.Context, trace.Span) {
	return t.Start(ctx, "analysis_run",
		attribute.String("chat.id", chatID),
		attribute.String("session.id", sessionID),
		attribute.String("ticker", ticker),
	)
}

// StartToolCall opens a span for a single tool invocation.
func (t *Tracer) StartToolCall(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool_call",
		attribute.String("tool.name", tool),
		attribute.String("tool.call_id", callID),
	)
}

// RecordError marks the span failed with err.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
