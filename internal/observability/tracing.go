package observability

import (
	"context"
	"fmt"

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

// TraceConfig configures span export.
type TraceConfig struct {
	// ServiceName identifies the service in exported spans. Defaults to "nexus3".
	ServiceName string `yaml:"service_name" json:"service_name"`

	// ServiceVersion is attached as a resource attribute.
	ServiceVersion string `yaml:"service_version" json:"service_version"`

	// Environment (e.g. "production") is attached as a resource attribute.
	Environment string `yaml:"environment" json:"environment"`

	// Endpoint is the OTLP gRPC collector address (host:port). When empty,
	// tracing is a no-op.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// SamplingRate in [0,1]. Zero means sample everything.
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `yaml:"insecure" json:"insecure"`
}

// Tracer wraps an OpenTelemetry tracer with span helpers for the runtime's
// hot paths. The zero value is unusable; construct with NewTracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TraceConfig
}

// NewTracer creates a tracer and returns it with a shutdown function that
// flushes pending spans.
//
// If config.Endpoint is empty, or the exporter cannot be constructed, the
// returned tracer produces no-op spans and the shutdown function does nothing.
func NewTracer(ctx context.Context, config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "nexus3"
	}
	if config.Endpoint == "" {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}
	if config.SamplingRate == 0 {
		config.SamplingRate = 1.0
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{
			tracer: otel.Tracer(config.ServiceName),
			config: config,
		}, func(context.Context) error { return nil }
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	if config.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(config.Environment))
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case config.SamplingRate <= 0.0:
		sampler = sdktrace.NeverSample()
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

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
		config:   config,
	}, provider.Shutdown
}

// Start creates a span. The caller must call span.End().
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	if len(attrs) > 0 {
		return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name)
}

// RecordError records err on the span and marks the span as failed.
func (t *Tracer) RecordError(span trace.Span, err error) {
	if err == nil || span == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartTurn creates a span covering one conversation turn.
func (t *Tracer) StartTurn(ctx context.Context, agentID string, iteration int) (context.Context, trace.Span) {
	return t.Start(ctx, "session.turn",
		attribute.String("agent.id", agentID),
		attribute.Int("turn.iteration", iteration),
	)
}

// StartLLMRequest creates a span covering one provider request.
func (t *Tracer) StartLLMRequest(ctx context.Context, provider, model string) (context.Context, trace.Span) {
	ctx, span := t.Start(ctx, fmt.Sprintf("provider.%s", provider),
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
	)
	span.SetAttributes(attribute.String("span.kind", "client"))
	return ctx, span
}

// StartToolExecution creates a span covering one tool execution.
func (t *Tracer) StartToolExecution(ctx context.Context, toolName string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute",
		attribute.String("tool.name", toolName),
	)
}
