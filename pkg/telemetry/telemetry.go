package telemetry

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type Telemetry struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

type Config struct {
	Enabled      bool
	Endpoint     string
	Insecure     bool
	ServiceName  string
	SamplingRate float64
}

func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return NewNop(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", "1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		tracer:   provider.Tracer(cfg.ServiceName),
		provider: provider,
	}, nil
}

// NewWithProvider wraps an existing provider, e.g. one backed by a span
// recorder in tests.
func NewWithProvider(provider *sdktrace.TracerProvider, name string) *Telemetry {
	return &Telemetry{
		tracer:   provider.Tracer(name),
		provider: provider,
	}
}

// NewNop creates a no-op telemetry instance
func NewNop() *Telemetry {
	return &Telemetry{
		tracer: noop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *Telemetry) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}

func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// StartSpan starts a new span
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HTTPMiddleware creates a Gin middleware for tracing
func (t *Telemetry) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		ctx, span := t.tracer.Start(ctx, spanName,
			trace.WithAttributes(
				attribute.String("http.request.method", c.Request.Method),
				attribute.String("url.path", c.Request.URL.Path),
				attribute.String("user_agent.original", c.Request.UserAgent()),
			),
			trace.WithSpanKind(trace.SpanKindServer),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.response.status_code", c.Writer.Status()))
		if c.Writer.Status() >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", c.Writer.Status()))
		}
	}
}

func FlowIDAttribute(flowID string) attribute.KeyValue {
	return attribute.String("flow.id", flowID)
}

func RunIDAttribute(runID string) attribute.KeyValue {
	return attribute.String("flow.run_id", runID)
}

func CorrelationIDAttribute(correlationID string) attribute.KeyValue {
	return attribute.String("message.correlation_id", correlationID)
}

func NodeIDAttribute(nodeID string) attribute.KeyValue {
	return attribute.String("node.id", nodeID)
}

func NodeTypeAttribute(nodeType string) attribute.KeyValue {
	return attribute.String("node.type", nodeType)
}

func StatusAttribute(status string) attribute.KeyValue {
	return attribute.String("status", status)
}
