package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "perpetuo-gateway"

var tracer trace.Tracer

// Init installs an OTLP/gRPC tracer provider. With no endpoint it leaves the
// global no-op provider in place and returns a no-op shutdown.
func Init(ctx context.Context, serviceName, otlpEndpoint, version string) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		tracer = otel.Tracer(serviceName)
		slog.Info("tracing disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	SetTracerProvider(tp, serviceName)

	slog.Info("tracing initialized", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// SetTracerProvider installs tp globally with W3C propagation.
func SetTracerProvider(tp trace.TracerProvider, serviceName string) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	tracer = tp.Tracer(serviceName)
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(ServiceName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, tenantID, requestID, routeKey, model string) {
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("request.id", requestID),
		attribute.String("route.key", routeKey),
		attribute.String("model.requested", model),
	)
}

func AddRoutingAttributes(span trace.Span, strategy, source string, chainLength int) {
	span.SetAttributes(
		attribute.String("routing.strategy", strategy),
		attribute.String("routing.strategy_source", source),
		attribute.Int("routing.chain_length", chainLength),
	)
}

func AddAttemptAttributes(span trace.Span, provider, model string, attempt int) {
	span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	)
}

func AddUsageAttributes(span trace.Span, inputTokens, outputTokens int, costUSD float64) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Int("tokens.total", inputTokens+outputTokens),
		attribute.Float64("cost.usd", costUSD),
	)
}

// RecordFailure marks the span failed with the classified reason.
func RecordFailure(span trace.Span, err error, reason string) {
	if reason != "" {
		span.SetAttributes(attribute.String("error.reason", reason))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
