package monitor

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "ctf-arena"

// Tracer wraps OpenTelemetry tracing for the arena.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span named "ctf.<name>" and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "ctf."+name, trace.WithAttributes(attrs...))
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NewSampler samples a fraction of root spans and follows the parent otherwise.
// Rates at or above 1 sample everything; rates at or below 0 sample nothing.
func NewSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

type errorHandler struct{}

func (errorHandler) Handle(err error) {
	log.Warn().Str("component", "tracing").Err(err).Msg("trace export error")
}

// InitTracing installs a global TracerProvider that batches spans to an OTLP
// gRPC collector at endpoint. An empty endpoint defers to the OTEL_EXPORTER_OTLP_*
// environment. The returned func flushes and shuts the provider down.
func InitTracing(ctx context.Context, endpoint string, sampleRate float64) (func(context.Context) error, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
	if endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(NewSampler(sampleRate)),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", tracerName))),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(errorHandler{})
	return provider.Shutdown, nil
}

var (
	AttrGameID       = attribute.Key("ctf.game.id")
	AttrOwnerID      = attribute.Key("ctf.owner.id")
	AttrChallengeID  = attribute.Key("ctf.challenge.id")
	AttrSubmissionID = attribute.Key("ctf.submission.id")
	AttrInstanceID   = attribute.Key("ctf.instance.id")
	AttrVerdict      = attribute.Key("ctf.verdict")
	AttrBackend      = attribute.Key("ctf.backend")
)
