package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "code-sandbox"

// Tracer wraps OpenTelemetry tracing for the sandbox system.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", name),
		trace.WithAttributes(attrs...),
	)
	return ctx, span
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// SpanFromContext returns the current span from the context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// Common attribute keys for sandbox tracing.
var (
	AttrSubmissionID = attribute.Key("sandbox.submission.id")
	AttrCodeHash     = attribute.Key("sandbox.code_hash")
	AttrVerdict      = attribute.Key("sandbox.verdict")
	AttrNetworkMode  = attribute.Key("sandbox.network.mode")
	AttrBackend      = attribute.Key("sandbox.backend")
	AttrOutcome      = attribute.Key("sandbox.outcome")
	AttrLimit        = attribute.Key("sandbox.limit")
	AttrExitStatus   = attribute.Key("sandbox.exit_status")
	AttrDurationMS   = attribute.Key("sandbox.duration_ms")
)
