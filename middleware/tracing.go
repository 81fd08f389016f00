package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/haul/timer"
)

// tracerName is the instrumentation scope name for haul tracing.
const tracerName = "github.com/xraph/haul"

// Tracing wraps each timer run in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer wraps each timer run in a span from tracer. Spans
// carry haul.timer.key, haul.timer.kind, haul.timer.attempt and, for
// request timers, haul.request_id. Failed runs get codes.Error and an
// haul.timer.outcome of "error" or "timeout".
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, e *timer.Entry, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("haul.timer.key", e.Key),
			attribute.String("haul.timer.kind", string(e.Kind)),
			attribute.Int("haul.timer.attempt", e.Attempt),
		}
		if rid := timer.RequestID(e.Key); rid != "" {
			attrs = append(attrs, attribute.String("haul.request_id", rid))
		}
		ctx, span := tracer.Start(ctx, "haul.timer.execute",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		span.SetAttributes(attribute.String("haul.timer.outcome", outcome(err)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}
