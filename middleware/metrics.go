package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/haul/timer"
)

// meterName is the instrumentation scope name for haul metrics.
const meterName = "github.com/xraph/haul"

// Metrics returns middleware that records per-timer execution metrics
// using the global OTel MeterProvider.
//
// Instruments:
//   - haul.timer.duration (Float64Histogram): handler time in seconds,
//     with attributes: kind, status ("ok", "error" or "timeout")
//   - haul.timer.executions (Int64Counter): total runs, same attributes
//   - haul.timer.lag (Float64Histogram): seconds between due time and start
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the OTel API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"haul.timer.duration",
		metric.WithDescription("Duration of timer handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"haul.timer.executions",
		metric.WithDescription("Total number of timer executions"),
		metric.WithUnit("{execution}"),
	)
	lag, _ := meter.Float64Histogram(
		"haul.timer.lag",
		metric.WithDescription("Delay between a timer's due time and its execution"),
		metric.WithUnit("s"),
	)

	return func(ctx context.Context, e *timer.Entry, next Handler) error {
		start := time.Now()
		lag.Record(ctx, start.Sub(e.DueAt).Seconds(),
			metric.WithAttributes(attribute.String("kind", string(e.Kind))))

		err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("kind", string(e.Kind)),
			attribute.String("status", outcome(err)),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
