package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/renderq/job"
)

// meterName is the instrumentation scope name for worker metrics.
const meterName = "github.com/xraph/renderq/worker"

// Metrics returns middleware that records per-generation metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - renderq.generation.duration (Float64Histogram): run time in seconds
//   - renderq.generation.runs (Int64Counter): total runs
//   - renderq.generation.in_flight (Int64UpDownCounter): generations running now
//
// Duration and runs carry the attributes size ("WIDTHxHEIGHT") and status ("ok" or
// "error").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API returns noop instruments on error.
	duration, _ := meter.Float64Histogram(
		"renderq.generation.duration",
		metric.WithDescription("Duration of image generation in seconds"),
		metric.WithUnit("s"),
	)
	runs, _ := meter.Int64Counter(
		"renderq.generation.runs",
		metric.WithDescription("Total number of generation runs"),
		metric.WithUnit("{run}"),
	)
	inFlight, _ := meter.Int64UpDownCounter(
		"renderq.generation.in_flight",
		metric.WithDescription("Generations currently running on this worker"),
		metric.WithUnit("{run}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		inFlight.Add(ctx, 1)
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()
		inFlight.Add(ctx, -1)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("size", fmt.Sprintf("%dx%d", j.Width, j.Height)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		runs.Add(ctx, 1, attrs)

		return err
	}
}
