package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/renderq/job"
)

const tracerName = "github.com/xraph/renderq/worker"

// Tracing wraps generation in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer wraps generation in a "renderq.job.generate" span. The
// prompt itself is never attached, only its length.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "renderq.job.generate",
			trace.WithAttributes(spanAttributes(j)...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		if err := next(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}

func spanAttributes(j *job.Job) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("renderq.job.id", j.ID.String()),
		attribute.String("renderq.user_id", j.UserID),
		attribute.Int("renderq.width", j.Width),
		attribute.Int("renderq.height", j.Height),
		attribute.Int("renderq.steps", j.Steps),
		attribute.Int("renderq.retry_count", j.RetryCount),
		attribute.Int("renderq.prompt_length", len(j.Prompt)),
	}
	if j.Seed != job.RandomSeed {
		attrs = append(attrs, attribute.Int64("renderq.seed", j.Seed))
	}
	return attrs
}
