package middleware_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	mw "github.com/xraph/renderq/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:     id.NewJobID(),
		UserID: "alice",
		Params: job.Params{
			Prompt: "a lighthouse at dusk",
			Width:  768,
			Height: 512,
			Steps:  9,
			Seed:   job.RandomSeed,
		},
		Status:     job.StatusRunning,
		RetryCount: 2,
	}
}

// traced runs gen under the tracing middleware and returns the single
// ended span.
func traced(t *testing.T, j *job.Job, gen mw.Handler) (sdktrace.ReadOnlySpan, error) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	err := mw.TracingWithTracer(tp.Tracer("test"))(context.Background(), j, gen)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	return spans[0], err
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracing_Span(t *testing.T) {
	j := newTestJob()
	span, err := traced(t, j, func(context.Context) error { return nil })
	require.NoError(t, err)

	assert.Equal(t, "renderq.job.generate", span.Name())
	assert.Equal(t, trace.SpanKindInternal, span.SpanKind())
	assert.Equal(t, codes.Ok, span.Status().Code)

	attrs := attrMap(span)
	assert.Equal(t, j.ID.String(), attrs["renderq.job.id"].AsString())
	assert.Equal(t, "alice", attrs["renderq.user_id"].AsString())
	assert.Equal(t, int64(768), attrs["renderq.width"].AsInt64())
	assert.Equal(t, int64(512), attrs["renderq.height"].AsInt64())
	assert.Equal(t, int64(9), attrs["renderq.steps"].AsInt64())
	assert.Equal(t, int64(2), attrs["renderq.retry_count"].AsInt64())
	assert.Equal(t, int64(len(j.Prompt)), attrs["renderq.prompt_length"].AsInt64())
	assert.NotContains(t, attrs, attribute.Key("renderq.seed"))
	assert.NotContains(t, attrs, attribute.Key("renderq.prompt"))
}

func TestTracing_FixedSeed(t *testing.T) {
	j := newTestJob()
	j.Seed = 42
	span, _ := traced(t, j, func(context.Context) error { return nil })
	assert.Equal(t, int64(42), attrMap(span)["renderq.seed"].AsInt64())
}

func TestTracing_Error(t *testing.T) {
	genErr := errors.New("generator exited with status 1")
	span, err := traced(t, newTestJob(), func(context.Context) error { return genErr })
	require.ErrorIs(t, err, genErr)

	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, genErr.Error(), span.Status().Description)

	var names []string
	for _, ev := range span.Events() {
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "exception")
}

func TestTracing_PropagatesContext(t *testing.T) {
	var inner trace.SpanContext
	span, _ := traced(t, newTestJob(), func(ctx context.Context) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})
	require.True(t, inner.IsValid())
	assert.Equal(t, span.SpanContext().SpanID(), inner.SpanID())
}

func TestTracing_GlobalProvider(t *testing.T) {
	called := false
	err := mw.Tracing()(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}
