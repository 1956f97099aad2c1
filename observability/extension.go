package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/ext"
	"github.com/xraph/renderq/job"
)

// meterName is the instrumentation scope name for renderq metrics.
const meterName = "github.com/xraph/renderq/observability"

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobSubmitted    = (*MetricsExtension)(nil)
	_ ext.JobClaimed      = (*MetricsExtension)(nil)
	_ ext.JobCompleted    = (*MetricsExtension)(nil)
	_ ext.JobFailed       = (*MetricsExtension)(nil)
	_ ext.JobCancelled    = (*MetricsExtension)(nil)
	_ ext.JobRetried      = (*MetricsExtension)(nil)
	_ ext.JobTimedOut     = (*MetricsExtension)(nil)
	_ ext.WorkerHeartbeat = (*MetricsExtension)(nil)
)

// MetricsExtension records job lifecycle counters and run durations.
//
// Instruments:
//   - renderq.job.submitted, renderq.job.claimed, renderq.job.completed,
//     renderq.job.cancelled, renderq.job.retried (Int64Counter)
//   - renderq.job.failed (Int64Counter) with attribute reason
//     ("worker" or "timeout")
//   - renderq.job.run_duration (Float64Histogram, seconds) from started_at
//     to finished_at of completed jobs
//   - renderq.worker.heartbeats (Int64Counter) with attribute status
type MetricsExtension struct {
	submitted  metric.Int64Counter
	claimed    metric.Int64Counter
	completed  metric.Int64Counter
	failed     metric.Int64Counter
	cancelled  metric.Int64Counter
	retried    metric.Int64Counter
	heartbeats metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider. Without a configured provider the instruments are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// The OTel API returns usable noop instruments alongside any error.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	heartbeats, _ := meter.Int64Counter("renderq.worker.heartbeats",
		metric.WithDescription("Worker heartbeats received"),
		metric.WithUnit("{heartbeat}"),
	)
	duration, _ := meter.Float64Histogram("renderq.job.run_duration",
		metric.WithDescription("Time from claim to completed result"),
		metric.WithUnit("s"),
	)

	return &MetricsExtension{
		submitted:  counter("renderq.job.submitted", "Jobs accepted by admission"),
		claimed:    counter("renderq.job.claimed", "Jobs claimed by workers"),
		completed:  counter("renderq.job.completed", "Jobs completed with a result"),
		failed:     counter("renderq.job.failed", "Jobs that ended failed"),
		cancelled:  counter("renderq.job.cancelled", "Jobs cancelled by users or admins"),
		retried:    counter("renderq.job.retried", "Failed jobs re-queued by admins"),
		heartbeats: heartbeats,
		duration:   duration,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, j *job.Job) error {
	m.submitted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("admin", !j.Exclusive)))
	return nil
}

// OnJobClaimed implements ext.JobClaimed.
func (m *MetricsExtension) OnJobClaimed(ctx context.Context, _ *job.Job) error {
	m.claimed.Add(ctx, 1)
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, _ *job.Job, elapsed time.Duration) error {
	m.completed.Add(ctx, 1)
	m.duration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, _ *job.Job, _ error) error {
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "worker")))
	return nil
}

// OnJobTimedOut implements ext.JobTimedOut.
func (m *MetricsExtension) OnJobTimedOut(ctx context.Context, _ *job.Job) error {
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "timeout")))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, _ *job.Job) error {
	m.cancelled.Add(ctx, 1)
	return nil
}

// OnJobRetried implements ext.JobRetried.
func (m *MetricsExtension) OnJobRetried(ctx context.Context, _ *job.Job) error {
	m.retried.Add(ctx, 1)
	return nil
}

// OnWorkerHeartbeat implements ext.WorkerHeartbeat.
func (m *MetricsExtension) OnWorkerHeartbeat(ctx context.Context, w *cluster.Worker) error {
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(w.Status))))
	return nil
}
