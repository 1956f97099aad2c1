package ext

import (
	"context"
	"time"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobSubmitted is called after admission inserted a job.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, j *job.Job) error
}

// JobClaimed is called after a worker claimed a job.
type JobClaimed interface {
	OnJobClaimed(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a worker delivered a result.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a worker reports a failure.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called after a user or admin cancelled a job.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobRetried is called after an admin put a failed job back in the queue.
type JobRetried interface {
	OnJobRetried(ctx context.Context, j *job.Job) error
}

// JobTimedOut is called when the reaper fails a job that ran too long.
type JobTimedOut interface {
	OnJobTimedOut(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// WorkerHeartbeat is called after a worker heartbeat was recorded.
type WorkerHeartbeat interface {
	OnWorkerHeartbeat(ctx context.Context, w *cluster.Worker) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
