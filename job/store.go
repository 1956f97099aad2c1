package job

import (
	"context"
	"time"

	"github.com/xraph/renderq/id"
)

// ListOpts controls filtering and paging for job list queries. Results are
// newest first.
type ListOpts struct {
	// Status filters by status. Empty means all.
	Status Status
	// UserID filters by owner. Empty means all.
	UserID string
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Statuses filters by any of the listed statuses. Empty means all.
	Statuses []Status
	// UserID filters by owner. Empty means all.
	UserID string
	// CreatedSince counts only jobs created at or after this instant.
	CreatedSince *time.Time
}

// Store defines the persistence contract for jobs.
type Store interface {
	// InsertJob persists a new queued job. An exclusive job whose owner
	// already has an exclusive job queued or running fails with
	// renderq.ErrPendingJob where the backend can enforce it.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically moves the head of the queue to running, stamping
	// started_at = now and worker_id. It returns (nil, nil) when no job is
	// queued. Concurrent callers never receive the same job and never block
	// on each other.
	ClaimJob(ctx context.Context, workerID string, now time.Time) (*Job, error)

	// UpdateJob applies a conditional state change and returns the job as
	// written. When a guard fails it returns the error from Update.Miss.
	UpdateJob(ctx context.Context, jobID id.JobID, u Update) (*Job, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// CountAhead returns the number of queued jobs that sort strictly
	// ahead of j.
	CountAhead(ctx context.Context, j *Job) (int64, error)

	// ListStaleJobs returns running jobs whose started_at precedes cutoff,
	// oldest first. Zero limit means no limit.
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
}
