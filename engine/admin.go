package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// Stats is the admin dashboard summary.
type Stats struct {
	TotalJobs     int64 `json:"total_jobs"`
	QueuedJobs    int64 `json:"queued_jobs"`
	RunningJobs   int64 `json:"running_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	FailedJobs    int64 `json:"failed_jobs"`
	CancelledJobs int64 `json:"cancelled_jobs"`
	JobsToday     int64 `json:"jobs_today"`
	OnlineWorkers int64 `json:"online_workers"`
	TotalWorkers  int64 `json:"total_workers"`
}

func requireAdmin(actor renderq.Actor) error {
	if actor.UserID == "" {
		return renderq.ErrNoIdentity
	}
	if !actor.IsAdmin {
		return renderq.ErrNotAdmin
	}
	return nil
}

// Stats counts jobs by status and workers by liveness.
func (eng *Engine) Stats(ctx context.Context, actor renderq.Actor) (*Stats, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	count := func(opts job.CountOpts) (int64, error) {
		n, err := eng.store.CountJobs(ctx, opts)
		if err != nil {
			return 0, fmt.Errorf("engine: stats: %w", err)
		}
		return n, nil
	}

	var (
		s   Stats
		err error
	)
	if s.TotalJobs, err = count(job.CountOpts{}); err != nil {
		return nil, err
	}
	for _, c := range []struct {
		status job.Status
		dst    *int64
	}{
		{job.StatusQueued, &s.QueuedJobs},
		{job.StatusRunning, &s.RunningJobs},
		{job.StatusDone, &s.CompletedJobs},
		{job.StatusFailed, &s.FailedJobs},
		{job.StatusCancelled, &s.CancelledJobs},
	} {
		if *c.dst, err = count(job.CountOpts{Statuses: []job.Status{c.status}}); err != nil {
			return nil, err
		}
	}
	today := eng.today()
	if s.JobsToday, err = count(job.CountOpts{CreatedSince: &today}); err != nil {
		return nil, err
	}

	workers, err := eng.tracker.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: stats: %w", err)
	}
	s.TotalWorkers = int64(len(workers))
	for _, w := range workers {
		if w.Online {
			s.OnlineWorkers++
		}
	}
	return &s, nil
}

// ListJobs returns jobs across all users, newest first.
func (eng *Engine) ListJobs(ctx context.Context, actor renderq.Actor, opts job.ListOpts) ([]*job.Job, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", renderq.ErrInvalidArgument, opts.Status)
	}
	return eng.store.ListJobs(ctx, opts)
}

// Retry puts a failed job back in the queue. Admin only.
func (eng *Engine) Retry(ctx context.Context, jobID id.JobID, actor renderq.Actor) (*job.Job, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	j, err := eng.store.UpdateJob(ctx, jobID, job.Retry(eng.now()))
	if err != nil {
		return nil, err
	}

	eng.logger.Info("job retried",
		slog.String("job_id", jobID.String()),
		slog.Int("retry_count", j.RetryCount),
		slog.String("by", actor.UserID),
	)
	eng.extensions.EmitJobRetried(ctx, j)
	return j, nil
}

// ListWorkers returns every worker with its derived online flag.
func (eng *Engine) ListWorkers(ctx context.Context, actor renderq.Actor) ([]cluster.Snapshot, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	return eng.tracker.List(ctx)
}

// DeleteWorker removes an offline worker. Online workers are a Conflict.
func (eng *Engine) DeleteWorker(ctx context.Context, actor renderq.Actor, workerID string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	return eng.tracker.Delete(ctx, workerID)
}
