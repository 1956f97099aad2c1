package bunstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// InsertJob persists a new queued job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.NewInsert().Model(toJobModel(j)).Exec(ctx)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == onePendingIndex {
				return renderq.ErrPendingJob
			}
			return renderq.ErrJobAlreadyExists
		}
		return fmt.Errorf("renderq/bun: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrJobNotFound
		}
		return nil, fmt.Errorf("renderq/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// ClaimJob atomically moves the head of the queue to running. Uses
// SELECT FOR UPDATE SKIP LOCKED via raw SQL.
func (s *Store) ClaimJob(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE renderq_jobs
		SET status = 'running', worker_id = ?0, started_at = ?1, updated_at = ?1
		WHERE id = (
			SELECT id FROM renderq_jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`,
		workerID, now,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("renderq/bun: claim job: %w", err)
	}
	if len(models) == 0 {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}
	return fromJobModel(&models[0])
}

// UpdateJob applies a conditional state change in a single UPDATE.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) (*job.Job, error) {
	m := new(jobModel)
	q := s.db.NewUpdate().Model(m).
		Set("status = ?", string(u.To)).
		Set("updated_at = ?", u.At).
		Where("id = ?", jobID.String()).
		Where("status IN (?)", bun.In(u.FromStrings())).
		Returning("*")

	if u.SetFinished {
		q = q.Set("finished_at = ?", u.At)
	}
	if u.ErrorMessage != nil {
		q = q.Set("error_message = ?", *u.ErrorMessage)
	}
	if u.ResultRef != "" {
		q = q.Set("result_ref = ?", u.ResultRef)
	}
	if u.ResultMetadata != nil {
		meta, err := marshalJSON(u.ResultMetadata)
		if err != nil {
			return nil, fmt.Errorf("renderq/bun: encode result metadata: %w", err)
		}
		q = q.Set("result_metadata = ?::jsonb", meta)
	}
	if u.IncrementRetry {
		q = q.Set("retry_count = retry_count + 1")
	}
	if u.WorkerID != "" {
		q = q.Where("worker_id = ?", u.WorkerID)
	}
	if u.StartedBefore != nil {
		q = q.Where("started_at < ?", *u.StartedBefore)
	}

	res, err := q.Exec(ctx)
	if err != nil && !isNoRows(err) {
		if constraint, ok := uniqueViolation(err); ok && constraint == onePendingIndex {
			return nil, renderq.ErrPendingJob
		}
		return nil, fmt.Errorf("renderq/bun: update job: %w", err)
	}
	if err == nil {
		if rows, _ := res.RowsAffected(); rows > 0 { //nolint:errcheck // driver always returns nil
			return fromJobModel(m)
		}
	}

	current, getErr := s.GetJob(ctx, jobID)
	if errors.Is(getErr, renderq.ErrJobNotFound) {
		return nil, u.Miss(nil)
	}
	if getErr != nil {
		return nil, getErr
	}
	return nil, u.Miss(current)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models)

	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}

	q = q.Order("created_at DESC", "id DESC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("renderq/bun: list jobs: %w", err)
	}
	return fromJobModels(models)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("renderq_jobs")

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where("status IN (?)", bun.In(statuses))
	}
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if opts.CreatedSince != nil {
		q = q.Where("created_at >= ?", *opts.CreatedSince)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("renderq/bun: count jobs: %w", err)
	}
	return int64(count), nil
}

// CountAhead counts queued jobs that sort strictly ahead of j.
func (s *Store) CountAhead(ctx context.Context, j *job.Job) (int64, error) {
	count, err := s.db.NewSelect().TableExpr("renderq_jobs").
		Where("status = 'queued'").
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				Where("priority > ?", j.Priority).
				WhereOr("priority = ? AND created_at < ?", j.Priority, j.CreatedAt).
				WhereOr("priority = ? AND created_at = ? AND id < ?", j.Priority, j.CreatedAt, j.ID.String())
		}).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("renderq/bun: count ahead: %w", err)
	}
	return int64(count), nil
}

// ListStaleJobs returns running jobs started before cutoff, oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("status = 'running'").
		Where("started_at < ?", cutoff).
		Order("started_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("renderq/bun: list stale jobs: %w", err)
	}
	return fromJobModels(models)
}
