package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

const jobColumns = `
	id, user_id, prompt, negative_prompt, width, height, steps, seed,
	sampler, cfg_scale, status, priority, retry_count, error_message,
	worker_id, exclusive, result_ref, result_metadata,
	created_at, updated_at, started_at, finished_at`

// InsertJob persists a new queued job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO renderq_jobs (`+jobColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		j.ID.String(), j.UserID, j.Prompt, j.NegativePrompt, j.Width, j.Height, j.Steps, j.Seed,
		j.Sampler, j.CFGScale, string(j.Status), j.Priority, j.RetryCount, j.ErrorMessage,
		j.WorkerID, j.Exclusive, j.ResultRef, jsonArg(j.ResultMetadata),
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if constraint == onePendingIndex {
				return renderq.ErrPendingJob
			}
			return renderq.ErrJobAlreadyExists
		}
		return fmt.Errorf("renderq/postgres: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM renderq_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrJobNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically moves the head of the queue to running. Uses
// SELECT FOR UPDATE SKIP LOCKED so concurrent claimers never collide.
func (s *Store) ClaimJob(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE renderq_jobs
		SET status = 'running', worker_id = $1, started_at = $2, updated_at = $2
		WHERE id = (
			SELECT id FROM renderq_jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("renderq/postgres: claim job: %w", err)
	}
	return j, nil
}

// UpdateJob applies a conditional state change in a single statement.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) (*job.Job, error) {
	retry := 0
	if u.IncrementRetry {
		retry = 1
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE renderq_jobs SET
			status          = $2,
			updated_at      = $3,
			finished_at     = CASE WHEN $4::boolean THEN $3 ELSE finished_at END,
			error_message   = COALESCE($5::text, error_message),
			result_ref      = CASE WHEN $6::text <> '' THEN $6::text ELSE result_ref END,
			result_metadata = COALESCE($7::jsonb, result_metadata),
			retry_count     = retry_count + $8::integer
		WHERE id = $1
		  AND status = ANY($9::text[])
		  AND ($10::text = '' OR worker_id = $10::text)
		  AND ($11::timestamptz IS NULL OR started_at < $11::timestamptz)
		RETURNING `+jobColumns,
		jobID.String(), string(u.To), u.At, u.SetFinished,
		u.ErrorMessage, u.ResultRef, jsonArg(u.ResultMetadata), retry,
		u.FromStrings(), u.WorkerID, u.StartedBefore,
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if constraint, ok := uniqueViolation(err); ok && constraint == onePendingIndex {
		return nil, renderq.ErrPendingJob
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("renderq/postgres: update job: %w", err)
	}

	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		if errors.Is(getErr, renderq.ErrJobNotFound) {
			return nil, u.Miss(nil)
		}
		return nil, getErr
	}
	return nil, u.Miss(current)
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		args = append(args, string(opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM renderq_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM renderq_jobs WHERE 1=1`
	var args []any

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d::text[])", len(args))
	}
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		query += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if opts.CreatedSince != nil {
		args = append(args, *opts.CreatedSince)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("renderq/postgres: count jobs: %w", err)
	}
	return count, nil
}

// CountAhead counts queued jobs that sort strictly ahead of j.
func (s *Store) CountAhead(ctx context.Context, j *job.Job) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM renderq_jobs
		WHERE status = 'queued'
		  AND (priority > $1
		   OR (priority = $1 AND created_at < $2)
		   OR (priority = $1 AND created_at = $2 AND id < $3))`,
		j.Priority, j.CreatedAt, j.ID.String(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("renderq/postgres: count ahead: %w", err)
	}
	return count, nil
}

// ListStaleJobs returns running jobs started before cutoff, oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM renderq_jobs
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`,
		cutoff, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list stale jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		idStr  string
		status string
	)
	err := row.Scan(
		&idStr, &j.UserID, &j.Prompt, &j.NegativePrompt, &j.Width, &j.Height, &j.Steps, &j.Seed,
		&j.Sampler, &j.CFGScale, &status, &j.Priority, &j.RetryCount, &j.ErrorMessage,
		&j.WorkerID, &j.Exclusive, &j.ResultRef, &j.ResultMetadata,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.StartedAt = utcPtr(j.StartedAt)
	j.FinishedAt = utcPtr(j.FinishedAt)

	parsed, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("renderq/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsed

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("renderq/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renderq/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
