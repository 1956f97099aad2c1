package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
)

const workerColumns = `id, name, status, current_job_id, gpu_info, last_seen_at, created_at`

// UpsertWorker creates or overwrites a worker from a heartbeat. An empty
// name keeps the stored one.
func (s *Store) UpsertWorker(ctx context.Context, hb cluster.Heartbeat, now time.Time) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO renderq_workers (`+workerColumns+`)
		VALUES ($1, CASE WHEN $2::text = '' THEN $1 ELSE $2::text END, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			name           = CASE WHEN $2::text = '' THEN renderq_workers.name ELSE $2::text END,
			status         = EXCLUDED.status,
			current_job_id = EXCLUDED.current_job_id,
			gpu_info       = EXCLUDED.gpu_info,
			last_seen_at   = EXCLUDED.last_seen_at
		RETURNING `+workerColumns,
		hb.WorkerID, hb.Name, string(hb.Status), hb.CurrentJobID, jsonArg(hb.GPUInfo), now,
	)
	w, err := scanWorker(row)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: upsert worker: %w", err)
	}
	return w, nil
}

// EnsureWorker creates an idle worker on first contact and leaves an
// existing one untouched.
func (s *Store) EnsureWorker(ctx context.Context, workerID string, now time.Time) (*cluster.Worker, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO renderq_workers (id, name, status, last_seen_at, created_at)
		VALUES ($1, $1, 'idle', $2, $2)
		ON CONFLICT (id) DO NOTHING`,
		workerID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: ensure worker: %w", err)
	}
	return s.GetWorker(ctx, workerID)
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*cluster.Worker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM renderq_workers WHERE id = $1`,
		workerID,
	)
	w, err := scanWorker(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+workerColumns+` FROM renderq_workers ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: list workers: %w", err)
	}
	defer rows.Close()

	var workers []*cluster.Worker
	for rows.Next() {
		w, scanErr := scanWorker(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("renderq/postgres: scan worker row: %w", scanErr)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("renderq/postgres: iterate worker rows: %w", err)
	}
	return workers, nil
}

// CountWorkersSeenSince counts workers whose last heartbeat is after since.
func (s *Store) CountWorkersSeenSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM renderq_workers WHERE last_seen_at > $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("renderq/postgres: count workers: %w", err)
	}
	return count, nil
}

// DeleteWorker removes a worker last seen at or before seenBefore.
func (s *Store) DeleteWorker(ctx context.Context, workerID string, seenBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM renderq_workers WHERE id = $1 AND last_seen_at <= $2`,
		workerID, seenBefore,
	)
	if err != nil {
		return fmt.Errorf("renderq/postgres: delete worker: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	if _, err := s.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return renderq.ErrWorkerOnline
}

func scanWorker(row pgx.Row) (*cluster.Worker, error) {
	var (
		w      cluster.Worker
		status string
	)
	if err := row.Scan(&w.ID, &w.Name, &status, &w.CurrentJobID, &w.GPUInfo, &w.LastSeenAt, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Status = cluster.Status(status)
	w.LastSeenAt = w.LastSeenAt.UTC()
	w.CreatedAt = w.CreatedAt.UTC()
	return &w, nil
}
