package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
)

// UpsertWorker creates or overwrites a worker from a heartbeat. An empty
// name keeps the stored one.
func (s *Store) UpsertWorker(ctx context.Context, hb cluster.Heartbeat, now time.Time) (*cluster.Worker, error) {
	name := hb.Name
	if name == "" {
		name = hb.WorkerID
	}
	m := &workerModel{
		ID:           hb.WorkerID,
		Name:         name,
		Status:       string(hb.Status),
		CurrentJobID: hb.CurrentJobID,
		GPUInfo:      hb.GPUInfo,
		LastSeenAt:   now,
		CreatedAt:    now,
	}

	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (id) DO UPDATE").
		Set("name = CASE WHEN ? = '' THEN ?TableAlias.name ELSE EXCLUDED.name END", hb.Name).
		Set("status = EXCLUDED.status").
		Set("current_job_id = EXCLUDED.current_job_id").
		Set("gpu_info = EXCLUDED.gpu_info").
		Set("last_seen_at = EXCLUDED.last_seen_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("renderq/bun: upsert worker: %w", err)
	}
	return fromWorkerModel(m), nil
}

// EnsureWorker creates an idle worker on first contact and leaves an
// existing one untouched.
func (s *Store) EnsureWorker(ctx context.Context, workerID string, now time.Time) (*cluster.Worker, error) {
	m := &workerModel{
		ID:         workerID,
		Name:       workerID,
		Status:     string(cluster.StatusIdle),
		LastSeenAt: now,
		CreatedAt:  now,
	}
	if _, err := s.db.NewInsert().Model(m).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return nil, fmt.Errorf("renderq/bun: ensure worker: %w", err)
	}
	return s.GetWorker(ctx, workerID)
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*cluster.Worker, error) {
	m := new(workerModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", workerID).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("renderq/bun: get worker: %w", err)
	}
	return fromWorkerModel(m), nil
}

// ListWorkers returns all workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	var models []workerModel
	if err := s.db.NewSelect().Model(&models).Order("id ASC").Scan(ctx); err != nil {
		return nil, fmt.Errorf("renderq/bun: list workers: %w", err)
	}
	out := make([]*cluster.Worker, len(models))
	for i := range models {
		out[i] = fromWorkerModel(&models[i])
	}
	return out, nil
}

// CountWorkersSeenSince counts workers whose last heartbeat is after since.
func (s *Store) CountWorkersSeenSince(ctx context.Context, since time.Time) (int64, error) {
	count, err := s.db.NewSelect().TableExpr("renderq_workers").
		Where("last_seen_at > ?", since).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("renderq/bun: count workers: %w", err)
	}
	return int64(count), nil
}

// DeleteWorker removes a worker last seen at or before seenBefore.
func (s *Store) DeleteWorker(ctx context.Context, workerID string, seenBefore time.Time) error {
	res, err := s.db.NewDelete().
		TableExpr("renderq_workers").
		Where("id = ?", workerID).
		Where("last_seen_at <= ?", seenBefore).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("renderq/bun: delete worker: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 { //nolint:errcheck // driver always returns nil
		return nil
	}
	if _, err := s.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return renderq.ErrWorkerOnline
}
