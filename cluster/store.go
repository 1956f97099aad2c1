package cluster

import (
	"context"
	"time"
)

// Store defines the persistence contract for workers.
type Store interface {
	// UpsertWorker creates or overwrites the heartbeat's worker and stamps
	// last_seen_at = now.
	UpsertWorker(ctx context.Context, hb Heartbeat, now time.Time) (*Worker, error)

	// EnsureWorker creates an idle worker on first contact. An existing
	// worker is returned untouched.
	EnsureWorker(ctx context.Context, workerID string, now time.Time) (*Worker, error)

	// GetWorker retrieves a worker by ID.
	GetWorker(ctx context.Context, workerID string) (*Worker, error)

	// ListWorkers returns all workers ordered by ID.
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// CountWorkersSeenSince counts workers with last_seen_at > since.
	CountWorkersSeenSince(ctx context.Context, since time.Time) (int64, error)

	// DeleteWorker removes a worker whose last_seen_at <= seenBefore. A
	// worker seen later fails with renderq.ErrWorkerOnline.
	DeleteWorker(ctx context.Context, workerID string, seenBefore time.Time) error
}
