package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
)

// UpsertWorker creates or overwrites a worker from a heartbeat. An empty
// name keeps the stored one.
func (s *Store) UpsertWorker(ctx context.Context, hb cluster.Heartbeat, now time.Time) (*cluster.Worker, error) {
	key := s.keys.worker(hb.WorkerID)

	fields := []any{
		"id", hb.WorkerID,
		"status", string(hb.Status),
		"current_job_id", hb.CurrentJobID,
		"last_seen_at", micros(now),
	}
	if hb.GPUInfo != nil {
		fields = append(fields, "gpu_info", marshalJSON(hb.GPUInfo))
	}

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", micros(now))
	if hb.Name != "" {
		pipe.HSet(ctx, key, "name", hb.Name)
	} else {
		pipe.HSetNX(ctx, key, "name", hb.WorkerID)
	}
	pipe.HSet(ctx, key, fields...)
	if hb.GPUInfo == nil {
		pipe.HDel(ctx, key, "gpu_info")
	}
	pipe.ZAdd(ctx, s.keys.workers(), goredis.Z{Score: float64(now.UnixMicro()), Member: hb.WorkerID})
	get := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("renderq/redis: upsert worker: %w", err)
	}
	return mapToWorker(get.Val()), nil
}

// EnsureWorker creates an idle worker on first contact. Every write is
// conditional, so an existing worker is left untouched.
func (s *Store) EnsureWorker(ctx context.Context, workerID string, now time.Time) (*cluster.Worker, error) {
	key := s.keys.worker(workerID)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "id", workerID)
	pipe.HSetNX(ctx, key, "name", workerID)
	pipe.HSetNX(ctx, key, "status", string(cluster.StatusIdle))
	pipe.HSetNX(ctx, key, "last_seen_at", micros(now))
	pipe.HSetNX(ctx, key, "created_at", micros(now))
	pipe.ZAddNX(ctx, s.keys.workers(), goredis.Z{Score: float64(now.UnixMicro()), Member: workerID})
	get := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("renderq/redis: ensure worker: %w", err)
	}
	return mapToWorker(get.Val()), nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*cluster.Worker, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.worker(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: get worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrWorkerNotFound
	}
	return mapToWorker(vals), nil
}

// ListWorkers returns all workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	ids, err := s.client.ZRange(ctx, s.keys.workers(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list workers: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, wID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.worker(wID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("renderq/redis: list workers: %w", err)
		}
	}

	workers := make([]*cluster.Worker, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			workers = append(workers, mapToWorker(vals))
		}
	}
	return workers, nil
}

// CountWorkersSeenSince counts workers whose last heartbeat is after since.
func (s *Store) CountWorkersSeenSince(ctx context.Context, since time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.keys.workers(), "("+micros(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count workers: %w", err)
	}
	return n, nil
}

// DeleteWorker removes a worker last seen at or before seenBefore.
func (s *Store) DeleteWorker(ctx context.Context, workerID string, seenBefore time.Time) error {
	res, err := deleteWorkerScript.Run(ctx, s.client,
		[]string{s.keys.worker(workerID), s.keys.workers()},
		workerID, seenBefore.UnixMicro(),
	).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("renderq/redis: delete worker: %w", err)
	}
	switch code, _ := scriptReply(res); code {
	case replyOK:
		return nil
	case replyOnline:
		return renderq.ErrWorkerOnline
	default:
		return renderq.ErrWorkerNotFound
	}
}
