package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
)

// UpsertWorker creates or overwrites a worker from a heartbeat. An empty
// name keeps the stored one. The update is a pipeline so the name fallback
// reads the stored document atomically.
func (s *Store) UpsertWorker(ctx context.Context, hb cluster.Heartbeat, now time.Time) (*cluster.Worker, error) {
	name := any(bson.M{"$ifNull": bson.A{"$name", bson.M{"$literal": hb.WorkerID}}})
	if hb.Name != "" {
		name = bson.M{"$literal": hb.Name}
	}
	var gpu any = "$$REMOVE"
	if hb.GPUInfo != nil {
		gpu = bson.M{"$literal": hb.GPUInfo}
	}

	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"name":           name,
			"status":         bson.M{"$literal": string(hb.Status)},
			"current_job_id": bson.M{"$literal": hb.CurrentJobID},
			"gpu_info":       gpu,
			"last_seen_at":   now,
			"created_at":     bson.M{"$ifNull": bson.A{"$created_at", now}},
		}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m workerModel
	err := s.db.Collection(colWorkers).FindOneAndUpdate(ctx, bson.M{"_id": hb.WorkerID}, pipeline, opts).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("renderq/mongo: upsert worker: %w", err)
	}
	return fromWorkerModel(&m), nil
}

// EnsureWorker creates an idle worker on first contact and leaves an
// existing one untouched.
func (s *Store) EnsureWorker(ctx context.Context, workerID string, now time.Time) (*cluster.Worker, error) {
	update := bson.M{"$setOnInsert": bson.M{
		"name":           workerID,
		"status":         string(cluster.StatusIdle),
		"current_job_id": "",
		"last_seen_at":   now,
		"created_at":     now,
	}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m workerModel
	err := s.db.Collection(colWorkers).FindOneAndUpdate(ctx, bson.M{"_id": workerID}, update, opts).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("renderq/mongo: ensure worker: %w", err)
	}
	return fromWorkerModel(&m), nil
}

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, workerID string) (*cluster.Worker, error) {
	var m workerModel
	err := s.db.Collection(colWorkers).FindOne(ctx, bson.M{"_id": workerID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, renderq.ErrWorkerNotFound
		}
		return nil, fmt.Errorf("renderq/mongo: get worker: %w", err)
	}
	return fromWorkerModel(&m), nil
}

// ListWorkers returns all workers ordered by ID.
func (s *Store) ListWorkers(ctx context.Context) ([]*cluster.Worker, error) {
	cursor, err := s.db.Collection(colWorkers).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("renderq/mongo: list workers: %w", err)
	}

	var models []workerModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("renderq/mongo: decode workers: %w", err)
	}

	workers := make([]*cluster.Worker, len(models))
	for i := range models {
		workers[i] = fromWorkerModel(&models[i])
	}
	return workers, nil
}

// CountWorkersSeenSince counts workers whose last heartbeat is after since.
func (s *Store) CountWorkersSeenSince(ctx context.Context, since time.Time) (int64, error) {
	count, err := s.db.Collection(colWorkers).CountDocuments(ctx,
		bson.M{"last_seen_at": bson.M{"$gt": since}})
	if err != nil {
		return 0, fmt.Errorf("renderq/mongo: count workers: %w", err)
	}
	return count, nil
}

// DeleteWorker removes a worker last seen at or before seenBefore.
func (s *Store) DeleteWorker(ctx context.Context, workerID string, seenBefore time.Time) error {
	res, err := s.db.Collection(colWorkers).DeleteOne(ctx, bson.M{
		"_id":          workerID,
		"last_seen_at": bson.M{"$lte": seenBefore},
	})
	if err != nil {
		return fmt.Errorf("renderq/mongo: delete worker: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}
	if _, err := s.GetWorker(ctx, workerID); err != nil {
		return err
	}
	return renderq.ErrWorkerOnline
}
