package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// claimOrder is the queue order: priority DESC, created_at ASC, id ASC.
var claimOrder = bson.D{
	{Key: "priority", Value: -1},
	{Key: "created_at", Value: 1},
	{Key: "_id", Value: 1},
}

// InsertJob persists a new queued job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.db.Collection(colJobs).InsertOne(ctx, toJobModel(j))
	if err != nil {
		if isPendingViolation(err) {
			return renderq.ErrPendingJob
		}
		if mongod.IsDuplicateKeyError(err) {
			return renderq.ErrJobAlreadyExists
		}
		return fmt.Errorf("renderq/mongo: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.db.Collection(colJobs).FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, renderq.ErrJobNotFound
		}
		return nil, fmt.Errorf("renderq/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// ClaimJob atomically moves the head of the queue to running. Uses
// FindOneAndUpdate so two workers can never receive the same document.
func (s *Store) ClaimJob(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	filter := bson.M{"status": string(job.StatusQueued)}
	update := bson.M{
		"$set": bson.M{
			"status":     string(job.StatusRunning),
			"worker_id":  workerID,
			"started_at": now,
			"updated_at": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(claimOrder)

	var m jobModel
	err := s.db.Collection(colJobs).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("renderq/mongo: claim job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob applies a conditional state change with one FindOneAndUpdate.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) (*job.Job, error) {
	filter := bson.M{
		"_id":    jobID.String(),
		"status": bson.M{"$in": u.FromStrings()},
	}
	if u.WorkerID != "" {
		filter["worker_id"] = u.WorkerID
	}
	if u.StartedBefore != nil {
		filter["started_at"] = bson.M{"$lt": *u.StartedBefore}
	}

	set := bson.M{
		"status":     string(u.To),
		"updated_at": u.At,
	}
	if u.SetFinished {
		set["finished_at"] = u.At
	}
	if u.ErrorMessage != nil {
		set["error_message"] = *u.ErrorMessage
	}
	if u.ResultRef != "" {
		set["result_ref"] = u.ResultRef
	}
	if u.ResultMetadata != nil {
		set["result_metadata"] = u.ResultMetadata
	}
	update := bson.M{"$set": set}
	if u.IncrementRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}

	var m jobModel
	err := s.db.Collection(colJobs).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err == nil {
		return fromJobModel(&m)
	}
	if isPendingViolation(err) {
		return nil, renderq.ErrPendingJob
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("renderq/mongo: update job: %w", err)
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
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}

	findOpts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "_id", Value: -1},
	})
	if opts.Offset > 0 {
		findOpts.SetSkip(int64(opts.Offset))
	}
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	return s.findJobs(ctx, filter, findOpts)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		filter["status"] = bson.M{"$in": statuses}
	}
	if opts.UserID != "" {
		filter["user_id"] = opts.UserID
	}
	if opts.CreatedSince != nil {
		filter["created_at"] = bson.M{"$gte": *opts.CreatedSince}
	}

	count, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("renderq/mongo: count jobs: %w", err)
	}
	return count, nil
}

// CountAhead counts queued jobs that sort strictly ahead of j.
func (s *Store) CountAhead(ctx context.Context, j *job.Job) (int64, error) {
	filter := bson.M{
		"status": string(job.StatusQueued),
		"$or": bson.A{
			bson.M{"priority": bson.M{"$gt": j.Priority}},
			bson.M{"priority": j.Priority, "created_at": bson.M{"$lt": j.CreatedAt}},
			bson.M{"priority": j.Priority, "created_at": j.CreatedAt, "_id": bson.M{"$lt": j.ID.String()}},
		},
	}
	count, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("renderq/mongo: count ahead: %w", err)
	}
	return count, nil
}

// ListStaleJobs returns running jobs started before cutoff, oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	filter := bson.M{
		"status":     string(job.StatusRunning),
		"started_at": bson.M{"$lt": cutoff},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	return s.findJobs(ctx, filter, findOpts)
}

func (s *Store) findJobs(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]*job.Job, error) {
	cursor, err := s.db.Collection(colJobs).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("renderq/mongo: find jobs: %w", err)
	}

	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("renderq/mongo: decode jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
