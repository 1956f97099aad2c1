package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// InsertJob stores a queued job as a Hash and adds it to the queue.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	keys := []string{
		s.keys.job(jID),
		s.keys.queue(),
		s.keys.jobs(),
		s.keys.userJobs(j.UserID),
		s.keys.pending(j.UserID),
	}
	args := append([]any{
		jID,
		flag(j.Exclusive),
		queueScore(j.Priority),
		queueMember(j),
		j.CreatedAt.UnixMicro(),
	}, jobToArgs(j)...)

	res, err := insertScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("renderq/redis: insert job: %w", err)
	}
	switch code, _ := scriptReply(res); code {
	case replyOK:
		return nil
	case replyExists:
		return renderq.ErrJobAlreadyExists
	case replyPending:
		return renderq.ErrPendingJob
	default:
		return fmt.Errorf("renderq/redis: insert job: unexpected reply %v", res)
	}
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, s.keys.job(jobID.String()))
}

// ClaimJob pops the head of the queue and marks it running.
func (s *Store) ClaimJob(ctx context.Context, workerID string, now time.Time) (*job.Job, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{s.keys.queue(), s.keys.running()},
		workerID, micros(now), s.keys.jobPrefix(),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("renderq/redis: claim job: %w", err)
	}
	_, fields := scriptReply(res)
	return mapToJob(fields)
}

// UpdateJob applies a conditional state change atomically.
func (s *Store) UpdateJob(ctx context.Context, jobID id.JobID, u job.Update) (*job.Job, error) {
	startedBefore := ""
	if u.StartedBefore != nil {
		startedBefore = micros(*u.StartedBefore)
	}
	errMsg := ""
	if u.ErrorMessage != nil {
		errMsg = *u.ErrorMessage
	}
	meta := ""
	if u.ResultMetadata != nil {
		meta = marshalJSON(u.ResultMetadata)
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{s.keys.job(jobID.String()), s.keys.queue(), s.keys.running()},
		","+strings.Join(u.FromStrings(), ",")+",",
		string(u.To),
		micros(u.At),
		u.WorkerID,
		startedBefore,
		flag(u.SetFinished),
		flag(u.ErrorMessage != nil),
		errMsg,
		u.ResultRef,
		meta,
		flag(u.IncrementRetry),
		s.keys.pending(""),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: update job: %w", err)
	}

	code, fields := scriptReply(res)
	switch code {
	case replyOK:
		return mapToJob(fields)
	case replyPending:
		return nil, renderq.ErrPendingJob
	case replyMiss:
		current, getErr := s.GetJob(ctx, jobID)
		if errors.Is(getErr, renderq.ErrJobNotFound) {
			return nil, u.Miss(nil)
		}
		if getErr != nil {
			return nil, getErr
		}
		return nil, u.Miss(current)
	default:
		return nil, fmt.Errorf("renderq/redis: update job: unexpected reply %v", res)
	}
}

// ListJobs returns jobs newest first. A user filter reads that user's
// index; otherwise every job is scanned.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	index := s.keys.jobs()
	if opts.UserID != "" {
		index = s.keys.userJobs(opts.UserID)
	}

	// Unfiltered pages can be cut from the index directly.
	if opts.Status == "" {
		stop := int64(-1)
		if opts.Limit > 0 {
			stop = int64(opts.Offset + opts.Limit - 1)
		}
		ids, err := s.client.ZRevRange(ctx, index, int64(opts.Offset), stop).Result()
		if err != nil {
			return nil, fmt.Errorf("renderq/redis: list jobs: %w", err)
		}
		return s.getJobs(ctx, ids)
	}

	ids, err := s.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list jobs: %w", err)
	}
	all, err := s.getJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if j.Status == opts.Status {
			jobs = append(jobs, j)
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching opts. Counting only queued
// or only running jobs reads the index cardinality.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	if opts.UserID == "" && opts.CreatedSince == nil && len(opts.Statuses) == 1 {
		switch opts.Statuses[0] {
		case job.StatusQueued:
			return s.client.ZCard(ctx, s.keys.queue()).Result()
		case job.StatusRunning:
			return s.client.ZCard(ctx, s.keys.running()).Result()
		}
	}

	index := s.keys.jobs()
	if opts.UserID != "" {
		index = s.keys.userJobs(opts.UserID)
	}
	from := "-inf"
	if opts.CreatedSince != nil {
		from = micros(*opts.CreatedSince)
	}
	if len(opts.Statuses) == 0 {
		return s.client.ZCount(ctx, index, from, "+inf").Result()
	}

	ids, err := s.client.ZRangeByScore(ctx, index, &goredis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count jobs: %w", err)
	}
	jobs, err := s.getJobs(ctx, ids)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, j := range jobs {
		if slices.Contains(opts.Statuses, j.Status) {
			n++
		}
	}
	return n, nil
}

// CountAhead counts queued jobs that sort strictly ahead of j.
func (s *Store) CountAhead(ctx context.Context, j *job.Job) (int64, error) {
	member := queueMember(j)
	rank, err := s.client.ZRank(ctx, s.keys.queue(), member).Result()
	if err == nil {
		return rank, nil
	}
	if !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("renderq/redis: count ahead: %w", err)
	}

	// j is not queued: count higher priorities, then equal-priority
	// members that sort before it.
	score := queueScore(j.Priority)
	higher, err := s.client.ZCount(ctx, s.keys.queue(), "-inf", fmt.Sprintf("(%g", score)).Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count ahead: %w", err)
	}
	same, err := s.client.ZRangeByScore(ctx, s.keys.queue(), &goredis.ZRangeBy{
		Min: fmt.Sprintf("%g", score),
		Max: fmt.Sprintf("%g", score),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("renderq/redis: count ahead: %w", err)
	}
	for _, m := range same {
		if m < member {
			higher++
		}
	}
	return higher, nil
}

// ListStaleJobs returns running jobs started before cutoff, oldest first.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.keys.running(), &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + micros(cutoff),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: list stale jobs: %w", err)
	}
	return s.getJobs(ctx, ids)
}

// ── helpers ──

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrJobNotFound
	}
	return mapToJob(vals)
}

// getJobs fetches jobs in one pipeline, preserving order and skipping IDs
// whose Hash has gone.
func (s *Store) getJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.keys.job(jID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("renderq/redis: get jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
