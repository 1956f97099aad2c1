package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage"
)

// DefaultFailureMessage is recorded when a worker reports failed without a
// message.
const DefaultFailureMessage = "generation failed"

// UploadRequest carries a finished image from the worker holding the job.
type UploadRequest struct {
	JobID    id.JobID
	WorkerID string

	Image       io.Reader
	Size        int64 // negative when unknown
	ContentType string

	Metadata map[string]any
}

// Heartbeat records a worker report and notifies extensions.
func (eng *Engine) Heartbeat(ctx context.Context, hb cluster.Heartbeat) (*cluster.Worker, error) {
	w, err := eng.tracker.Heartbeat(ctx, hb)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitWorkerHeartbeat(ctx, w)
	return w, nil
}

// Claim hands the head of the queue to workerID, registering the worker on
// first contact. It returns (nil, nil) when nothing is queued.
func (eng *Engine) Claim(ctx context.Context, workerID string) (*job.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", renderq.ErrInvalidArgument)
	}
	if _, err := eng.tracker.Contact(ctx, workerID); err != nil {
		return nil, fmt.Errorf("engine: register worker: %w", err)
	}

	j, err := eng.store.ClaimJob(ctx, workerID, eng.now())
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}

	eng.logger.Info("job claimed",
		slog.String("job_id", j.ID.String()),
		slog.String("worker_id", workerID),
		slog.Int("priority", j.Priority),
	)
	eng.extensions.EmitJobClaimed(ctx, j)
	return j, nil
}

// ReportStatus applies a worker status callback. Running acknowledges a job
// the worker holds; failed finishes it with msg. Done must go through
// UploadResult so the result and the quota debit land together.
func (eng *Engine) ReportStatus(ctx context.Context, jobID id.JobID, workerID string, status job.Status, msg string) (*job.Job, error) {
	switch status {
	case job.StatusRunning:
		j, err := eng.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Status != job.StatusRunning {
			return nil, renderq.ErrInvalidTransition
		}
		if j.WorkerID != workerID {
			return nil, renderq.ErrWorkerMismatch
		}
		return j, nil

	case job.StatusFailed:
		if msg == "" {
			msg = DefaultFailureMessage
		}
		failed, err := eng.store.UpdateJob(ctx, jobID, job.Fail(workerID, eng.now(), msg))
		if err != nil {
			return nil, err
		}
		eng.logger.Warn("job failed",
			slog.String("job_id", jobID.String()),
			slog.String("worker_id", workerID),
			slog.String("error", msg),
		)
		eng.extensions.EmitJobFailed(ctx, failed, errors.New(msg))
		return failed, nil

	case job.StatusDone:
		return nil, fmt.Errorf("%w: done requires an uploaded result", renderq.ErrInvalidArgument)

	default:
		return nil, fmt.Errorf("%w: workers cannot report status %q", renderq.ErrInvalidArgument, status)
	}
}

// UploadResult stores the image, moves the job to done and debits the
// owner's quota. A job cancelled or reaped while generating keeps its
// status; the stored object is removed and the caller gets the Conflict.
func (eng *Engine) UploadResult(ctx context.Context, req UploadRequest) (*job.Job, error) {
	if req.Image == nil {
		return nil, fmt.Errorf("%w: image is required", renderq.ErrInvalidArgument)
	}
	if eng.storage == nil {
		return nil, renderq.ErrNoStorage
	}

	j, err := eng.store.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusRunning {
		return nil, renderq.ErrInvalidTransition
	}
	if j.WorkerID != req.WorkerID {
		return nil, renderq.ErrWorkerMismatch
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = storage.ContentTypePNG
	}
	now := eng.now()
	ref, err := eng.storage.Put(ctx, storage.Key(j.UserID, j.ID, now.In(eng.loc)), req.Image, req.Size, contentType)
	if err != nil {
		return nil, fmt.Errorf("engine: store result: %w", err)
	}

	done, err := eng.store.UpdateJob(ctx, req.JobID, job.Complete(req.WorkerID, now, ref, req.Metadata))
	if err != nil {
		if delErr := eng.storage.Delete(ctx, ref); delErr != nil {
			eng.logger.Warn("orphaned result object",
				slog.String("job_id", req.JobID.String()),
				slog.String("ref", ref),
				slog.String("error", delErr.Error()),
			)
		}
		return nil, err
	}

	if _, debitErr := eng.ledger.Debit(ctx, done.UserID); debitErr != nil {
		eng.logger.Error("quota debit failed",
			slog.String("job_id", done.ID.String()),
			slog.String("user_id", done.UserID),
			slog.String("error", debitErr.Error()),
		)
	}

	eng.logger.Info("job completed",
		slog.String("job_id", done.ID.String()),
		slog.String("worker_id", req.WorkerID),
		slog.String("result_ref", ref),
		slog.Duration("elapsed", done.Elapsed()),
	)
	eng.extensions.EmitJobCompleted(ctx, done, done.Elapsed())
	return done, nil
}
