package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/admission"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
	"github.com/xraph/renderq/storage"
)

// JobView is a job as its owner sees it.
type JobView struct {
	*job.Job

	// Position is the 1-based claim-order place of a queued job, zero
	// otherwise.
	Position int64 `json:"queue_position,omitempty"`
}

// QuotaView is an actor's allowance for today.
type QuotaView struct {
	*quota.Account

	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited"`
}

// Submit admits a job for actor and notifies extensions.
func (eng *Engine) Submit(ctx context.Context, actor renderq.Actor, params job.Params) (*admission.Result, error) {
	res, err := eng.admission.Submit(ctx, actor, params)
	if err != nil {
		return nil, err
	}
	eng.extensions.EmitJobSubmitted(ctx, res.Job)
	return res, nil
}

// GetJob returns a job its owner or an admin may see, with its queue
// position while queued.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID, actor renderq.Actor) (*JobView, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(j.UserID) {
		return nil, renderq.ErrNotOwner
	}

	view := &JobView{Job: j}
	if j.Status == job.StatusQueued {
		ahead, aheadErr := eng.store.CountAhead(ctx, j)
		if aheadErr != nil {
			return nil, fmt.Errorf("engine: queue position: %w", aheadErr)
		}
		view.Position = ahead + 1
	}
	return view, nil
}

// QueuePosition returns the number of queued jobs strictly ahead of a
// queued job. Other statuses are a Conflict.
func (eng *Engine) QueuePosition(ctx context.Context, jobID id.JobID) (int64, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if j.Status != job.StatusQueued {
		return 0, fmt.Errorf("%w: job is %s", renderq.ErrConflict, j.Status)
	}
	return eng.store.CountAhead(ctx, j)
}

// ListUserJobs returns the actor's own jobs, newest first.
func (eng *Engine) ListUserJobs(ctx context.Context, actor renderq.Actor, limit, offset int) ([]*job.Job, error) {
	if actor.UserID == "" {
		return nil, renderq.ErrNoIdentity
	}
	return eng.store.ListJobs(ctx, job.ListOpts{
		UserID: actor.UserID,
		Limit:  limit,
		Offset: offset,
	})
}

// Cancel withdraws a queued or running job. Only the owner or an admin may
// cancel. A worker still generating learns of it when its next callback is
// rejected.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID, actor renderq.Actor) (*job.Job, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !actor.Owns(j.UserID) {
		return nil, renderq.ErrNotOwner
	}

	cancelled, err := eng.store.UpdateJob(ctx, jobID, job.Cancel(eng.now()))
	if err != nil {
		return nil, err
	}

	eng.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("by", actor.UserID),
		slog.Bool("admin", actor.IsAdmin),
	)
	eng.extensions.EmitJobCancelled(ctx, cancelled)
	return cancelled, nil
}

// Quota touches the actor's account and reports today's allowance.
func (eng *Engine) Quota(ctx context.Context, actor renderq.Actor) (*QuotaView, error) {
	if actor.UserID == "" {
		return nil, renderq.ErrNoIdentity
	}
	acct, err := eng.ledger.Touch(ctx, actor)
	if err != nil {
		return nil, err
	}
	return &QuotaView{
		Account:   acct,
		Remaining: acct.Remaining(),
		Unlimited: acct.IsAdmin,
	}, nil
}

// OpenResult returns the stored image of a done job.
func (eng *Engine) OpenResult(ctx context.Context, jobID id.JobID, actor renderq.Actor) (io.ReadCloser, *job.Job, error) {
	j, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	if !actor.Owns(j.UserID) {
		return nil, nil, renderq.ErrNotOwner
	}
	if j.Status != job.StatusDone || j.ResultRef == "" {
		return nil, nil, fmt.Errorf("%w: job %s has no result", renderq.ErrNotFound, jobID)
	}
	if eng.storage == nil {
		return nil, nil, renderq.ErrNoStorage
	}

	rc, err := eng.storage.Open(ctx, j.ResultRef)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, nil, fmt.Errorf("%w: result object for job %s", renderq.ErrNotFound, jobID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("engine: open result: %w", err)
	}
	return rc, j, nil
}
