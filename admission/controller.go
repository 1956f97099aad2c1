package admission

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// Result describes an accepted submission.
type Result struct {
	Job *job.Job `json:"job"`

	// Position is the 1-based place of the job in claim order at insert
	// time. It is a hint; it changes as other jobs are claimed.
	Position int64 `json:"queue_position"`

	// QueueDepth is the number of queued jobs including this one.
	QueueDepth int64 `json:"queue_depth"`

	// Overloaded is set when the queue had reached SoftQueueLimit.
	Overloaded bool `json:"queue_overload"`
}

// Controller gates job submission.
type Controller struct {
	jobs    job.Store
	tracker *cluster.Tracker
	ledger  *quota.Ledger
	config  renderq.Config
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source used to stamp created_at.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// NewController creates an admission controller.
func NewController(jobs job.Store, tracker *cluster.Tracker, ledger *quota.Ledger, cfg renderq.Config, opts ...Option) *Controller {
	c := &Controller{
		jobs:    jobs,
		tracker: tracker,
		ledger:  ledger,
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit admits a job for actor or returns the first rejection.
func (c *Controller) Submit(ctx context.Context, actor renderq.Actor, params job.Params) (*Result, error) {
	if actor.UserID == "" {
		return nil, renderq.ErrNoIdentity
	}

	params = params.WithDefaults()
	params.Prompt = strings.TrimSpace(params.Prompt)
	params.NegativePrompt = strings.TrimSpace(params.NegativePrompt)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	online, err := c.tracker.AnyOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("admission: check workers: %w", err)
	}
	if !online {
		return nil, renderq.ErrNoWorkers
	}

	if !actor.IsAdmin {
		pending, pendErr := c.jobs.CountJobs(ctx, job.CountOpts{
			Statuses: []job.Status{job.StatusQueued, job.StatusRunning},
			UserID:   actor.UserID,
		})
		if pendErr != nil {
			return nil, fmt.Errorf("admission: count pending: %w", pendErr)
		}
		if pending > 0 {
			return nil, renderq.ErrPendingJob
		}
	}

	allowed, acct, err := c.ledger.CanSubmit(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("admission: check quota: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w (%d/day)", renderq.ErrQuotaExhausted, acct.DailyQuota)
	}

	depth, err := c.jobs.CountJobs(ctx, job.CountOpts{Statuses: []job.Status{job.StatusQueued}})
	if err != nil {
		return nil, fmt.Errorf("admission: count queued: %w", err)
	}
	if !actor.IsAdmin && depth >= int64(c.config.HardQueueLimit) {
		return nil, renderq.ErrQueueFull
	}

	now := c.now()
	j := &job.Job{
		ID:        id.NewJobID(),
		UserID:    actor.UserID,
		Params:    params,
		Status:    job.StatusQueued,
		Priority:  c.config.DefaultPriority,
		Exclusive: !actor.IsAdmin,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if actor.IsAdmin {
		j.Priority = c.config.AdminPriority
	}

	if err := c.jobs.InsertJob(ctx, j); err != nil {
		return nil, err
	}

	res := &Result{
		Job:        j,
		Position:   depth + 1,
		QueueDepth: depth + 1,
		Overloaded: depth >= int64(c.config.SoftQueueLimit),
	}
	if ahead, aheadErr := c.jobs.CountAhead(ctx, j); aheadErr == nil {
		res.Position = ahead + 1
	} else {
		c.logger.Warn("queue position unavailable",
			slog.String("job_id", j.ID.String()),
			slog.String("error", aheadErr.Error()),
		)
	}

	c.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("user_id", j.UserID),
		slog.Int("priority", j.Priority),
		slog.Int64("position", res.Position),
		slog.Bool("overloaded", res.Overloaded),
	)

	return res, nil
}
