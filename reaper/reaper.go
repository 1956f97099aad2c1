package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/job"
)

// DefaultBatchSize bounds how many stale jobs one sweep handles.
const DefaultBatchSize = 100

// parser supports standard 5-field cron and descriptors like "@every 60s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: reap schedule %q: %v", renderq.ErrInvalidArgument, expr, err)
	}
	return sched, nil
}

// Emitter receives timed-out jobs. ext.Registry satisfies it.
type Emitter interface {
	EmitJobTimedOut(ctx context.Context, j *job.Job)
}

// Reaper periodically fails stale running jobs.
type Reaper struct {
	jobs     job.Store
	timeout  time.Duration
	schedule cronlib.Schedule
	emitter  Emitter
	batch    int
	now      func() time.Time
	logger   *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithEmitter sets the receiver of timeout events.
func WithEmitter(e Emitter) Option {
	return func(r *Reaper) { r.emitter = e }
}

// WithBatchSize bounds the jobs handled per sweep.
func WithBatchSize(n int) Option {
	return func(r *Reaper) { r.batch = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// New creates a reaper that sweeps on schedule and fails jobs running
// longer than timeout.
func New(jobs job.Store, schedule string, timeout time.Duration, opts ...Option) (*Reaper, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	r := &Reaper{
		jobs:     jobs,
		timeout:  timeout,
		schedule: sched,
		batch:    DefaultBatchSize,
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// TimeoutMessage is the error recorded on reaped jobs.
func (r *Reaper) TimeoutMessage() string {
	return fmt.Sprintf("generation timed out after %s", r.timeout)
}

// Sweep fails every running job started before now-timeout and returns how
// many it failed. Per-job errors are logged and skipped; only a failure to
// list stale jobs is returned.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	cutoff := now.Add(-r.timeout)

	stale, err := r.jobs.ListStaleJobs(ctx, cutoff, r.batch)
	if err != nil {
		return 0, fmt.Errorf("reaper: list stale jobs: %w", err)
	}

	reaped := 0
	for _, j := range stale {
		updated, updateErr := r.jobs.UpdateJob(ctx, j.ID, job.TimeOut(cutoff, now, r.TimeoutMessage()))
		if updateErr != nil {
			if errors.Is(updateErr, renderq.ErrConflict) {
				// Finished, cancelled or reaped elsewhere since the listing.
				continue
			}
			r.logger.Error("reap: failed to time out job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", updateErr.Error()),
			)
			continue
		}

		reaped++
		r.logger.Warn("reaped stale job",
			slog.String("job_id", updated.ID.String()),
			slog.String("worker_id", updated.WorkerID),
			slog.Duration("running_for", now.Sub(*updated.StartedAt)),
		)
		if r.emitter != nil {
			r.emitter.EmitJobTimedOut(ctx, updated)
		}
	}
	return reaped, nil
}

// Start launches the sweep loop.
func (r *Reaper) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.loop(r.stopCh)

	r.logger.Info("reaper started", slog.Duration("job_timeout", r.timeout))
	return nil
}

// Stop signals the loop to stop and waits for an in-flight sweep.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reaper) loop(stop <-chan struct{}) {
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		wait := time.Until(r.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)

		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("reap sweep error", slog.String("error", err.Error()))
			}
		}
	}
}
