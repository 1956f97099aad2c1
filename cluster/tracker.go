package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/renderq"
)

// Tracker derives worker liveness from heartbeats.
type Tracker struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// NewTracker creates a tracker that treats workers silent for longer than
// timeout as offline.
func NewTracker(store Store, timeout time.Duration, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:   store,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the heartbeat timeout.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Heartbeat records a worker report.
func (t *Tracker) Heartbeat(ctx context.Context, hb Heartbeat) (*Worker, error) {
	if hb.WorkerID == "" {
		return nil, fmt.Errorf("%w: worker_id is required", renderq.ErrInvalidArgument)
	}
	if hb.Status == "" {
		hb.Status = StatusIdle
	}
	if !hb.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown worker status %q", renderq.ErrInvalidArgument, hb.Status)
	}

	w, err := t.store.UpsertWorker(ctx, hb, t.now())
	if err != nil {
		return nil, err
	}
	t.logger.Debug("worker heartbeat",
		slog.String("worker_id", w.ID),
		slog.String("status", string(w.Status)),
	)
	return w, nil
}

// Contact registers a worker on first authenticated contact.
func (t *Tracker) Contact(ctx context.Context, workerID string) (*Worker, error) {
	return t.store.EnsureWorker(ctx, workerID, t.now())
}

// AnyOnline reports whether at least one worker is online.
func (t *Tracker) AnyOnline(ctx context.Context) (bool, error) {
	n, err := t.OnlineCount(ctx)
	return n > 0, err
}

// OnlineCount returns the number of online workers.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	return t.store.CountWorkersSeenSince(ctx, t.now().Add(-t.timeout))
}

// Get returns a worker with its liveness.
func (t *Tracker) Get(ctx context.Context, workerID string) (*Snapshot, error) {
	w, err := t.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Worker: w, Online: w.IsOnline(t.now(), t.timeout)}, nil
}

// List returns every worker with liveness computed against one instant.
func (t *Tracker) List(ctx context.Context) ([]Snapshot, error) {
	ws, err := t.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := make([]Snapshot, len(ws))
	for i, w := range ws {
		out[i] = Snapshot{Worker: w, Online: w.IsOnline(now, t.timeout)}
	}
	return out, nil
}

// Delete removes an offline worker. Online workers are refused.
func (t *Tracker) Delete(ctx context.Context, workerID string) error {
	if err := t.store.DeleteWorker(ctx, workerID, t.now().Add(-t.timeout)); err != nil {
		return err
	}
	t.logger.Info("worker deleted", slog.String("worker_id", workerID))
	return nil
}
