// Package memory implements store.Store in process memory. It is safe for
// concurrent use and intended for tests and single-node development; claims
// are serialised by the store lock, which stands in for row locking.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
	_ quota.Store   = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*job.Job
	workers  map[string]*cluster.Worker
	accounts map[string]*quota.Account
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*job.Job),
		workers:  make(map[string]*cluster.Worker),
		accounts: make(map[string]*quota.Account),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate, Ping, Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// InsertJob persists a new queued job.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return renderq.ErrJobAlreadyExists
	}
	if j.Exclusive && m.hasPendingExclusive(j.UserID) {
		return renderq.ErrPendingJob
	}
	m.jobs[key] = j.Clone()
	return nil
}

func (m *Store) hasPendingExclusive(userID string) bool {
	for _, j := range m.jobs {
		if j.Exclusive && j.UserID == userID && j.Status.Pending() {
			return true
		}
	}
	return false
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, renderq.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ClaimJob hands the head of the queue to workerID.
func (m *Store) ClaimJob(_ context.Context, workerID string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var head *job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if head == nil || j.Ahead(head) {
			head = j
		}
	}
	if head == nil {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}

	head.Status = job.StatusRunning
	head.WorkerID = workerID
	started := now
	head.StartedAt = &started
	head.UpdatedAt = now
	return head.Clone(), nil
}

// UpdateJob applies a conditional state change.
func (m *Store) UpdateJob(_ context.Context, jobID id.JobID, u job.Update) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, u.Miss(nil)
	}
	if !u.Matches(j) {
		return nil, u.Miss(j)
	}
	if u.To == job.StatusQueued && j.Exclusive && m.hasPendingExclusive(j.UserID) {
		return nil, renderq.ErrPendingJob
	}
	u.Apply(j)
	return j.Clone(), nil
}

// ListJobs returns jobs newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		out = append(out, j.Clone())
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID.String() > out[k].ID.String()
	})

	return paginate(out, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if len(opts.Statuses) > 0 && !slices.Contains(opts.Statuses, j.Status) {
			continue
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		if opts.CreatedSince != nil && j.CreatedAt.Before(*opts.CreatedSince) {
			continue
		}
		n++
	}
	return n, nil
}

// CountAhead counts queued jobs sorting strictly ahead of j.
func (m *Store) CountAhead(_ context.Context, j *job.Job) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, other := range m.jobs {
		if other.Status == job.StatusQueued && other.Ahead(j) {
			n++
		}
	}
	return n, nil
}

// ListStaleJobs returns running jobs started before cutoff, oldest first.
func (m *Store) ListStaleJobs(_ context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusRunning && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt.Before(*out[k].StartedAt)
	})
	return paginate(out, 0, limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// UpsertWorker creates or overwrites a worker from a heartbeat.
func (m *Store) UpsertWorker(_ context.Context, hb cluster.Heartbeat, now time.Time) (*cluster.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[hb.WorkerID]
	if !ok {
		w = &cluster.Worker{ID: hb.WorkerID, CreatedAt: now}
		m.workers[hb.WorkerID] = w
	}
	hb.Apply(w, now)
	return cloneWorker(w), nil
}

// EnsureWorker creates an idle worker on first contact.
func (m *Store) EnsureWorker(_ context.Context, workerID string, now time.Time) (*cluster.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		w = &cluster.Worker{
			ID:         workerID,
			Name:       workerID,
			Status:     cluster.StatusIdle,
			LastSeenAt: now,
			CreatedAt:  now,
		}
		m.workers[workerID] = w
	}
	return cloneWorker(w), nil
}

// GetWorker retrieves a worker by ID.
func (m *Store) GetWorker(_ context.Context, workerID string) (*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.workers[workerID]
	if !ok {
		return nil, renderq.ErrWorkerNotFound
	}
	return cloneWorker(w), nil
}

// ListWorkers returns all workers ordered by ID.
func (m *Store) ListWorkers(_ context.Context) ([]*cluster.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cluster.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, cloneWorker(w))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// CountWorkersSeenSince counts workers seen after since.
func (m *Store) CountWorkersSeenSince(_ context.Context, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, w := range m.workers {
		if w.LastSeenAt.After(since) {
			n++
		}
	}
	return n, nil
}

// DeleteWorker removes a worker not seen after seenBefore.
func (m *Store) DeleteWorker(_ context.Context, workerID string, seenBefore time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[workerID]
	if !ok {
		return renderq.ErrWorkerNotFound
	}
	if w.LastSeenAt.After(seenBefore) {
		return renderq.ErrWorkerOnline
	}
	delete(m.workers, workerID)
	return nil
}

func cloneWorker(w *cluster.Worker) *cluster.Worker {
	cp := *w
	if w.GPUInfo != nil {
		cp.GPUInfo = make(map[string]any, len(w.GPUInfo))
		for k, v := range w.GPUInfo {
			cp.GPUInfo[k] = v
		}
	}
	return &cp
}

// ──────────────────────────────────────────────────
// Quota Store
// ──────────────────────────────────────────────────

// GetAccount retrieves an account.
func (m *Store) GetAccount(_ context.Context, userID string) (*quota.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, renderq.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

// TouchAccount creates or refreshes an account's profile.
func (m *Store) TouchAccount(_ context.Context, p quota.Profile, today string, now time.Time) (*quota.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[p.UserID]
	if !ok {
		a = &quota.Account{UserID: p.UserID, LastUsedDay: today}
		m.accounts[p.UserID] = a
	}
	a.IsAdmin = p.IsAdmin
	a.TrustLevel = p.TrustLevel
	a.DailyQuota = p.DailyQuota
	a.Rollover(today)
	a.UpdatedAt = now

	cp := *a
	return &cp, nil
}

// DebitAccount records one completed generation.
func (m *Store) DebitAccount(_ context.Context, userID, today string, now time.Time) (*quota.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, renderq.ErrAccountNotFound
	}
	a.Rollover(today)
	a.TodayUsedCount++
	a.TotalGenerations++
	a.UpdatedAt = now

	cp := *a
	return &cp, nil
}
