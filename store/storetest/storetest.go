// Package storetest is a conformance suite run against every store.Store
// backend. Each backend's tests call Run with a factory returning an empty
// store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
	"github.com/xraph/renderq/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Base is the reference instant used by the suite. Millisecond precision
// keeps it representable in every backend.
var Base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

// Run executes the full suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"ExclusivePending", testExclusivePending},
		{"ClaimOrder", testClaimOrder},
		{"ClaimExactlyOnce", testClaimExactlyOnce},
		{"Transitions", testTransitions},
		{"TimeOutGuard", testTimeOutGuard},
		{"ListAndCount", testListAndCount},
		{"CountAhead", testCountAhead},
		{"ListStale", testListStale},
		{"Workers", testWorkers},
		{"DeleteWorker", testDeleteWorker},
		{"Accounts", testAccounts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

// NewJob builds a queued job created at Base+offset.
func NewJob(userID string, priority int, offset time.Duration) *job.Job {
	at := Base.Add(offset)
	return &job.Job{
		ID:     id.NewJobID(),
		UserID: userID,
		Params: job.Params{
			Prompt: "a lighthouse at dusk",
			Width:  1024,
			Height: 1024,
			Steps:  9,
			Seed:   -1,
		},
		Status:    job.StatusQueued,
		Priority:  priority,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func mustInsert(t *testing.T, s store.Store, j *job.Job) {
	t.Helper()
	if err := s.InsertJob(context.Background(), j); err != nil {
		t.Fatalf("InsertJob(%s): %v", j.ID, err)
	}
}

func mustClaim(t *testing.T, s store.Store, workerID string, at time.Time) *job.Job {
	t.Helper()
	j, err := s.ClaimJob(context.Background(), workerID, at)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	if j == nil {
		t.Fatal("ClaimJob returned no job")
	}
	return j
}

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("u1", 0, 0)
	j.NegativePrompt = "blurry"
	mustInsert(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.ID.Equal(j.ID) {
		t.Errorf("id = %s, want %s", got.ID, j.ID)
	}
	if got.Prompt != j.Prompt || got.NegativePrompt != "blurry" {
		t.Errorf("params = %+v, want %+v", got.Params, j.Params)
	}
	if got.Status != job.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, j.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Error("timestamps set on a queued job")
	}

	if err := s.InsertJob(ctx, j); !errors.Is(err, renderq.ErrJobAlreadyExists) {
		t.Errorf("duplicate insert: err = %v, want ErrJobAlreadyExists", err)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, renderq.ErrJobNotFound) {
		t.Errorf("missing job: err = %v, want ErrJobNotFound", err)
	}
}

func testExclusivePending(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := NewJob("solo", 0, 0)
	first.Exclusive = true
	mustInsert(t, s, first)

	second := NewJob("solo", 0, time.Second)
	second.Exclusive = true
	if err := s.InsertJob(ctx, second); !errors.Is(err, renderq.ErrPendingJob) {
		t.Fatalf("second pending insert: err = %v, want ErrPendingJob", err)
	}

	// Non-exclusive (admin) jobs are never limited.
	admin := NewJob("solo", 10, 2*time.Second)
	mustInsert(t, s, admin)

	claimed := mustClaim(t, s, "w1", Base.Add(time.Minute))
	if !claimed.ID.Equal(admin.ID) {
		t.Fatalf("claimed %s, want admin job %s", claimed.ID, admin.ID)
	}
	claimed = mustClaim(t, s, "w1", Base.Add(time.Minute))
	if _, err := s.UpdateJob(ctx, claimed.ID, job.Complete("w1", Base.Add(2*time.Minute), "", nil)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	third := NewJob("solo", 0, 3*time.Second)
	third.Exclusive = true
	mustInsert(t, s, third)
}

func testClaimOrder(t *testing.T, s store.Store) {
	ctx := context.Background()

	if j, err := s.ClaimJob(ctx, "w1", Base); err != nil || j != nil {
		t.Fatalf("empty queue: got (%v, %v), want (nil, nil)", j, err)
	}

	priorities := []int{0, 0, 10, 0}
	jobs := make([]*job.Job, len(priorities))
	for i, p := range priorities {
		jobs[i] = NewJob(fmt.Sprintf("u%d", i), p, time.Duration(i)*time.Second)
		mustInsert(t, s, jobs[i])
	}

	claimAt := Base.Add(time.Minute)
	want := []int{2, 0, 1, 3}
	for step, idx := range want {
		got := mustClaim(t, s, "w1", claimAt)
		if !got.ID.Equal(jobs[idx].ID) {
			t.Fatalf("claim %d: got %s, want job %d (%s)", step, got.ID, idx, jobs[idx].ID)
		}
		if got.Status != job.StatusRunning {
			t.Errorf("claim %d: status = %q, want running", step, got.Status)
		}
		if got.WorkerID != "w1" {
			t.Errorf("claim %d: worker = %q, want w1", step, got.WorkerID)
		}
		if got.StartedAt == nil || !got.StartedAt.Equal(claimAt) {
			t.Errorf("claim %d: started_at = %v, want %v", step, got.StartedAt, claimAt)
		}
	}

	if j, err := s.ClaimJob(ctx, "w1", claimAt); err != nil || j != nil {
		t.Fatalf("drained queue: got (%v, %v), want (nil, nil)", j, err)
	}
}

func testClaimExactlyOnce(t *testing.T, s store.Store) {
	const (
		jobs    = 12
		workers = 6
	)
	for i := range jobs {
		mustInsert(t, s, NewJob(fmt.Sprintf("u%d", i), 0, time.Duration(i)*time.Millisecond))
	}

	var (
		mu      sync.Mutex
		seen    = make(map[string]string)
		wg      sync.WaitGroup
		failure error
	)
	for w := range workers {
		workerID := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimJob(context.Background(), workerID, Base.Add(time.Minute))
				if err != nil {
					mu.Lock()
					failure = err
					mu.Unlock()
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				if prev, dup := seen[j.ID.String()]; dup {
					failure = fmt.Errorf("job %s claimed by %s and %s", j.ID, prev, workerID)
				}
				seen[j.ID.String()] = workerID
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failure != nil {
		t.Fatal(failure)
	}
	if len(seen) != jobs {
		t.Fatalf("claimed %d jobs, want %d", len(seen), jobs)
	}
}

func testTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := Base.Add(time.Minute)

	j := NewJob("u1", 0, 0)
	mustInsert(t, s, j)

	// Completing a queued job is not a legal transition.
	if _, err := s.UpdateJob(ctx, j.ID, job.Complete("w1", at, "", nil)); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Fatalf("complete queued: err = %v, want ErrInvalidTransition", err)
	}

	mustClaim(t, s, "w1", at)

	if _, err := s.UpdateJob(ctx, j.ID, job.Complete("w2", at, "", nil)); !errors.Is(err, renderq.ErrWorkerMismatch) {
		t.Fatalf("complete by other worker: err = %v, want ErrWorkerMismatch", err)
	}

	done, err := s.UpdateJob(ctx, j.ID, job.Complete("w1", at.Add(5*time.Second), "u1/2026-03-14/x.png", map[string]any{"sampler": "euler"}))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != job.StatusDone {
		t.Errorf("status = %q, want done", done.Status)
	}
	if done.FinishedAt == nil || !done.FinishedAt.Equal(at.Add(5*time.Second)) {
		t.Errorf("finished_at = %v", done.FinishedAt)
	}
	if done.ResultRef != "u1/2026-03-14/x.png" {
		t.Errorf("result_ref = %q", done.ResultRef)
	}
	if done.ResultMetadata["sampler"] != "euler" {
		t.Errorf("result_metadata = %v", done.ResultMetadata)
	}

	if _, err := s.UpdateJob(ctx, j.ID, job.Complete("w1", at, "", nil)); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Errorf("double complete: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.UpdateJob(ctx, j.ID, job.Cancel(at)); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Errorf("cancel done: err = %v, want ErrInvalidTransition", err)
	}

	// failed -> queued via retry, then cancel while queued.
	f := NewJob("u2", 0, time.Second)
	mustInsert(t, s, f)
	mustClaim(t, s, "w1", at)
	failed, err := s.UpdateJob(ctx, f.ID, job.Fail("w1", at, "out of memory"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.ErrorMessage != "out of memory" || failed.Status != job.StatusFailed {
		t.Errorf("failed job = %+v", failed)
	}

	retried, err := s.UpdateJob(ctx, f.ID, job.Retry(at.Add(time.Second)))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != job.StatusQueued || retried.RetryCount != 1 || retried.ErrorMessage != "" {
		t.Errorf("retried job = %+v", retried)
	}
	if !retried.CreatedAt.Equal(f.CreatedAt) {
		t.Errorf("retry moved created_at to %v", retried.CreatedAt)
	}

	cancelled, err := s.UpdateJob(ctx, f.ID, job.Cancel(at.Add(2*time.Second)))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != job.StatusCancelled || cancelled.FinishedAt == nil {
		t.Errorf("cancelled job = %+v", cancelled)
	}

	if _, err := s.UpdateJob(ctx, id.NewJobID(), job.Cancel(at)); !errors.Is(err, renderq.ErrJobNotFound) {
		t.Errorf("update missing: err = %v, want ErrJobNotFound", err)
	}
}

func testTimeOutGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	started := Base.Add(time.Minute)

	j := NewJob("u1", 0, 0)
	mustInsert(t, s, j)
	mustClaim(t, s, "w1", started)

	// Cutoff at the start instant does not qualify.
	if _, err := s.UpdateJob(ctx, j.ID, job.TimeOut(started, started.Add(time.Hour), "timeout")); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Fatalf("timeout at boundary: err = %v, want ErrInvalidTransition", err)
	}

	got, err := s.UpdateJob(ctx, j.ID, job.TimeOut(started.Add(time.Second), started.Add(time.Hour), "timeout"))
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if got.Status != job.StatusFailed || got.ErrorMessage != "timeout" {
		t.Errorf("timed out job = %+v", got)
	}

	if _, err := s.UpdateJob(ctx, j.ID, job.TimeOut(started.Add(time.Second), started.Add(time.Hour), "timeout")); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Errorf("second timeout: err = %v, want ErrInvalidTransition", err)
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()

	a := NewJob("alice", 0, 0)
	b := NewJob("bob", 0, time.Second)
	c := NewJob("alice", 0, 2*time.Second)
	for _, j := range []*job.Job{a, b, c} {
		mustInsert(t, s, j)
	}
	mustClaim(t, s, "w1", Base.Add(time.Minute)) // claims a

	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 || !all[0].ID.Equal(c.ID) || !all[2].ID.Equal(a.ID) {
		t.Fatalf("ListJobs order = %v, want newest first", ids(all))
	}

	alice, err := s.ListJobs(ctx, job.ListOpts{UserID: "alice"})
	if err != nil {
		t.Fatalf("ListJobs(user): %v", err)
	}
	if len(alice) != 2 {
		t.Errorf("alice jobs = %d, want 2", len(alice))
	}

	queued, err := s.ListJobs(ctx, job.ListOpts{Status: job.StatusQueued, Limit: 1})
	if err != nil {
		t.Fatalf("ListJobs(status): %v", err)
	}
	if len(queued) != 1 || !queued[0].ID.Equal(c.ID) {
		t.Errorf("queued page = %v, want [%s]", ids(queued), c.ID)
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListJobs(page): %v", err)
	}
	if len(page) != 1 || !page[0].ID.Equal(a.ID) {
		t.Errorf("offset page = %v, want [%s]", ids(page), a.ID)
	}

	counts := []struct {
		name string
		opts job.CountOpts
		want int64
	}{
		{"all", job.CountOpts{}, 3},
		{"queued", job.CountOpts{Statuses: []job.Status{job.StatusQueued}}, 2},
		{"pending alice", job.CountOpts{Statuses: []job.Status{job.StatusQueued, job.StatusRunning}, UserID: "alice"}, 2},
		{"since", job.CountOpts{CreatedSince: ptr(Base.Add(time.Second))}, 2},
	}
	for _, tc := range counts {
		got, err := s.CountJobs(ctx, tc.opts)
		if err != nil {
			t.Fatalf("CountJobs(%s): %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("CountJobs(%s) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func testCountAhead(t *testing.T, s store.Store) {
	ctx := context.Background()

	low1 := NewJob("u1", 0, 0)
	low2 := NewJob("u2", 0, time.Second)
	high := NewJob("u3", 10, 2*time.Second)
	low3 := NewJob("u4", 0, 3*time.Second)
	for _, j := range []*job.Job{low1, low2, high, low3} {
		mustInsert(t, s, j)
	}

	cases := []struct {
		j    *job.Job
		want int64
	}{
		{high, 0},
		{low1, 1},
		{low2, 2},
		{low3, 3},
	}
	for _, tc := range cases {
		got, err := s.CountAhead(ctx, tc.j)
		if err != nil {
			t.Fatalf("CountAhead: %v", err)
		}
		if got != tc.want {
			t.Errorf("CountAhead(priority %d, +%v) = %d, want %d",
				tc.j.Priority, tc.j.CreatedAt.Sub(Base), got, tc.want)
		}
	}
}

func testListStale(t *testing.T, s store.Store) {
	ctx := context.Background()

	old := NewJob("u1", 0, 0)
	fresh := NewJob("u2", 0, time.Second)
	mustInsert(t, s, old)
	mustInsert(t, s, fresh)
	mustClaim(t, s, "w1", Base.Add(time.Minute))
	mustClaim(t, s, "w2", Base.Add(10*time.Minute))

	stale, err := s.ListStaleJobs(ctx, Base.Add(5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListStaleJobs: %v", err)
	}
	if len(stale) != 1 || !stale[0].ID.Equal(old.ID) {
		t.Fatalf("stale = %v, want [%s]", ids(stale), old.ID)
	}

	none, err := s.ListStaleJobs(ctx, Base, 10)
	if err != nil {
		t.Fatalf("ListStaleJobs: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("stale before any start = %v", ids(none))
	}
}

func testWorkers(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.GetWorker(ctx, "nope"); !errors.Is(err, renderq.ErrWorkerNotFound) {
		t.Fatalf("missing worker: err = %v, want ErrWorkerNotFound", err)
	}

	w, err := s.UpsertWorker(ctx, cluster.Heartbeat{
		WorkerID: "gpu-b",
		Name:     "rig two",
		Status:   cluster.StatusBusy,
		GPUInfo:  map[string]any{"model": "RTX 4090"},
	}, Base)
	if err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if w.Name != "rig two" || w.Status != cluster.StatusBusy || !w.LastSeenAt.Equal(Base) {
		t.Errorf("upserted worker = %+v", w)
	}

	// A second heartbeat without a name keeps the stored name.
	w, err = s.UpsertWorker(ctx, cluster.Heartbeat{WorkerID: "gpu-b", Status: cluster.StatusIdle}, Base.Add(time.Second))
	if err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}
	if w.Name != "rig two" || w.Status != cluster.StatusIdle || !w.CreatedAt.Equal(Base) {
		t.Errorf("refreshed worker = %+v", w)
	}

	ensured, err := s.EnsureWorker(ctx, "gpu-a", Base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("EnsureWorker: %v", err)
	}
	if ensured.Name != "gpu-a" || ensured.Status != cluster.StatusIdle {
		t.Errorf("ensured worker = %+v", ensured)
	}

	// EnsureWorker leaves an existing worker untouched.
	again, err := s.EnsureWorker(ctx, "gpu-b", Base.Add(time.Hour))
	if err != nil {
		t.Fatalf("EnsureWorker(existing): %v", err)
	}
	if !again.LastSeenAt.Equal(Base.Add(time.Second)) {
		t.Errorf("EnsureWorker moved last_seen_at to %v", again.LastSeenAt)
	}

	list, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(list) != 2 || list[0].ID != "gpu-a" || list[1].ID != "gpu-b" {
		t.Fatalf("ListWorkers = %+v, want [gpu-a gpu-b]", list)
	}

	n, err := s.CountWorkersSeenSince(ctx, Base.Add(time.Second))
	if err != nil {
		t.Fatalf("CountWorkersSeenSince: %v", err)
	}
	if n != 1 {
		t.Errorf("seen since +1s = %d, want 1", n)
	}
}

func testDeleteWorker(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.UpsertWorker(ctx, cluster.Heartbeat{WorkerID: "w1", Status: cluster.StatusIdle}, Base); err != nil {
		t.Fatalf("UpsertWorker: %v", err)
	}

	if err := s.DeleteWorker(ctx, "w1", Base.Add(-time.Second)); !errors.Is(err, renderq.ErrWorkerOnline) {
		t.Fatalf("delete online: err = %v, want ErrWorkerOnline", err)
	}
	if err := s.DeleteWorker(ctx, "w1", Base); err != nil {
		t.Fatalf("delete offline: %v", err)
	}
	if err := s.DeleteWorker(ctx, "w1", Base); !errors.Is(err, renderq.ErrWorkerNotFound) {
		t.Errorf("delete twice: err = %v, want ErrWorkerNotFound", err)
	}
}

func testAccounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	const day1, day2 = "2026-03-14", "2026-03-15"

	if _, err := s.GetAccount(ctx, "carol"); !errors.Is(err, renderq.ErrAccountNotFound) {
		t.Fatalf("missing account: err = %v, want ErrAccountNotFound", err)
	}
	if _, err := s.DebitAccount(ctx, "carol", day1, Base); !errors.Is(err, renderq.ErrAccountNotFound) {
		t.Fatalf("debit missing: err = %v, want ErrAccountNotFound", err)
	}

	p := quota.Profile{UserID: "carol", TrustLevel: 2, DailyQuota: 5}
	a, err := s.TouchAccount(ctx, p, day1, Base)
	if err != nil {
		t.Fatalf("TouchAccount: %v", err)
	}
	if a.TodayUsedCount != 0 || a.DailyQuota != 5 || a.LastUsedDay != day1 {
		t.Errorf("new account = %+v", a)
	}

	for range 2 {
		if a, err = s.DebitAccount(ctx, "carol", day1, Base); err != nil {
			t.Fatalf("DebitAccount: %v", err)
		}
	}
	if a.TodayUsedCount != 2 || a.TotalGenerations != 2 {
		t.Errorf("after two debits = %+v", a)
	}

	// Same-day touch refreshes the profile and keeps the counter.
	p.TrustLevel, p.DailyQuota = 3, 20
	if a, err = s.TouchAccount(ctx, p, day1, Base); err != nil {
		t.Fatalf("TouchAccount: %v", err)
	}
	if a.TodayUsedCount != 2 || a.DailyQuota != 20 || a.TrustLevel != 3 {
		t.Errorf("same-day touch = %+v", a)
	}

	// A debit on a new day starts the counter again.
	if a, err = s.DebitAccount(ctx, "carol", day2, Base.Add(24*time.Hour)); err != nil {
		t.Fatalf("DebitAccount(next day): %v", err)
	}
	if a.TodayUsedCount != 1 || a.LastUsedDay != day2 || a.TotalGenerations != 3 {
		t.Errorf("next-day debit = %+v", a)
	}

	// A touch on a later day resets without a debit.
	if a, err = s.TouchAccount(ctx, p, "2026-03-16", Base.Add(48*time.Hour)); err != nil {
		t.Fatalf("TouchAccount(later day): %v", err)
	}
	if a.TodayUsedCount != 0 || a.TotalGenerations != 3 {
		t.Errorf("later-day touch = %+v", a)
	}

	got, err := s.GetAccount(ctx, "carol")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.LastUsedDay != "2026-03-16" {
		t.Errorf("stored day = %q", got.LastUsedDay)
	}
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID.String()
	}
	return out
}

func ptr[T any](v T) *T { return &v }
