package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/engine"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage/local"
	"github.com/xraph/renderq/store/memory"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

// clock advances one millisecond per reading so submissions get distinct
// created_at values.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder is an extension that counts every lifecycle hook.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) hit(hook string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[hook]++
	return nil
}

func (r *recorder) count(hook string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[hook]
}

func (r *recorder) OnJobSubmitted(context.Context, *job.Job) error { return r.hit("submitted") }
func (r *recorder) OnJobClaimed(context.Context, *job.Job) error   { return r.hit("claimed") }
func (r *recorder) OnJobCompleted(context.Context, *job.Job, time.Duration) error {
	return r.hit("completed")
}
func (r *recorder) OnJobFailed(context.Context, *job.Job, error) error { return r.hit("failed") }
func (r *recorder) OnJobCancelled(context.Context, *job.Job) error     { return r.hit("cancelled") }
func (r *recorder) OnJobRetried(context.Context, *job.Job) error       { return r.hit("retried") }
func (r *recorder) OnJobTimedOut(context.Context, *job.Job) error      { return r.hit("timed_out") }
func (r *recorder) OnWorkerHeartbeat(context.Context, *cluster.Worker) error {
	return r.hit("heartbeat")
}
func (r *recorder) OnShutdown(context.Context) error { return r.hit("shutdown") }

type fixture struct {
	eng     *engine.Engine
	store   *memory.Store
	results *local.Store
	clock   *clock
	rec     *recorder
	reader  *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		clock:  &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)},
		rec:    &recorder{},
		reader: sdkmetric.NewManualReader(),
	}
	var err error
	f.results, err = local.New(t.TempDir())
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	f.eng, err = engine.Build(f.store,
		engine.WithClock(f.clock.now),
		engine.WithStorage(f.results),
		engine.WithExtension(f.rec),
		engine.WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))),
	)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	f.heartbeat(t, "gpu-1")
	return f
}

func (f *fixture) heartbeat(t *testing.T, workerID string) {
	t.Helper()
	if _, err := f.eng.Heartbeat(context.Background(), cluster.Heartbeat{WorkerID: workerID}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
}

func (f *fixture) submit(t *testing.T, actor renderq.Actor) *job.Job {
	t.Helper()
	res, err := f.eng.Submit(context.Background(), actor, job.Params{Prompt: "a lighthouse in fog"})
	if err != nil {
		t.Fatalf("Submit(%s): %v", actor.UserID, err)
	}
	return res.Job
}

func (f *fixture) claim(t *testing.T, workerID string) *job.Job {
	t.Helper()
	j, err := f.eng.Claim(context.Background(), workerID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if j == nil {
		t.Fatal("Claim returned no job")
	}
	return j
}

func (f *fixture) upload(jobID id.JobID, workerID string) (*job.Job, error) {
	return f.eng.UploadResult(context.Background(), engine.UploadRequest{
		JobID:    jobID,
		WorkerID: workerID,
		Image:    bytes.NewReader(pngBytes),
		Size:     int64(len(pngBytes)),
		Metadata: map[string]any{"seed": float64(42)},
	})
}

func (f *fixture) usedToday(t *testing.T, userID string) int {
	t.Helper()
	acct, err := f.eng.Ledger().Account(context.Background(), userID)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	return acct.TodayUsedCount
}

func (f *fixture) objects(t *testing.T) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(f.results.Root(), func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			n++
		}
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

var (
	pngBytes = []byte("\x89PNG\r\n\x1a\nnot really an image")
	alice    = renderq.Actor{UserID: "alice", TrustLevel: 2}
	bob      = renderq.Actor{UserID: "bob"}
	admin    = renderq.Actor{UserID: "root", IsAdmin: true}
)

// ──────────────────────────────────────────────────
// Build
// ──────────────────────────────────────────────────

func TestBuild_Errors(t *testing.T) {
	if _, err := engine.Build(nil); !errors.Is(err, renderq.ErrNoStore) {
		t.Errorf("nil store: got %v", err)
	}

	cfg := renderq.DefaultConfig()
	cfg.SoftQueueLimit = cfg.HardQueueLimit + 1
	if _, err := engine.Build(memory.New(), engine.WithConfig(cfg)); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("invalid config: got %v", err)
	}

	cfg = renderq.DefaultConfig()
	cfg.ReapSchedule = "every now and then"
	if _, err := engine.Build(memory.New(), engine.WithConfig(cfg)); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("invalid schedule: got %v", err)
	}
}

// ──────────────────────────────────────────────────
// End-to-end: Submit → Claim → Upload
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	submitted := f.submit(t, alice)
	if submitted.Status != job.StatusQueued || submitted.Priority != 0 {
		t.Fatalf("submitted job = %+v", submitted)
	}

	claimed := f.claim(t, "gpu-1")
	if claimed.ID != submitted.ID || claimed.Status != job.StatusRunning || claimed.WorkerID != "gpu-1" {
		t.Fatalf("claimed job = %+v", claimed)
	}
	if claimed.StartedAt == nil {
		t.Fatal("started_at not stamped on claim")
	}

	if _, err := f.eng.ReportStatus(ctx, claimed.ID, "gpu-1", job.StatusRunning, ""); err != nil {
		t.Fatalf("ReportStatus(running): %v", err)
	}

	done, err := f.upload(claimed.ID, "gpu-1")
	if err != nil {
		t.Fatalf("UploadResult: %v", err)
	}
	if done.Status != job.StatusDone || done.FinishedAt == nil || done.ResultRef == "" {
		t.Fatalf("done job = %+v", done)
	}
	if done.ResultMetadata["seed"] != float64(42) {
		t.Errorf("metadata = %v", done.ResultMetadata)
	}
	if got := f.usedToday(t, "alice"); got != 1 {
		t.Errorf("today_used_count = %d, want 1", got)
	}

	rc, _, err := f.eng.OpenResult(ctx, done.ID, alice)
	if err != nil {
		t.Fatalf("OpenResult: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(data, pngBytes) {
		t.Error("stored image differs from upload")
	}
	if _, _, err := f.eng.OpenResult(ctx, done.ID, bob); !errors.Is(err, renderq.ErrNotOwner) {
		t.Errorf("OpenResult by another user: %v", err)
	}

	for hook, want := range map[string]int{"heartbeat": 1, "submitted": 1, "claimed": 1, "completed": 1, "failed": 0} {
		if got := f.rec.count(hook); got != want {
			t.Errorf("%s hook called %d times, want %d", hook, got, want)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	if !hasMetric(rm, "renderq.job.completed") {
		t.Error("completed counter not recorded through the meter provider")
	}

	if err := f.eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if f.rec.count("shutdown") != 1 {
		t.Error("shutdown hook not called")
	}
}

func hasMetric(rm metricdata.ResourceMetrics, name string) bool {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return true
			}
		}
	}
	return false
}

func TestEngine_ClaimEmptyQueue(t *testing.T) {
	f := newFixture(t)

	j, err := f.eng.Claim(context.Background(), "gpu-2")
	if err != nil || j != nil {
		t.Fatalf("Claim on empty queue = %v, %v", j, err)
	}

	// Claiming registers an unknown worker.
	if _, err := f.eng.Tracker().Get(context.Background(), "gpu-2"); err != nil {
		t.Errorf("worker not registered on claim: %v", err)
	}

	if _, err := f.eng.Claim(context.Background(), ""); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("empty worker id: %v", err)
	}
}

func TestEngine_Ordering(t *testing.T) {
	f := newFixture(t)

	first := f.submit(t, renderq.Actor{UserID: "u1"})
	second := f.submit(t, renderq.Actor{UserID: "u2"})
	urgent := f.submit(t, admin)
	third := f.submit(t, renderq.Actor{UserID: "u3"})

	if urgent.Priority != 10 {
		t.Fatalf("admin priority = %d", urgent.Priority)
	}

	pos, err := f.eng.QueuePosition(context.Background(), third.ID)
	if err != nil || pos != 3 {
		t.Fatalf("QueuePosition(third) = %d, %v; want 3", pos, err)
	}

	for i, want := range []id.JobID{urgent.ID, first.ID, second.ID, third.ID} {
		if got := f.claim(t, "gpu-1"); got.ID != want {
			t.Fatalf("claim %d = %s, want %s", i, got.ID, want)
		}
	}

	if _, err := f.eng.QueuePosition(context.Background(), third.ID); !errors.Is(err, renderq.ErrConflict) {
		t.Errorf("QueuePosition of running job: %v", err)
	}
}

func TestEngine_GetJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, bob)
	j := f.submit(t, alice)

	view, err := f.eng.GetJob(ctx, j.ID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if view.Position != 2 {
		t.Errorf("position = %d, want 2", view.Position)
	}
	if _, err := f.eng.GetJob(ctx, j.ID, bob); !errors.Is(err, renderq.ErrForbidden) {
		t.Errorf("GetJob by another user: %v", err)
	}
	if _, err := f.eng.GetJob(ctx, j.ID, admin); err != nil {
		t.Errorf("GetJob by admin: %v", err)
	}
	if _, err := f.eng.GetJob(ctx, id.NewJobID(), alice); !errors.Is(err, renderq.ErrNotFound) {
		t.Errorf("GetJob unknown: %v", err)
	}

	jobs, err := f.eng.ListUserJobs(ctx, alice, 10, 0)
	if err != nil || len(jobs) != 1 || jobs[0].ID != j.ID {
		t.Errorf("ListUserJobs = %v, %v", jobs, err)
	}
}

// ──────────────────────────────────────────────────
// Worker callbacks
// ──────────────────────────────────────────────────

func TestEngine_FailLeavesQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, alice)
	j := f.claim(t, "gpu-1")

	failed, err := f.eng.ReportStatus(ctx, j.ID, "gpu-1", job.StatusFailed, "")
	if err != nil {
		t.Fatalf("ReportStatus(failed): %v", err)
	}
	if failed.Status != job.StatusFailed || failed.ErrorMessage != engine.DefaultFailureMessage {
		t.Errorf("failed job = %+v", failed)
	}
	if got := f.usedToday(t, "alice"); got != 0 {
		t.Errorf("today_used_count = %d after failure", got)
	}
	if f.rec.count("failed") != 1 {
		t.Error("failed hook not called")
	}

	// A failed job frees the user for another submission.
	f.submit(t, alice)
}

func TestEngine_ReportStatusGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	queued := f.submit(t, alice)
	if _, err := f.eng.ReportStatus(ctx, queued.ID, "gpu-1", job.StatusFailed, "boom"); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Errorf("fail a queued job: %v", err)
	}

	j := f.claim(t, "gpu-1")
	tests := []struct {
		name     string
		workerID string
		status   job.Status
		want     error
	}{
		{"other worker acks", "gpu-9", job.StatusRunning, renderq.ErrWorkerMismatch},
		{"other worker fails", "gpu-9", job.StatusFailed, renderq.ErrWorkerMismatch},
		{"done without result", "gpu-1", job.StatusDone, renderq.ErrInvalidArgument},
		{"unknown status", "gpu-1", job.Status("paused"), renderq.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.eng.ReportStatus(ctx, j.ID, tt.workerID, tt.status, ""); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.upload(j.ID, "gpu-9"); !errors.Is(err, renderq.ErrWorkerMismatch) {
		t.Errorf("upload by other worker: %v", err)
	}
	if f.objects(t) != 0 {
		t.Error("rejected upload left an object behind")
	}
}

func TestEngine_UploadWithoutStorage(t *testing.T) {
	eng, err := engine.Build(memory.New())
	if err != nil {
		t.Fatal(err)
	}
	_, err = eng.UploadResult(context.Background(), engine.UploadRequest{
		JobID: id.NewJobID(), WorkerID: "gpu-1", Image: bytes.NewReader(pngBytes),
	})
	if !errors.Is(err, renderq.ErrNoStorage) {
		t.Errorf("got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Cancel and retry
// ──────────────────────────────────────────────────

func TestEngine_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	j := f.submit(t, alice)
	if _, err := f.eng.Cancel(ctx, j.ID, bob); !errors.Is(err, renderq.ErrNotOwner) {
		t.Fatalf("cancel by another user: %v", err)
	}

	cancelled, err := f.eng.Cancel(ctx, j.ID, alice)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != job.StatusCancelled || cancelled.FinishedAt == nil {
		t.Errorf("cancelled job = %+v", cancelled)
	}
	if _, err := f.eng.Cancel(ctx, j.ID, alice); !errors.Is(err, renderq.ErrConflict) {
		t.Errorf("second cancel: %v", err)
	}
	if f.rec.count("cancelled") != 1 {
		t.Error("cancelled hook not called once")
	}
}

func TestEngine_CancelRunningRejectsUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, alice)
	j := f.claim(t, "gpu-1")

	if _, err := f.eng.Cancel(ctx, j.ID, admin); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}

	if _, err := f.upload(j.ID, "gpu-1"); !errors.Is(err, renderq.ErrConflict) {
		t.Fatalf("upload after cancel: %v", err)
	}
	if _, err := f.eng.ReportStatus(ctx, j.ID, "gpu-1", job.StatusRunning, ""); !errors.Is(err, renderq.ErrConflict) {
		t.Errorf("ack after cancel: %v", err)
	}
	if got := f.usedToday(t, "alice"); got != 0 {
		t.Errorf("today_used_count = %d after cancel", got)
	}
	if f.objects(t) != 0 {
		t.Error("upload after cancel left an object behind")
	}
}

func TestEngine_Retry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, alice)
	j := f.claim(t, "gpu-1")
	if _, err := f.eng.ReportStatus(ctx, j.ID, "gpu-1", job.StatusFailed, "cuda oom"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.eng.Retry(ctx, j.ID, alice); !errors.Is(err, renderq.ErrNotAdmin) {
		t.Fatalf("retry by owner: %v", err)
	}

	retried, err := f.eng.Retry(ctx, j.ID, admin)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != job.StatusQueued || retried.RetryCount != 1 || retried.ErrorMessage != "" {
		t.Errorf("retried job = %+v", retried)
	}
	if retried.WorkerID != "gpu-1" {
		t.Error("worker_id must survive a retry")
	}

	if _, err := f.eng.Retry(ctx, j.ID, admin); !errors.Is(err, renderq.ErrInvalidTransition) {
		t.Errorf("retry of a queued job: %v", err)
	}

	again := f.claim(t, "gpu-1")
	if _, err := f.upload(again.ID, "gpu-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Retry(ctx, j.ID, admin); !errors.Is(err, renderq.ErrConflict) {
		t.Errorf("retry of a done job: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Reaper and workers
// ──────────────────────────────────────────────────

func TestEngine_ReaperTimesOutStaleJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, alice)
	j := f.claim(t, "gpu-1")

	f.clock.advance(f.eng.Config().JobTimeout + time.Second)
	n, err := f.eng.Reaper().Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Sweep = %d, %v", n, err)
	}

	got, err := f.eng.GetJob(ctx, j.ID, alice)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusFailed || got.ErrorMessage != f.eng.Reaper().TimeoutMessage() {
		t.Errorf("reaped job = %+v", got.Job)
	}
	if f.rec.count("timed_out") != 1 {
		t.Error("timed out hook not called")
	}

	// The late worker learns the job is gone.
	if _, err := f.upload(j.ID, "gpu-1"); !errors.Is(err, renderq.ErrConflict) {
		t.Errorf("late upload: %v", err)
	}
}

func TestEngine_Workers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.eng.ListWorkers(ctx, alice); !errors.Is(err, renderq.ErrNotAdmin) {
		t.Errorf("ListWorkers by user: %v", err)
	}

	workers, err := f.eng.ListWorkers(ctx, admin)
	if err != nil || len(workers) != 1 || !workers[0].Online {
		t.Fatalf("ListWorkers = %+v, %v", workers, err)
	}

	if err := f.eng.DeleteWorker(ctx, admin, "gpu-1"); !errors.Is(err, renderq.ErrWorkerOnline) {
		t.Fatalf("delete online worker: %v", err)
	}

	f.clock.advance(f.eng.Config().HeartbeatTimeout + time.Second)
	if _, err := f.eng.Submit(ctx, alice, job.Params{Prompt: "x"}); !errors.Is(err, renderq.ErrNoWorkers) {
		t.Errorf("submit with no workers online: %v", err)
	}
	if err := f.eng.DeleteWorker(ctx, admin, "gpu-1"); err != nil {
		t.Fatalf("delete offline worker: %v", err)
	}
	if err := f.eng.DeleteWorker(ctx, admin, "gpu-1"); !errors.Is(err, renderq.ErrNotFound) {
		t.Errorf("delete twice: %v", err)
	}
}

func TestEngine_Stats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submit(t, alice)
	f.submit(t, bob)
	j := f.claim(t, "gpu-1")
	if _, err := f.upload(j.ID, "gpu-1"); err != nil {
		t.Fatal(err)
	}
	f.heartbeat(t, "gpu-2")

	if _, err := f.eng.Stats(ctx, bob); !errors.Is(err, renderq.ErrForbidden) {
		t.Errorf("Stats by user: %v", err)
	}

	s, err := f.eng.Stats(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	want := engine.Stats{
		TotalJobs:     2,
		QueuedJobs:    1,
		CompletedJobs: 1,
		JobsToday:     2,
		OnlineWorkers: 2,
		TotalWorkers:  2,
	}
	if *s != want {
		t.Errorf("Stats = %+v, want %+v", *s, want)
	}

	jobs, err := f.eng.ListJobs(ctx, admin, job.ListOpts{Status: job.StatusDone})
	if err != nil || len(jobs) != 1 {
		t.Errorf("ListJobs(done) = %d, %v", len(jobs), err)
	}
	if _, err := f.eng.ListJobs(ctx, admin, job.ListOpts{Status: "lost"}); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("ListJobs(bad status): %v", err)
	}
}

func TestEngine_Quota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	q, err := f.eng.Quota(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if q.DailyQuota != 5 || q.Remaining != 5 || q.Unlimited {
		t.Errorf("quota = %+v", q)
	}

	f.submit(t, alice)
	j := f.claim(t, "gpu-1")
	if _, err := f.upload(j.ID, "gpu-1"); err != nil {
		t.Fatal(err)
	}

	q, err = f.eng.Quota(ctx, alice)
	if err != nil {
		t.Fatal(err)
	}
	if q.Remaining != 4 || q.TotalGenerations != 1 {
		t.Errorf("quota after one job = %+v", q)
	}

	if _, err := f.eng.Quota(ctx, renderq.Actor{}); !errors.Is(err, renderq.ErrNoIdentity) {
		t.Errorf("anonymous quota: %v", err)
	}
}
