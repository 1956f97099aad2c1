package audithook_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/renderq"
	ah "github.com/xraph/renderq/audit_hook"
	"github.com/xraph/renderq/ext"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestJob() *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		UserID:   "alice",
		Status:   job.StatusRunning,
		WorkerID: "gpu-1",
		Params: job.Params{
			Prompt: "a lighthouse at dusk",
			Width:  512,
			Height: 512,
			Steps:  9,
		},
	}
}

// ── Tests ────────────────────────────────────────────

func TestName(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("Name() = %q, want %q", e.Name(), "audit-hook")
	}
}

func TestImplementsHooks(t *testing.T) {
	var e any = ah.New(&mockRecorder{})
	if _, ok := e.(ext.JobSubmitted); !ok {
		t.Error("does not implement ext.JobSubmitted")
	}
	if _, ok := e.(ext.JobTimedOut); !ok {
		t.Error("does not implement ext.JobTimedOut")
	}
	if _, ok := e.(ext.WorkerHeartbeat); ok {
		t.Error("unexpectedly implements ext.WorkerHeartbeat")
	}
}

func TestOnJobSubmitted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()

	ctx := renderq.WithActor(context.Background(), renderq.Actor{UserID: "alice"})
	if err := e.OnJobSubmitted(ctx, j); err != nil {
		t.Fatal(err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionJobSubmitted {
		t.Errorf("Action = %q, want %q", evt.Action, ah.ActionJobSubmitted)
	}
	if evt.Resource != ah.ResourceJob || evt.Category != ah.CategoryJob {
		t.Errorf("Resource/Category = %q/%q", evt.Resource, evt.Category)
	}
	if evt.ResourceID != j.ID.String() {
		t.Errorf("ResourceID = %q, want %q", evt.ResourceID, j.ID.String())
	}
	if evt.Actor != "alice" || evt.IsAdmin {
		t.Errorf("Actor = %q admin=%v, want alice", evt.Actor, evt.IsAdmin)
	}
	if evt.Metadata["size"] != "512x512" {
		t.Errorf("size = %v, want 512x512", evt.Metadata["size"])
	}
	if evt.Outcome != ah.OutcomeSuccess || evt.Severity != ah.SeverityInfo {
		t.Errorf("Outcome/Severity = %q/%q", evt.Outcome, evt.Severity)
	}
}

func TestOnJobCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	j.ResultRef = "results/" + j.ID.String() + ".png"

	if err := e.OnJobCompleted(context.Background(), j, 1500*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	evt := rec.last()
	if evt.Metadata["elapsed_ms"] != int64(1500) {
		t.Errorf("elapsed_ms = %v, want 1500", evt.Metadata["elapsed_ms"])
	}
	if evt.Metadata["worker_id"] != "gpu-1" {
		t.Errorf("worker_id = %v", evt.Metadata["worker_id"])
	}
	if evt.Actor != "" {
		t.Errorf("Actor = %q, want empty for worker callbacks", evt.Actor)
	}
}

func TestOnJobFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobFailed(context.Background(), newTestJob(), errors.New("CUDA out of memory")); err != nil {
		t.Fatal(err)
	}

	evt := rec.last()
	if evt.Outcome != ah.OutcomeFailure {
		t.Errorf("Outcome = %q, want failure", evt.Outcome)
	}
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity = %q, want warning", evt.Severity)
	}
	if evt.Reason != "CUDA out of memory" {
		t.Errorf("Reason = %q", evt.Reason)
	}
}

func TestOnJobTimedOut(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	if err := e.OnJobTimedOut(context.Background(), newTestJob()); err != nil {
		t.Fatal(err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityCritical {
		t.Errorf("Severity = %q, want critical", evt.Severity)
	}
	if evt.Reason != renderq.ErrJobTimedOut.Error() {
		t.Errorf("Reason = %q", evt.Reason)
	}
}

func TestAdminActor(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	ctx := renderq.WithActor(context.Background(), renderq.Actor{UserID: "root", IsAdmin: true})
	j := newTestJob()
	j.RetryCount = 1
	if err := e.OnJobRetried(ctx, j); err != nil {
		t.Fatal(err)
	}

	evt := rec.findByAction(ah.ActionJobRetried)
	if evt == nil {
		t.Fatal("no retry event")
	}
	if evt.Actor != "root" || !evt.IsAdmin {
		t.Errorf("Actor = %q admin=%v, want root admin", evt.Actor, evt.IsAdmin)
	}
	if evt.Metadata["retry_count"] != 1 {
		t.Errorf("retry_count = %v, want 1", evt.Metadata["retry_count"])
	}
}

func TestWithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobCancelled))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobSubmitted(ctx, j)
	_ = e.OnJobClaimed(ctx, j)
	_ = e.OnJobCancelled(ctx, j)

	if rec.count() != 1 {
		t.Fatalf("count = %d, want 1", rec.count())
	}
	if rec.findByAction(ah.ActionJobCancelled) == nil {
		t.Error("cancel event missing")
	}
}

func TestRecorderErrorSwallowed(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("disk full")
	})
	e := ah.New(failing, ah.WithLogger(logger))

	if err := e.OnJobClaimed(context.Background(), newTestJob()); err != nil {
		t.Fatalf("hook returned %v, want nil", err)
	}
	if !strings.Contains(buf.String(), "disk full") {
		t.Errorf("recorder error not logged: %q", buf.String())
	}
}

func TestLogRecorder(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := ah.New(ah.LogRecorder(logger))

	ctx := renderq.WithActor(context.Background(), renderq.Actor{UserID: "bob"})
	_ = e.OnJobCancelled(ctx, newTestJob())
	_ = e.OnJobTimedOut(context.Background(), newTestJob())

	out := buf.String()
	for _, want := range []string{
		"action=job.cancelled",
		"actor=bob",
		"level=ERROR",
		"action=job.timed_out",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestAllActions(t *testing.T) {
	actions := ah.AllActions()
	if len(actions) != 7 {
		t.Fatalf("AllActions() = %d actions, want 7", len(actions))
	}
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
}
