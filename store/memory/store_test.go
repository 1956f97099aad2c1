package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/store"
	"github.com/xraph/renderq/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestRetryBlockedByPendingJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	at := storetest.Base.Add(time.Minute)

	failed := storetest.NewJob("dave", 0, 0)
	failed.Exclusive = true
	if err := s.InsertJob(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJob(ctx, "w1", at); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateJob(ctx, failed.ID, job.Fail("w1", at, "boom")); err != nil {
		t.Fatal(err)
	}

	pending := storetest.NewJob("dave", 0, time.Second)
	pending.Exclusive = true
	if err := s.InsertJob(ctx, pending); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpdateJob(ctx, failed.ID, job.Retry(at)); !errors.Is(err, renderq.ErrPendingJob) {
		t.Fatalf("retry with pending job: err = %v, want ErrPendingJob", err)
	}
}

func TestReturnsCopies(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := storetest.NewJob("erin", 0, 0)
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	j.Prompt = "mutated after insert"

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Prompt == "mutated after insert" {
		t.Fatal("store shares memory with caller")
	}
}
