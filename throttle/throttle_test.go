package throttle

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/renderq"
)

func TestDisabled(t *testing.T) {
	l := New(Config{})
	for range 100 {
		if err := l.AllowSubmit("u1"); err != nil {
			t.Fatalf("AllowSubmit: %v", err)
		}
		if err := l.AllowClaim("w1"); err != nil {
			t.Fatalf("AllowClaim: %v", err)
		}
	}

	var nilLimiter *Limiter
	if err := nilLimiter.AllowSubmit("u1"); err != nil {
		t.Fatalf("nil limiter: %v", err)
	}
}

func TestSubmitBurst(t *testing.T) {
	l := New(Config{SubmitRate: 0.001, SubmitBurst: 2})

	for i := range 2 {
		if err := l.AllowSubmit("u1"); err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
	}

	err := l.AllowSubmit("u1")
	if !errors.Is(err, renderq.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if !errors.Is(err, renderq.ErrResourceExhausted) {
		t.Error("rate limit must be ResourceExhausted")
	}

	// Other users and the claim path have their own buckets.
	if err := l.AllowSubmit("u2"); err != nil {
		t.Fatalf("other user: %v", err)
	}
	if err := l.AllowClaim("u1"); err != nil {
		t.Fatalf("claims are unlimited: %v", err)
	}
}

func TestClaimDefaultBurst(t *testing.T) {
	l := New(Config{ClaimRate: 0.001})

	if err := l.AllowClaim("w1"); err != nil {
		t.Fatal(err)
	}
	if err := l.AllowClaim("w1"); !errors.Is(err, renderq.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestRefill(t *testing.T) {
	l := New(Config{SubmitRate: 100, SubmitBurst: 1})

	if err := l.AllowSubmit("u1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := l.AllowSubmit("u1"); err != nil {
		t.Fatalf("bucket did not refill: %v", err)
	}
}

func TestPrune(t *testing.T) {
	l := New(Config{SubmitRate: 1000, SubmitBurst: 1})

	for i := range MaxKeys {
		if err := l.AllowSubmit(fmt.Sprintf("u%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.submit.len(); got != MaxKeys {
		t.Fatalf("keys = %d, want %d", got, MaxKeys)
	}

	time.Sleep(20 * time.Millisecond)
	if err := l.AllowSubmit("late"); err != nil {
		t.Fatal(err)
	}
	if got := l.submit.len(); got != 1 {
		t.Errorf("keys after prune = %d, want 1", got)
	}
}

func TestConcurrentSubmit(t *testing.T) {
	l := New(Config{SubmitRate: 0.001, SubmitBurst: 5})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.AllowSubmit("u1") == nil {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 5 {
		t.Errorf("allowed = %d, want 5", got)
	}
}
