package cluster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestLiveness(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := cluster.NewTracker(memory.New(), 30*time.Second, cluster.WithClock(c.now))

	online, err := tr.AnyOnline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if online {
		t.Fatal("empty cluster reported online")
	}

	if _, err := tr.Heartbeat(ctx, cluster.Heartbeat{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		after time.Duration
		want  bool
	}{
		{"just seen", 0, true},
		{"inside timeout", 29 * time.Second, true},
		{"past timeout", 31 * time.Second, false},
	}
	start := c.t
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = start.Add(tt.after)
			got, err := tr.AnyOnline(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("AnyOnline = %v, want %v", got, tt.want)
			}
			snap, err := tr.Get(ctx, "w1")
			if err != nil {
				t.Fatal(err)
			}
			if snap.Online != tt.want {
				t.Errorf("snapshot online = %v, want %v", snap.Online, tt.want)
			}
		})
	}
}

func TestHeartbeatValidation(t *testing.T) {
	ctx := context.Background()
	tr := cluster.NewTracker(memory.New(), 30*time.Second)

	if _, err := tr.Heartbeat(ctx, cluster.Heartbeat{}); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("missing id: err = %v, want ErrInvalidArgument", err)
	}
	if _, err := tr.Heartbeat(ctx, cluster.Heartbeat{WorkerID: "w1", Status: "melting"}); !errors.Is(err, renderq.ErrInvalidArgument) {
		t.Errorf("bad status: err = %v, want ErrInvalidArgument", err)
	}

	w, err := tr.Heartbeat(ctx, cluster.Heartbeat{WorkerID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if w.Status != cluster.StatusIdle || w.Name != "w1" {
		t.Errorf("defaulted worker = %+v", w)
	}
}

func TestContactDoesNotRefreshLiveness(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := cluster.NewTracker(memory.New(), 30*time.Second, cluster.WithClock(c.now))

	if _, err := tr.Heartbeat(ctx, cluster.Heartbeat{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	c.t = c.t.Add(time.Minute)
	if _, err := tr.Contact(ctx, "w1"); err != nil {
		t.Fatal(err)
	}
	n, err := tr.OnlineCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("OnlineCount = %d after contact from silent worker, want 0", n)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	tr := cluster.NewTracker(memory.New(), 30*time.Second, cluster.WithClock(c.now))

	if _, err := tr.Heartbeat(ctx, cluster.Heartbeat{WorkerID: "w1"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Delete(ctx, "w1"); !errors.Is(err, renderq.ErrWorkerOnline) {
		t.Fatalf("delete online: err = %v, want ErrWorkerOnline", err)
	}

	c.t = c.t.Add(31 * time.Second)
	if err := tr.Delete(ctx, "w1"); err != nil {
		t.Fatalf("delete offline: %v", err)
	}
	list, err := tr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("workers after delete = %d", len(list))
	}
}
