package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testJob(userID string) *job.Job {
	return &job.Job{ID: id.NewJobID(), UserID: userID, Status: job.StatusQueued}
}

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s on %s", evt.Type, sub.ID())
	default:
	}
}

func TestBroker_UserTopic(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	ctx := context.Background()

	alice := b.Subscribe("alice", nil, UserTopic("alice"))
	bob := b.Subscribe("bob", nil, UserTopic("bob"))

	j := testJob("alice")
	if err := b.OnJobSubmitted(ctx, j); err != nil {
		t.Fatal(err)
	}

	evt := receive(t, alice)
	if evt.Type != EventJobSubmitted || evt.Job == nil || evt.Job.JobID != j.ID.String() {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.ID == "" || evt.Timestamp.IsZero() {
		t.Error("event id and timestamp must be filled in")
	}
	if evt.Topic != JobTopic(j.ID.String()) {
		t.Errorf("topic = %q", evt.Topic)
	}
	expectNone(t, bob)
}

func TestBroker_GlobalTopics(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	ctx := context.Background()

	firehose := b.Subscribe("fh", nil, TopicFirehose)
	jobs := b.Subscribe("jobs", nil, TopicJobs)
	workers := b.Subscribe("workers", nil, TopicWorkers)

	_ = b.OnJobFailed(ctx, testJob("u1"), errors.New("cuda oom"))
	_ = b.OnWorkerHeartbeat(ctx, &cluster.Worker{ID: "w1", Status: cluster.StatusIdle})

	if evt := receive(t, jobs); evt.Type != EventJobFailed || evt.Job.Error != "cuda oom" {
		t.Errorf("jobs topic got %+v", evt)
	}
	expectNone(t, jobs)

	if evt := receive(t, workers); evt.Type != EventWorkerHeartbeat || evt.Worker.WorkerID != "w1" {
		t.Errorf("workers topic got %+v", evt)
	}

	if receive(t, firehose).Type != EventJobFailed || receive(t, firehose).Type != EventWorkerHeartbeat {
		t.Error("firehose must see every event in order")
	}
}

func TestBroker_DeduplicatesAcrossTopics(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())

	j := testJob("u1")
	sub := b.Subscribe("s", nil, TopicFirehose, TopicJobs, UserTopic("u1"), JobTopic(j.ID.String()))
	_ = b.OnJobClaimed(context.Background(), j)

	receive(t, sub)
	expectNone(t, sub)
}

func TestBroker_Filter(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())
	ctx := context.Background()

	onlyDone := func(evt *Event) bool { return evt.Type == EventJobCompleted }
	sub := b.Subscribe("s", onlyDone, TopicJobs)

	_ = b.OnJobClaimed(ctx, testJob("u1"))
	_ = b.OnJobCompleted(ctx, testJob("u1"), 2*time.Second)

	evt := receive(t, sub)
	if evt.Type != EventJobCompleted || evt.Job.ElapsedMs != 2000 {
		t.Errorf("filtered event = %+v", evt)
	}
	expectNone(t, sub)
}

func TestBroker_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger(), WithBufferSize(2))
	sub := b.Subscribe("slow", nil, TopicJobs)

	for range 5 {
		_ = b.OnJobSubmitted(context.Background(), testJob("u1"))
	}

	if sub.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", sub.Dropped())
	}
	stats := b.Stats()
	if stats.TotalPublished != 2 || stats.TotalDropped != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBroker_RemoveAndShutdown(t *testing.T) {
	t.Parallel()
	b := NewBroker(testLogger())

	a := b.Subscribe("a", nil, TopicJobs)
	c := b.Subscribe("", nil, TopicJobs)
	if c.ID() == "" {
		t.Fatal("expected a generated subscriber id")
	}

	b.RemoveSubscriber("a")
	if _, open := <-a.C(); open {
		t.Error("removed subscriber channel still open")
	}
	if got := b.Topics().SubscriberCount(TopicJobs); got != 1 {
		t.Errorf("subscribers on jobs = %d, want 1", got)
	}

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, open := <-c.C(); open {
		t.Error("subscriber channel open after shutdown")
	}
	if stats := b.Stats(); stats.SubscriberCount != 0 || stats.TopicCount != 0 {
		t.Errorf("stats after shutdown = %+v", stats)
	}

	// Publishing after shutdown is harmless.
	_ = b.OnJobSubmitted(context.Background(), testJob("u1"))
}

func TestValidateTopic(t *testing.T) {
	for _, topic := range []string{TopicJobs, TopicWorkers, TopicFirehose, "job:job_1", "user:42"} {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	for _, topic := range []string{"", "queue:x", "user:", "everything"} {
		if err := ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) accepted", topic)
		}
	}
}

func TestCodecs(t *testing.T) {
	evt := &Event{
		ID:        "evt_1",
		Type:      EventJobCompleted,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Topic:     "job:job_1",
		Job:       &JobEventData{JobID: "job_1", UserID: "u1", Status: "done", ElapsedMs: 1500},
	}

	for _, name := range []string{CodecNameJSON, CodecNameMsgpack} {
		t.Run(name, func(t *testing.T) {
			codec, err := GetCodec(name)
			if err != nil {
				t.Fatal(err)
			}
			data, err := codec.Encode(evt)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := codec.Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Type != evt.Type || !got.Timestamp.Equal(evt.Timestamp) || got.Job == nil || *got.Job != *evt.Job {
				t.Errorf("decoded = %+v", got)
			}
			if got.Worker != nil {
				t.Error("absent worker payload decoded as present")
			}
		})
	}

	if _, err := GetCodec("protobuf"); err == nil {
		t.Error("expected an error for an unknown codec")
	}
}
