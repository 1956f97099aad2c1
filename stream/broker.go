package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/ext"
	"github.com/xraph/renderq/id"
	"github.com/xraph/renderq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobSubmitted    = (*Broker)(nil)
	_ ext.JobClaimed      = (*Broker)(nil)
	_ ext.JobCompleted    = (*Broker)(nil)
	_ ext.JobFailed       = (*Broker)(nil)
	_ ext.JobCancelled    = (*Broker)(nil)
	_ ext.JobRetried      = (*Broker)(nil)
	_ ext.JobTimedOut     = (*Broker)(nil)
	_ ext.WorkerHeartbeat = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 64

// Broker receives lifecycle events as an extension and fans them out to
// subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	subscribers map[string]*Subscriber

	totalPublished atomic.Int64
	totalDropped   atomic.Int64

	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) BrokerOption {
	return func(b *Broker) { b.now = now }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		topics:      NewTopicRegistry(),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[string]*Subscriber),
		bufferSize:  DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a subscriber on topics. An empty id is replaced with a
// random one. filter may be nil.
func (b *Broker) Subscribe(subscriberID string, filter func(*Event) bool, topics ...string) *Subscriber {
	if subscriberID == "" {
		subscriberID = uuid.NewString()
	}
	sub := NewSubscriber(subscriberID, b.bufferSize, filter)

	b.mu.Lock()
	if old, ok := b.subscribers[subscriberID]; ok {
		b.topics.UnsubscribeAll(subscriberID)
		old.Close()
	}
	b.subscribers[subscriberID] = sub
	b.mu.Unlock()

	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.mu.Lock()
	sub, ok := b.subscribers[subscriberID]
	delete(b.subscribers, subscriberID)
	b.mu.Unlock()

	b.topics.UnsubscribeAll(subscriberID)
	if ok {
		sub.Close()
	}
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	b.mu.Lock()
	count := len(b.subscribers)
	b.mu.Unlock()
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    b.totalDropped.Load(),
	}
}

// Publish broadcasts evt to every topic it resolves to, filling in the id
// and timestamp when missing.
func (b *Broker) Publish(evt *Event) {
	if evt.ID == "" {
		evt.ID = id.NewEventID().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.now()
	}
	delivered, dropped := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
	if dropped > 0 {
		b.totalDropped.Add(int64(dropped))
		b.logger.Debug("stream events dropped",
			slog.String("type", string(evt.Type)),
			slog.Int("dropped", dropped),
		)
	}
}

func (b *Broker) publishJob(t EventType, j *job.Job, data JobEventData) {
	data.JobID = j.ID.String()
	data.UserID = j.UserID
	data.Status = string(j.Status)
	data.WorkerID = j.WorkerID
	data.RetryCount = j.RetryCount
	b.Publish(&Event{Type: t, Topic: JobTopic(data.JobID), Job: &data})
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobSubmitted(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobSubmitted, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobClaimed(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobClaimed, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	b.publishJob(EventJobCompleted, j, JobEventData{
		ResultRef: j.ResultRef,
		ElapsedMs: elapsed.Milliseconds(),
	})
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job, jobErr error) error {
	data := JobEventData{Error: j.ErrorMessage}
	if data.Error == "" && jobErr != nil {
		data.Error = jobErr.Error()
	}
	b.publishJob(EventJobFailed, j, data)
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobCancelled, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobRetried(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobRetried, j, JobEventData{})
	return nil
}

func (b *Broker) OnJobTimedOut(_ context.Context, j *job.Job) error {
	b.publishJob(EventJobTimedOut, j, JobEventData{Error: j.ErrorMessage})
	return nil
}

// ── Worker hooks ────────────────────────────────────

func (b *Broker) OnWorkerHeartbeat(_ context.Context, w *cluster.Worker) error {
	b.Publish(&Event{
		Type: EventWorkerHeartbeat,
		Worker: &WorkerEventData{
			WorkerID:     w.ID,
			Name:         w.Name,
			Status:       string(w.Status),
			CurrentJobID: w.CurrentJobID,
		},
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

// OnShutdown closes every subscriber so stream handlers return.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for subID, sub := range subs {
		b.topics.UnsubscribeAll(subID)
		sub.Close()
	}
	b.logger.Info("stream broker shut down", slog.Int("subscribers", len(subs)))
	return nil
}
