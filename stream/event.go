// Package stream fans job and worker lifecycle events out to live
// subscribers. [Broker] is an ext.Extension: the engine's registry feeds it
// and it publishes each event to topic-keyed subscriber sets. Delivery never
// blocks the engine; a subscriber whose buffer is full misses the event.
package stream

import (
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobSubmitted EventType = "job.submitted"
	EventJobClaimed   EventType = "job.claimed"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventJobRetried   EventType = "job.retried"
	EventJobTimedOut  EventType = "job.timed_out"

	EventWorkerHeartbeat EventType = "worker.heartbeat"
)

// Event is the envelope sent to subscribers. Exactly one of Job and Worker
// is set.
type Event struct {
	ID        string    `json:"id" msgpack:"id"`
	Type      EventType `json:"type" msgpack:"type"`
	Timestamp time.Time `json:"ts" msgpack:"ts"`

	// Topic is the entity topic the event was published on.
	Topic string `json:"topic" msgpack:"topic"`

	Job    *JobEventData    `json:"job,omitempty" msgpack:"job,omitempty"`
	Worker *WorkerEventData `json:"worker,omitempty" msgpack:"worker,omitempty"`
}

// JobEventData is the payload for job lifecycle events.
type JobEventData struct {
	JobID      string `json:"job_id" msgpack:"job_id"`
	UserID     string `json:"user_id" msgpack:"user_id"`
	Status     string `json:"status" msgpack:"status"`
	WorkerID   string `json:"worker_id,omitempty" msgpack:"worker_id,omitempty"`
	RetryCount int    `json:"retry_count,omitempty" msgpack:"retry_count,omitempty"`
	ResultRef  string `json:"result_ref,omitempty" msgpack:"result_ref,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty" msgpack:"error,omitempty"`
}

// WorkerEventData is the payload for worker events.
type WorkerEventData struct {
	WorkerID     string `json:"worker_id" msgpack:"worker_id"`
	Name         string `json:"name" msgpack:"name"`
	Status       string `json:"status" msgpack:"status"`
	CurrentJobID string `json:"current_job_id,omitempty" msgpack:"current_job_id,omitempty"`
}
