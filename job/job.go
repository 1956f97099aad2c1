package job

import (
	"time"

	"github.com/xraph/renderq/id"
)

// Status is the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job waits to be claimed.
	StatusQueued Status = "queued"
	// StatusRunning means a worker holds the job.
	StatusRunning Status = "running"
	// StatusDone means the worker delivered a result.
	StatusDone Status = "done"
	// StatusFailed means the worker reported a failure or the reaper timed
	// the job out.
	StatusFailed Status = "failed"
	// StatusCancelled means a user or admin withdrew the job.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is done, failed or cancelled.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// Pending reports whether s is queued or running.
func (s Status) Pending() bool {
	return s == StatusQueued || s == StatusRunning
}

// Job is one generation request.
type Job struct {
	ID     id.JobID `json:"id"`
	UserID string   `json:"user_id"`
	Params

	Status       Status `json:"status"`
	Priority     int    `json:"priority"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	// WorkerID is empty until the job is claimed and never cleared after.
	WorkerID string `json:"worker_id,omitempty"`

	// Exclusive jobs count toward the one-pending-job-per-user rule.
	Exclusive bool `json:"-"`

	ResultRef      string         `json:"result_ref,omitempty"`
	ResultMetadata map[string]any `json:"result_metadata,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Elapsed returns the run time of a finished job, or zero.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// Ahead reports whether j sorts strictly ahead of other in queue order.
func (j *Job) Ahead(other *Job) bool {
	if j.Priority != other.Priority {
		return j.Priority > other.Priority
	}
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.ID.String() < other.ID.String()
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.ResultMetadata != nil {
		cp.ResultMetadata = make(map[string]any, len(j.ResultMetadata))
		for k, v := range j.ResultMetadata {
			cp.ResultMetadata[k] = v
		}
	}
	return &cp
}
