package job

import (
	"slices"
	"time"

	"github.com/xraph/renderq"
)

// Update is a conditional state change. A store applies it atomically and
// only when the job's current status is in From and every other guard holds.
type Update struct {
	From []Status
	To   Status
	At   time.Time

	// WorkerID, when set, requires the job to be held by this worker.
	WorkerID string

	// StartedBefore, when set, requires started_at < StartedBefore.
	StartedBefore *time.Time

	// SetFinished stamps finished_at = At.
	SetFinished bool

	// ErrorMessage replaces error_message when non-nil. A pointer to ""
	// clears it.
	ErrorMessage *string

	ResultRef      string
	ResultMetadata map[string]any

	// IncrementRetry bumps retry_count by one.
	IncrementRetry bool
}

// Complete moves a running job held by workerID to done.
func Complete(workerID string, at time.Time, ref string, meta map[string]any) Update {
	return Update{
		From:           []Status{StatusRunning},
		To:             StatusDone,
		At:             at,
		WorkerID:       workerID,
		SetFinished:    true,
		ResultRef:      ref,
		ResultMetadata: meta,
	}
}

// Fail moves a running job held by workerID to failed.
func Fail(workerID string, at time.Time, msg string) Update {
	return Update{
		From:         []Status{StatusRunning},
		To:           StatusFailed,
		At:           at,
		WorkerID:     workerID,
		SetFinished:  true,
		ErrorMessage: &msg,
	}
}

// TimeOut moves a running job that started before cutoff to failed.
func TimeOut(cutoff, at time.Time, msg string) Update {
	return Update{
		From:          []Status{StatusRunning},
		To:            StatusFailed,
		At:            at,
		StartedBefore: &cutoff,
		SetFinished:   true,
		ErrorMessage:  &msg,
	}
}

// Cancel withdraws a queued or running job.
func Cancel(at time.Time) Update {
	return Update{
		From:        []Status{StatusQueued, StatusRunning},
		To:          StatusCancelled,
		At:          at,
		SetFinished: true,
	}
}

// Retry puts a failed job back in the queue with its error cleared.
func Retry(at time.Time) Update {
	empty := ""
	return Update{
		From:           []Status{StatusFailed},
		To:             StatusQueued,
		At:             at,
		ErrorMessage:   &empty,
		IncrementRetry: true,
	}
}

// Matches reports whether the guards of u hold for j.
func (u Update) Matches(j *Job) bool {
	if !slices.Contains(u.From, j.Status) {
		return false
	}
	if u.WorkerID != "" && j.WorkerID != u.WorkerID {
		return false
	}
	if u.StartedBefore != nil && (j.StartedAt == nil || !j.StartedAt.Before(*u.StartedBefore)) {
		return false
	}
	return true
}

// Apply mutates j as the store would. Callers check Matches first.
func (u Update) Apply(j *Job) {
	j.Status = u.To
	j.UpdatedAt = u.At
	if u.SetFinished {
		at := u.At
		j.FinishedAt = &at
	}
	if u.ErrorMessage != nil {
		j.ErrorMessage = *u.ErrorMessage
	}
	if u.ResultRef != "" {
		j.ResultRef = u.ResultRef
	}
	if u.ResultMetadata != nil {
		j.ResultMetadata = u.ResultMetadata
	}
	if u.IncrementRetry {
		j.RetryCount++
	}
}

// Miss explains why u did not apply to current, the job as it stands after
// the conditional write found no match. A nil current means the job does
// not exist.
func (u Update) Miss(current *Job) error {
	switch {
	case current == nil:
		return renderq.ErrJobNotFound
	case slices.Contains(u.From, current.Status) && u.WorkerID != "" && current.WorkerID != u.WorkerID:
		return renderq.ErrWorkerMismatch
	default:
		return renderq.ErrInvalidTransition
	}
}

// FromStrings returns the source statuses as strings, for SQL ANY($n).
func (u Update) FromStrings() []string {
	out := make([]string, len(u.From))
	for i, s := range u.From {
		out[i] = string(s)
	}
	return out
}
