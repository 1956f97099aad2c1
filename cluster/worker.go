package cluster

import "time"

// Status is the worker's self-reported state. It is advisory only.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusIdle || s == StatusBusy || s == StatusOffline
}

// Worker is one compute node.
type Worker struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       Status         `json:"status"`
	CurrentJobID string         `json:"current_job_id,omitempty"`
	GPUInfo      map[string]any `json:"gpu_info,omitempty"`
	LastSeenAt   time.Time      `json:"last_seen_at"`
	CreatedAt    time.Time      `json:"created_at"`
}

// IsOnline reports whether w heartbeated within timeout of now.
func (w *Worker) IsOnline(now time.Time, timeout time.Duration) bool {
	return now.Sub(w.LastSeenAt) < timeout
}

// Heartbeat is a worker's periodic report.
type Heartbeat struct {
	WorkerID     string         `json:"worker_id"`
	Name         string         `json:"name,omitempty"`
	Status       Status         `json:"status"`
	CurrentJobID string         `json:"current_job_id,omitempty"`
	GPUInfo      map[string]any `json:"gpu_info,omitempty"`
}

// Apply overwrites w with the heartbeat fields and stamps last_seen_at.
// An empty name keeps the existing one.
func (hb Heartbeat) Apply(w *Worker, now time.Time) {
	if hb.Name != "" {
		w.Name = hb.Name
	}
	if w.Name == "" {
		w.Name = hb.WorkerID
	}
	w.Status = hb.Status
	w.CurrentJobID = hb.CurrentJobID
	w.GPUInfo = hb.GPUInfo
	w.LastSeenAt = now
}

// Snapshot is a worker with its liveness computed at read time.
type Snapshot struct {
	*Worker
	Online bool `json:"is_online"`
}
