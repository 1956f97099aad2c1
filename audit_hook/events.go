package audithook

// Audit actions. Each corresponds to one ext lifecycle hook.
const (
	ActionJobSubmitted = "job.submitted"
	ActionJobClaimed   = "job.claimed"
	ActionJobCompleted = "job.completed"
	ActionJobFailed    = "job.failed"
	ActionJobCancelled = "job.cancelled"
	ActionJobRetried   = "job.retried"
	ActionJobTimedOut  = "job.timed_out"
)

// CategoryJob groups every action this extension emits.
const CategoryJob = "renderq.job"

// ResourceJob is the Resource of every event.
const ResourceJob = "job"

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobSubmitted,
		ActionJobClaimed,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCancelled,
		ActionJobRetried,
		ActionJobTimedOut,
	}
}
