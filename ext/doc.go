// Package ext defines the extension system for renderq.
//
// Extensions are notified of job and worker lifecycle events and can react
// to them: recording metrics, pushing events to stream subscribers, writing
// audit logs. Each hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type Notifier struct{}
//
//	func (n *Notifier) Name() string { return "notifier" }
//
//	func (n *Notifier) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s done in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Hooks
//
//   - [JobSubmitted]: admission accepted a job
//   - [JobClaimed]: a worker claimed a job
//   - [JobCompleted]: a worker delivered a result
//   - [JobFailed]: a worker reported a failure
//   - [JobCancelled]: a user or admin withdrew a job
//   - [JobRetried]: an admin re-queued a failed job
//   - [JobTimedOut]: the reaper failed a job that ran too long
//   - [WorkerHeartbeat]: a worker heartbeat was recorded
//   - [Shutdown]: the engine is stopping
//
// Hook errors are logged and never reach the caller that triggered the
// event.
package ext
