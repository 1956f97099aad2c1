// Package admission decides whether a submission becomes a queued job.
//
// [Controller.Submit] runs the checks in a fixed order and stops at the
// first rejection, before any row is written:
//
//  1. parameters are validated (renderq.ErrInvalidArgument)
//  2. at least one worker must be online (renderq.ErrNoWorkers)
//  3. a non-admin may have only one job queued or running (renderq.ErrPendingJob)
//  4. the daily quota must not be spent (renderq.ErrQuotaExhausted)
//  5. a non-admin is refused once the queue holds HardQueueLimit jobs (renderq.ErrQueueFull)
//
// The pending check in step 3 is advisory: the store enforces the same
// rule atomically when the job is inserted, so two concurrent submissions
// from one user cannot both land.
package admission
