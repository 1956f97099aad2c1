// Package job defines the Job entity, its state machine and the store
// contract every backend implements.
//
// # State Machine
//
//	queued → running → done
//	queued → running → failed → queued (admin retry)
//	queued → cancelled
//	running → cancelled
//
// Every state change is a conditional write: an [Update] names the source
// states it may leave from and the store applies it only if the job is in
// one of them. Two racing transitions therefore cannot both succeed; the
// loser gets [renderq.ErrInvalidTransition].
//
// # Ordering
//
// The queue is ordered by priority descending, then created_at ascending,
// then id ascending. [Store.ClaimJob] hands out the head of that order and
// [Store.CountAhead] counts queued jobs strictly ahead of a given one.
package job
