// Package throttle rate-limits the two hot paths of the coordinator:
// job submissions, keyed by user, and job claims, keyed by worker.
//
// Each key gets its own token bucket (golang.org/x/time/rate). A zero rate
// disables the corresponding limit:
//
//	l := throttle.New(throttle.Config{
//	    SubmitRate:  0.2, // one submission every 5s per user
//	    SubmitBurst: 3,
//	    ClaimRate:   5,   // five claims per second per worker
//	    ClaimBurst:  10,
//	})
//	if err := l.AllowSubmit(actor.UserID); err != nil {
//	    // renderq.ErrRateLimited
//	}
//
// Buckets that have refilled are indistinguishable from new ones and are
// pruned once a limiter tracks more than [MaxKeys] keys.
package throttle
