package middleware

import (
	"context"
	"time"

	"github.com/xraph/renderq/job"
)

// Timeout returns middleware that cancels the generation context after d.
// Workers set d at or below the server's job timeout so a stuck run gives
// up before the reaper fails the job. A zero d disables the deadline.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
