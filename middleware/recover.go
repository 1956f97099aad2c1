package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/renderq/job"
)

// ErrPanic marks errors produced by Recover.
var ErrPanic = errors.New("generator panic")

// Recover turns a panicking generator into a failed job. The stack trace
// goes to the log only; the returned error stays short enough to be
// stored as the job's error message.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			logger.Error("generator panicked",
				slog.String("job_id", j.ID.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("%w in job %s: %v", ErrPanic, j.ID, r)
		}()
		return next(ctx)
	}
}
