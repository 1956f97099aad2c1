package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/renderq/job"
)

// Logging returns middleware that logs generation start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		logger.Info("generation started",
			slog.String("job_id", j.ID.String()),
			slog.String("user_id", j.UserID),
			slog.Int("width", j.Width),
			slog.Int("height", j.Height),
			slog.Int("steps", j.Steps),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("generation failed",
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("generation finished",
				slog.String("job_id", j.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
