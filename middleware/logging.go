package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/enadzan/taskmq/job"
)

// Logging returns middleware that logs execution start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, env *job.Envelope, next Handler) error {
		logger.Info("job started",
			slog.String("job_type", env.JobType),
			slog.String("envelope_id", env.ID.String()),
			slog.Int("attempt", env.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job failed",
				slog.String("job_type", env.JobType),
				slog.String("envelope_id", env.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_type", env.JobType),
				slog.String("envelope_id", env.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
