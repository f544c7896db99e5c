package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/courier/processor"
)

// Logging returns middleware that logs attempt start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, a *Attempt, next Handler) error {
		logger.Debug("item attempt started",
			slog.String("job_id", a.JobID.String()),
			slog.Int64("file_id", a.FileID),
			slog.Int("attempt", a.Attempt),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			pe := processor.Classify(err)
			logger.Warn("item attempt failed",
				slog.String("job_id", a.JobID.String()),
				slog.Int64("file_id", a.FileID),
				slog.Int("attempt", a.Attempt),
				slog.Int("max_attempts", a.MaxAttempts),
				slog.String("kind", pe.Kind.String()),
				slog.String("code", pe.Code),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("item attempt completed",
				slog.String("job_id", a.JobID.String()),
				slog.Int64("file_id", a.FileID),
				slog.Int("attempt", a.Attempt),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
