package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace;
// the executor then treats them as transient internal failures.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, a *Attempt, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("processor panicked",
					slog.String("job_id", a.JobID.String()),
					slog.Int64("file_id", a.FileID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic processing file %d: %v", a.FileID, r)
			}
		}()
		return next(ctx)
	}
}
