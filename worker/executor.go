// Package worker drives item attempts: a Pool of dequeue loops feeding an
// Executor that runs the processor through middleware, writes the outcome
// to the store and decides between retry and dead-lettering.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/courier"
	"github.com/xraph/courier/backoff"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/ext"
	"github.com/xraph/courier/job"
	"github.com/xraph/courier/middleware"
	"github.com/xraph/courier/processor"
	"github.com/xraph/courier/transport"
)

// Executor runs a single item attempt through middleware and the
// processor, then records the outcome, schedules retries, pushes
// exhausted items to the DLQ and emits lifecycle events.
type Executor struct {
	store      job.Store
	transport  transport.Transport
	processor  processor.Processor
	dlqService *dlq.Service
	extensions *ext.Registry
	backoff    backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	store job.Store,
	tr transport.Transport,
	proc processor.Processor,
	dlqService *dlq.Service,
	extensions *ext.Registry,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		store:      store,
		transport:  tr,
		processor:  proc,
		dlqService: dlqService,
		extensions: extensions,
		backoff:    bo,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs the attempt described by t.
//
// Stale and duplicate deliveries, items of unknown jobs and items
// canceled before they start are dropped with a nil error. Processing
// failures never escape: they become a retry or a terminal item failure.
// A non-nil error means the store or transport failed unexpectedly and
// the delivery must not be acknowledged.
func (e *Executor) Execute(ctx context.Context, t transport.Task) error {
	it, evs, err := e.store.StartItem(ctx, t.JobID, t.FileID, t.Attempt)
	if err != nil {
		if isDroppable(err) {
			e.logger.Debug("dropping task",
				slog.String("task", t.String()),
				slog.String("reason", err.Error()),
			)
			return nil
		}
		return fmt.Errorf("courier/worker: start %s: %w", t, err)
	}
	e.extensions.EmitEvents(ctx, evs...)

	if it.Status != job.ItemProcessing {
		// Cancellation was requested before the attempt began.
		return nil
	}

	j, err := e.store.GetJob(ctx, t.JobID)
	if err != nil {
		return fmt.Errorf("courier/worker: load job %s: %w", t.JobID, err)
	}

	a := &middleware.Attempt{
		JobID:           t.JobID,
		FileID:          t.FileID,
		Attempt:         t.Attempt,
		MaxAttempts:     j.MaxAttempts,
		ClientReference: j.ClientReference,
	}

	var res job.Result
	procErr := e.mw(ctx, a, func(ctx context.Context) error {
		r, err := e.processor.Process(ctx, t.FileID)
		res = r
		return err
	})

	// The outcome is recorded even when ctx was canceled by shutdown.
	wctx := context.WithoutCancel(ctx)
	if procErr == nil {
		return e.handleSuccess(wctx, t, res)
	}
	return e.handleFailure(wctx, j, t, processor.Classify(procErr))
}

func (e *Executor) handleSuccess(ctx context.Context, t transport.Task, res job.Result) error {
	_, evs, err := e.store.CompleteItem(ctx, t.JobID, t.FileID, t.Attempt, res)
	if err != nil {
		return e.transitionError("complete", t, err)
	}
	e.extensions.EmitEvents(ctx, evs...)
	return nil
}

// handleFailure fails permanent errors immediately, retries retryable
// ones while attempts remain and dead-letters the rest.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, t transport.Task, pe *processor.Error) error {
	f := pe.Failure()

	switch {
	case !pe.Kind.Retryable():
		return e.fail(ctx, t, f)
	case t.Attempt < j.MaxAttempts:
		return e.scheduleRetry(ctx, t, f)
	default:
		return e.sendToDLQ(ctx, j, t, f)
	}
}

func (e *Executor) fail(ctx context.Context, t transport.Task, f job.Failure) error {
	_, evs, err := e.store.FailItem(ctx, t.JobID, t.FileID, t.Attempt, f)
	if err != nil {
		return e.transitionError("fail", t, err)
	}
	e.extensions.EmitEvents(ctx, evs...)

	e.logger.Info("item failed",
		slog.String("job_id", t.JobID.String()),
		slog.Int64("file_id", t.FileID),
		slog.Int("attempt", t.Attempt),
		slog.String("error_code", f.Code),
	)
	return nil
}

// scheduleRetry requeues the item and hands the next attempt to the
// transport with the backoff delay.
func (e *Executor) scheduleRetry(ctx context.Context, t transport.Task, f job.Failure) error {
	delay := e.backoff.Delay(t.Attempt)

	it, evs, err := e.store.RetryItem(ctx, t.JobID, t.FileID, t.Attempt, f, delay)
	if err != nil {
		return e.transitionError("retry", t, err)
	}
	e.extensions.EmitEvents(ctx, evs...)

	if it.Status != job.ItemQueued {
		// Canceled while the attempt was running.
		return nil
	}

	next := transport.Task{JobID: t.JobID, FileID: t.FileID, Attempt: t.Attempt + 1}
	if err := e.transport.Enqueue(ctx, next, delay); err != nil {
		return fmt.Errorf("courier/worker: enqueue retry %s: %w", next, err)
	}

	e.logger.Info("item scheduled for retry",
		slog.String("job_id", t.JobID.String()),
		slog.Int64("file_id", t.FileID),
		slog.Int("attempt", t.Attempt),
		slog.String("error_code", f.Code),
		slog.Duration("delay", delay),
	)
	return nil
}

// sendToDLQ fails the item with RetryExhausted and records it in the DLQ.
func (e *Executor) sendToDLQ(ctx context.Context, j *job.Job, t transport.Task, cause job.Failure) error {
	f := job.Failure{Code: job.CodeRetryExhausted, Message: cause.Message}

	it, evs, err := e.store.FailItem(ctx, t.JobID, t.FileID, t.Attempt, f)
	if err != nil {
		return e.transitionError("exhaust", t, err)
	}
	e.extensions.EmitEvents(ctx, evs...)

	if e.dlqService != nil {
		entry, dlqErr := e.dlqService.Push(ctx, j, it, f)
		if dlqErr != nil {
			e.logger.Error("failed to push item to DLQ",
				slog.String("job_id", t.JobID.String()),
				slog.Int64("file_id", t.FileID),
				slog.String("error", dlqErr.Error()),
			)
		} else {
			e.extensions.EmitItemDeadLettered(ctx, entry)
		}
	}

	e.logger.Warn("item moved to DLQ after exhausting attempts",
		slog.String("job_id", t.JobID.String()),
		slog.Int64("file_id", t.FileID),
		slog.Int("attempts", t.Attempt),
		slog.String("last_error_code", cause.Code),
	)
	return nil
}

// transitionError drops races with another writer of the same item and
// wraps anything else.
func (e *Executor) transitionError(op string, t transport.Task, err error) error {
	if isDroppable(err) {
		e.logger.Warn("item transition skipped",
			slog.String("op", op),
			slog.String("task", t.String()),
			slog.String("reason", err.Error()),
		)
		return nil
	}
	return fmt.Errorf("courier/worker: %s %s: %w", op, t, err)
}

// isDroppable reports whether err means the task no longer applies.
func isDroppable(err error) bool {
	return errors.Is(err, courier.ErrStaleAttempt) ||
		errors.Is(err, courier.ErrItemTerminal) ||
		errors.Is(err, courier.ErrItemNotFound) ||
		errors.Is(err, courier.ErrJobNotFound)
}
