package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/courier/job"
	"github.com/xraph/courier/transport"
)

const (
	recoverPageSize = 200

	// interruptedMessage is recorded on attempts abandoned by a crash.
	interruptedMessage = "attempt interrupted"
)

// Recover re-enqueues the work of unfinished jobs after a restart and
// returns how many tasks were handed to the transport.
//
// Queued items get their next attempt enqueued; a duplicate of a task
// still held by the transport is rejected later by the attempt guard.
// Orphaned processing items are settled as in Reclaim.
func (eng *Engine) Recover(ctx context.Context) (int, error) {
	return eng.sweep(ctx, true)
}

// Reclaim settles attempts orphaned by a crashed process while the engine
// keeps running. Processing items untouched for twice the attempt timeout
// are requeued as a transient failure, or failed with RetryExhausted when
// they had no attempts left. Deliveries the transport parked for as long
// are released first. The janitor runs Reclaim on a schedule.
func (eng *Engine) Reclaim(ctx context.Context) (int, error) {
	return eng.sweep(ctx, false)
}

func (eng *Engine) staleAfter() time.Duration { return 2 * eng.config.AttemptTimeout }

func (eng *Engine) sweep(ctx context.Context, queued bool) (int, error) {
	enqueued := 0
	if r, ok := eng.transport.(transport.Reclaimer); ok {
		n, err := r.Reclaim(ctx, eng.staleAfter())
		if err != nil {
			return 0, fmt.Errorf("courier/engine: %w", err)
		}
		enqueued += n
	}
	staleBefore := time.Now().UTC().Add(-eng.staleAfter())

	for offset := 0; ; offset += recoverPageSize {
		jobs, err := eng.store.ListJobs(ctx, job.ListOpts{
			Limit:    recoverPageSize,
			Offset:   offset,
			Statuses: []job.Status{job.StatusQueued, job.StatusProcessing},
		})
		if err != nil {
			return enqueued, fmt.Errorf("courier/engine: list active jobs: %w", err)
		}
		for _, j := range jobs {
			n, err := eng.recoverJob(ctx, j, staleBefore, queued)
			enqueued += n
			if err != nil {
				return enqueued, err
			}
		}
		if len(jobs) < recoverPageSize {
			break
		}
	}

	if enqueued > 0 {
		eng.logger.Info("recovered unfinished items",
			slog.Int("tasks", enqueued),
			slog.Bool("startup", queued),
		)
	}
	return enqueued, nil
}

func (eng *Engine) recoverJob(ctx context.Context, j *job.Job, staleBefore time.Time, queued bool) (int, error) {
	snap, err := eng.store.GetSnapshot(ctx, j.ID)
	if err != nil {
		return 0, fmt.Errorf("courier/engine: load job %s: %w", j.ID, err)
	}

	enqueued := 0
	for _, it := range snap.Items {
		switch {
		case queued && it.Status == job.ItemQueued:
			t := transport.Task{JobID: j.ID, FileID: it.FileID, Attempt: it.Attempt + 1}
			if err := eng.transport.Enqueue(ctx, t, 0); err != nil {
				return enqueued, fmt.Errorf("courier/engine: enqueue %s: %w", t, err)
			}
			enqueued++

		case it.Status == job.ItemProcessing && it.UpdatedAt.Before(staleBefore):
			ok, err := eng.recoverOrphan(ctx, snap.Job, it)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
		}
	}
	return enqueued, nil
}

// recoverOrphan settles an attempt that no worker will finish. It reports
// whether a new attempt was enqueued.
func (eng *Engine) recoverOrphan(ctx context.Context, j *job.Job, it *job.Item) (bool, error) {
	if it.Attempt >= j.MaxAttempts {
		f := job.Failure{Code: job.CodeRetryExhausted, Message: interruptedMessage}
		failed, evs, err := eng.store.FailItem(ctx, j.ID, it.FileID, it.Attempt, f)
		if err != nil {
			return false, fmt.Errorf("courier/engine: fail orphaned item %d: %w", it.FileID, err)
		}
		eng.extensions.EmitEvents(ctx, evs...)
		entry, err := eng.dlqService.Push(ctx, j, failed, f)
		if err != nil {
			return false, fmt.Errorf("courier/engine: dead-letter orphaned item %d: %w", it.FileID, err)
		}
		eng.extensions.EmitItemDeadLettered(ctx, entry)
		return false, nil
	}

	f := job.Failure{Code: job.CodeInternal, Message: interruptedMessage}
	requeued, evs, err := eng.store.RetryItem(ctx, j.ID, it.FileID, it.Attempt, f, 0)
	if err != nil {
		return false, fmt.Errorf("courier/engine: requeue orphaned item %d: %w", it.FileID, err)
	}
	eng.extensions.EmitEvents(ctx, evs...)
	if requeued.Status != job.ItemQueued {
		return false, nil
	}

	t := transport.Task{JobID: j.ID, FileID: it.FileID, Attempt: it.Attempt + 1}
	if err := eng.transport.Enqueue(ctx, t, 0); err != nil {
		return false, fmt.Errorf("courier/engine: enqueue %s: %w", t, err)
	}
	eng.logger.Warn("requeued orphaned attempt",
		slog.String("job_id", j.ID.String()),
		slog.Int64("file_id", it.FileID),
		slog.Int("attempt", it.Attempt),
	)
	return true, nil
}
