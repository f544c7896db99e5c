package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// CreateJob persists a job, its items and the optional idempotency record
// in one transaction.
func (s *Store) CreateJob(ctx context.Context, j *job.Job, items []*job.Item, idem *idempotency.Record) error {
	jm, err := toJobModel(j)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		if idem != nil {
			existing, err := getIdempotency(ctx, tx.NewSelect, idem.Key)
			switch {
			case err == nil && !existing.Expired(s.now()):
				return &idempotency.ConflictError{Key: idem.Key, JobID: existing.JobID}
			case err != nil && !errors.Is(err, courier.ErrKeyNotFound):
				return err
			}
		}

		if _, err := tx.NewInsert(jm).Exec(ctx); err != nil {
			return fmt.Errorf("courier/sqlite: insert job: %w", err)
		}

		for i, it := range items {
			if _, err := tx.NewInsert(toItemModel(it, i)).Exec(ctx); err != nil {
				if isDuplicateKey(err) {
					return courier.NewValidationError("file_ids", "duplicate file id %d", it.FileID)
				}
				return fmt.Errorf("courier/sqlite: insert item %d: %w", it.FileID, err)
			}
		}

		if idem != nil {
			_, err := tx.NewInsert(&idempotencyModel{
				Key:       idem.Key,
				JobID:     idem.JobID.String(),
				ExpiresAt: toNanos(idem.ExpiresAt),
			}).
				OnConflict("(idem_key) DO UPDATE").
				Set("job_id = excluded.job_id").
				Set("expires_at = excluded.expires_at").
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("courier/sqlite: write idempotency key: %w", err)
			}
		}
		return nil
	})
}

// selector opens a SELECT on either the pool or a transaction.
type selector func(model ...any) *sqlitedriver.SelectQuery

func getJob(ctx context.Context, sel selector, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := sel(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrJobNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: get job: %w", err)
	}
	return fromJobModel(m)
}

func getItem(ctx context.Context, sel selector, jobID id.JobID, fileID int64) (*job.Item, error) {
	m := new(itemModel)
	err := sel(m).
		Where("job_id = ?", jobID.String()).
		Where("file_id = ?", fileID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrItemNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: get item: %w", err)
	}
	return fromItemModel(m)
}

func listItems(ctx context.Context, sel selector, jobID id.JobID) ([]*job.Item, error) {
	var models []itemModel
	err := sel(&models).
		Where("job_id = ?", jobID.String()).
		OrderExpr("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: list items: %w", err)
	}

	items := make([]*job.Item, 0, len(models))
	for i := range models {
		it, err := fromItemModel(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return getJob(ctx, s.sdb.NewSelect, jobID)
}

// GetSnapshot reads the job and its items in one transaction so counts
// and item states agree.
func (s *Store) GetSnapshot(ctx context.Context, jobID id.JobID) (*job.Snapshot, error) {
	var snap job.Snapshot
	err := s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		j, err := getJob(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		items, err := listItems(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		snap = job.Snapshot{Job: j, Items: items}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetItem retrieves one item.
func (s *Store) GetItem(ctx context.Context, jobID id.JobID, fileID int64) (*job.Item, error) {
	if _, err := getJob(ctx, s.sdb.NewSelect, jobID); err != nil {
		return nil, err
	}
	return getItem(ctx, s.sdb.NewSelect, jobID, fileID)
}

// ListJobs returns jobs ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.sdb.NewSelect(&models)

	if len(opts.Statuses) > 0 {
		args := make([]any, len(opts.Statuses))
		for i, st := range opts.Statuses {
			args[i] = string(st)
		}
		q = q.Where("status IN ("+placeholders(len(args))+")", args...)
	}
	if !opts.FinishedBefore.IsZero() {
		q = q.Where("completed_at IS NOT NULL").
			Where("completed_at < ?", toNanos(opts.FinishedBefore))
	}

	q = q.OrderExpr("created_at ASC, id ASC")

	switch {
	case opts.Limit > 0:
		q = q.Limit(opts.Limit)
	case opts.Offset > 0:
		q = q.Limit(noLimit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("courier/sqlite: list jobs: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func writeJob(ctx context.Context, tx *sqlitedriver.SqliteTx, j *job.Job) error {
	_, err := tx.NewUpdate((*jobModel)(nil)).
		Set("status = ?", string(j.Status)).
		Set("done = ?", j.Counts.Done).
		Set("failed = ?", j.Counts.Failed).
		Set("canceled = ?", j.Counts.Canceled).
		Set("started_at = ?", toNullNanos(j.StartedAt)).
		Set("completed_at = ?", toNullNanos(j.CompletedAt)).
		Set("cancel_requested = ?", j.CancelRequested).
		Set("event_seq = ?", j.EventSeq).
		Set("updated_at = ?", toNanos(j.UpdatedAt)).
		Where("id = ?", j.ID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("courier/sqlite: update job: %w", err)
	}
	return nil
}

func writeItem(ctx context.Context, tx *sqlitedriver.SqliteTx, it *job.Item) error {
	_, err := tx.NewUpdate((*itemModel)(nil)).
		Set("status = ?", string(it.Status)).
		Set("attempt = ?", it.Attempt).
		Set("artifact_key = ?", it.ArtifactKey).
		Set("size_bytes = ?", it.SizeBytes).
		Set("error_code = ?", it.ErrorCode).
		Set("error_message = ?", it.ErrorMessage).
		Set("updated_at = ?", toNanos(it.UpdatedAt)).
		Where("job_id = ?", it.JobID.String()).
		Where("file_id = ?", it.FileID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("courier/sqlite: update item %d: %w", it.FileID, err)
	}
	return nil
}

func (s *Store) updateItem(ctx context.Context, jobID id.JobID, fileID int64, tr job.ItemTransition) (*job.Item, []job.Event, error) {
	var (
		out *job.Item
		evs []job.Event
	)
	err := s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		j, err := getJob(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		it, err := getItem(ctx, tx.NewSelect, jobID, fileID)
		if err != nil {
			return err
		}
		if evs, err = tr(j, it, s.now()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		if err := writeItem(ctx, tx, it); err != nil {
			return err
		}
		out = it
		return appendEvents(ctx, tx, evs)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evs, nil
}

// StartItem applies job.Start.
func (s *Store) StartItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int) (*job.Item, []job.Event, error) {
	return s.updateItem(ctx, jobID, fileID, job.Start(attempt))
}

// CompleteItem applies job.Complete.
func (s *Store) CompleteItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, res job.Result) (*job.Item, []job.Event, error) {
	return s.updateItem(ctx, jobID, fileID, job.Complete(attempt, res))
}

// RetryItem applies job.Requeue.
func (s *Store) RetryItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, f job.Failure, delay time.Duration) (*job.Item, []job.Event, error) {
	return s.updateItem(ctx, jobID, fileID, job.Requeue(attempt, f, delay))
}

// FailItem applies job.Fail.
func (s *Store) FailItem(ctx context.Context, jobID id.JobID, fileID int64, attempt int, f job.Failure) (*job.Item, []job.Event, error) {
	return s.updateItem(ctx, jobID, fileID, job.Fail(attempt, f))
}

// CancelJob applies job.Cancel.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID) (*job.Job, []job.Event, error) {
	var (
		out *job.Job
		evs []job.Event
	)
	err := s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		j, err := getJob(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		items, err := listItems(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		before := make(map[int64]job.ItemStatus, len(items))
		for _, it := range items {
			before[it.FileID] = it.Status
		}

		out = j
		evs = job.Cancel(j, items, s.now())
		if len(evs) == 0 {
			return nil
		}
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		for _, it := range items {
			if it.Status == before[it.FileID] {
				continue
			}
			if err := writeItem(ctx, tx, it); err != nil {
				return err
			}
		}
		return appendEvents(ctx, tx, evs)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evs, nil
}

// ExpireJob applies job.Expire.
func (s *Store) ExpireJob(ctx context.Context, jobID id.JobID) (*job.Job, []job.Event, error) {
	var (
		out *job.Job
		evs []job.Event
	)
	err := s.inTx(ctx, func(tx *sqlitedriver.SqliteTx) error {
		j, err := getJob(ctx, tx.NewSelect, jobID)
		if err != nil {
			return err
		}
		if evs, err = job.Expire(j, s.now()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		out = j
		return appendEvents(ctx, tx, evs)
	})
	if err != nil {
		return nil, nil, err
	}
	return out, evs, nil
}
