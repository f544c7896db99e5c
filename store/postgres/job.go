package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

const jobColumns = `id, status, file_ids, done, failed, canceled, total,
	started_at, completed_at, client_reference, idempotency_key,
	cancel_requested, max_attempts, failure_threshold, event_seq,
	created_at, updated_at`

const itemColumns = `job_id, file_id, status, attempt, artifact_key,
	size_bytes, error_code, error_message, updated_at`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j                      job.Job
		jobID, status          string
		startedAt, completedAt *time.Time
	)
	if err := row.Scan(
		&jobID, &status, &j.FileIDs,
		&j.Counts.Done, &j.Counts.Failed, &j.Counts.Canceled, &j.Counts.Total,
		&startedAt, &completedAt,
		&j.ClientReference, &j.IdempotencyKey,
		&j.CancelRequested, &j.MaxAttempts, &j.FailureThreshold, &j.EventSeq,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(jobID)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: parse job id: %w", err)
	}
	j.ID = parsed
	j.Status = job.Status(status)
	j.StartedAt = utc(startedAt)
	j.CompletedAt = utc(completedAt)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func scanItem(row pgx.Row) (*job.Item, error) {
	var (
		it            job.Item
		jobID, status string
	)
	if err := row.Scan(
		&jobID, &it.FileID, &status, &it.Attempt, &it.ArtifactKey,
		&it.SizeBytes, &it.ErrorCode, &it.ErrorMessage, &it.UpdatedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := id.ParseJobID(jobID)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: parse item job id: %w", err)
	}
	it.JobID = parsed
	it.Status = job.ItemStatus(status)
	it.UpdatedAt = it.UpdatedAt.UTC()
	return &it, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	defer rows.Close()
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CreateJob persists a job, its items and the optional idempotency record
// in one transaction. A live record for the same key fails the create
// with *idempotency.ConflictError.
func (s *Store) CreateJob(ctx context.Context, j *job.Job, items []*job.Item, idem *idempotency.Record) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if idem != nil {
			existing, err := getIdempotency(ctx, tx, idem.Key, true)
			switch {
			case err == nil && !existing.Expired(s.now()):
				return &idempotency.ConflictError{Key: idem.Key, JobID: existing.JobID}
			case err != nil && !errors.Is(err, courier.ErrKeyNotFound):
				return err
			}
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO courier_jobs (`+jobColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
			j.ID.String(), string(j.Status), j.FileIDs,
			j.Counts.Done, j.Counts.Failed, j.Counts.Canceled, j.Counts.Total,
			j.StartedAt, j.CompletedAt, j.ClientReference, j.IdempotencyKey,
			j.CancelRequested, j.MaxAttempts, j.FailureThreshold, j.EventSeq,
			j.CreatedAt, j.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("courier/postgres: insert job: %w", err)
		}

		batch := &pgx.Batch{}
		for i, it := range items {
			batch.Queue(`
				INSERT INTO courier_items (job_id, file_id, position, status, attempt, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				j.ID.String(), it.FileID, i, string(it.Status), it.Attempt, it.UpdatedAt,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for _, it := range items {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				if isDuplicateKey(err) {
					return courier.NewValidationError("file_ids", "duplicate file id %d", it.FileID)
				}
				return fmt.Errorf("courier/postgres: insert item %d: %w", it.FileID, err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("courier/postgres: insert items: %w", err)
		}

		if idem == nil {
			return nil
		}
		// Only an expired record may be replaced. A concurrent create of
		// the same key blocks here until it commits, then updates nothing.
		tag, err := tx.Exec(ctx, `
			INSERT INTO courier_idempotency (idem_key, job_id, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (idem_key) DO UPDATE
			SET job_id = excluded.job_id, expires_at = excluded.expires_at
			WHERE courier_idempotency.expires_at <= $4`,
			idem.Key, idem.JobID.String(), idem.ExpiresAt, s.now(),
		)
		if err != nil {
			return fmt.Errorf("courier/postgres: write idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			winner, err := getIdempotency(ctx, tx, idem.Key, false)
			if err != nil {
				return err
			}
			return &idempotency.ConflictError{Key: idem.Key, JobID: winner.JobID}
		}
		return nil
	})
}

func getJob(ctx context.Context, q querier, jobID id.JobID, forUpdate bool) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM courier_jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	j, err := scanJob(q.QueryRow(ctx, query, jobID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrJobNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get job: %w", err)
	}
	return j, nil
}

func getItem(ctx context.Context, q querier, jobID id.JobID, fileID int64) (*job.Item, error) {
	it, err := scanItem(q.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM courier_items WHERE job_id = $1 AND file_id = $2`,
		jobID.String(), fileID))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrItemNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get item: %w", err)
	}
	return it, nil
}

func listItems(ctx context.Context, q querier, jobID id.JobID) ([]*job.Item, error) {
	rows, err := q.Query(ctx,
		`SELECT `+itemColumns+` FROM courier_items WHERE job_id = $1 ORDER BY position`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list items: %w", err)
	}
	defer rows.Close()

	var items []*job.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return getJob(ctx, s.pool, jobID, false)
}

// GetSnapshot reads the job and its items in one repeatable-read
// transaction so counts and item states agree.
func (s *Store) GetSnapshot(ctx context.Context, jobID id.JobID) (*job.Snapshot, error) {
	var snap job.Snapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, false)
		if err != nil {
			return err
		}
		items, err := listItems(ctx, tx, jobID)
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
	if _, err := getJob(ctx, s.pool, jobID, false); err != nil {
		return nil, err
	}
	return getItem(ctx, s.pool, jobID, fileID)
}

// ListJobs returns jobs ordered by creation time.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if !opts.FinishedBefore.IsZero() {
		where = append(where, "completed_at IS NOT NULL AND completed_at < "+arg(opts.FinishedBefore))
	}

	q := `SELECT ` + jobColumns + ` FROM courier_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	if opts.Limit > 0 {
		q += " LIMIT " + arg(opts.Limit)
	}
	if opts.Offset > 0 {
		q += " OFFSET " + arg(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list jobs: %w", err)
	}
	return collectJobs(rows)
}

func writeJob(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE courier_jobs SET
			status = $2, done = $3, failed = $4, canceled = $5,
			started_at = $6, completed_at = $7, cancel_requested = $8,
			event_seq = $9, updated_at = $10
		WHERE id = $1`,
		j.ID.String(), string(j.Status), j.Counts.Done, j.Counts.Failed, j.Counts.Canceled,
		j.StartedAt, j.CompletedAt, j.CancelRequested,
		j.EventSeq, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: update job: %w", err)
	}
	return nil
}

func writeItem(ctx context.Context, tx pgx.Tx, it *job.Item) error {
	_, err := tx.Exec(ctx, `
		UPDATE courier_items SET
			status = $3, attempt = $4, artifact_key = $5, size_bytes = $6,
			error_code = $7, error_message = $8, updated_at = $9
		WHERE job_id = $1 AND file_id = $2`,
		it.JobID.String(), it.FileID,
		string(it.Status), it.Attempt, it.ArtifactKey, it.SizeBytes,
		it.ErrorCode, it.ErrorMessage, it.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: update item %d: %w", it.FileID, err)
	}
	return nil
}

// updateItem locks the job row, so transitions of the same job from any
// process apply one at a time.
func (s *Store) updateItem(ctx context.Context, jobID id.JobID, fileID int64, tr job.ItemTransition) (*job.Item, []job.Event, error) {
	var (
		out *job.Item
		evs []job.Event
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		it, err := getItem(ctx, tx, jobID, fileID)
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
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		items, err := listItems(ctx, tx, jobID)
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
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := getJob(ctx, tx, jobID, true)
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

func appendEvents(ctx context.Context, tx pgx.Tx, evs []job.Event) error {
	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("courier/postgres: encode event: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO courier_events (job_id, seq, payload) VALUES ($1, $2, $3)`,
			e.JobID.String(), e.Seq, payload,
		); err != nil {
			return fmt.Errorf("courier/postgres: append event %d: %w", e.Seq, err)
		}
	}
	return nil
}

// ListEvents returns events with Seq greater than afterSeq.
func (s *Store) ListEvents(ctx context.Context, jobID id.JobID, afterSeq int64) ([]job.Event, error) {
	if _, err := getJob(ctx, s.pool, jobID, false); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM courier_events WHERE job_id = $1 AND seq > $2 ORDER BY seq`,
		jobID.String(), afterSeq)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list events: %w", err)
	}
	defer rows.Close()

	var evs []job.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("courier/postgres: scan event: %w", err)
		}
		var e job.Event
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("courier/postgres: decode event: %w", err)
		}
		evs = append(evs, e)
	}
	return evs, rows.Err()
}
