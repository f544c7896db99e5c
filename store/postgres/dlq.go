package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
)

const dlqColumns = `id, job_id, file_id, error_code, error, attempts,
	max_attempts, client_reference, failed_at, created_at`

func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e            dlq.Entry
		entryID, jID string
	)
	if err := row.Scan(
		&entryID, &jID, &e.FileID, &e.ErrorCode, &e.Error, &e.Attempts,
		&e.MaxAttempts, &e.ClientRef, &e.FailedAt, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	var err error
	if e.ID, err = id.ParseDLQID(entryID); err != nil {
		return nil, fmt.Errorf("courier/postgres: parse dlq id: %w", err)
	}
	if e.JobID, err = id.ParseJobID(jID); err != nil {
		return nil, fmt.Errorf("courier/postgres: parse dlq job id: %w", err)
	}
	e.FailedAt = e.FailedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// PushDLQ adds an entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO courier_dlq (`+dlqColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID.String(), entry.JobID.String(), entry.FileID, entry.ErrorCode, entry.Error,
		entry.Attempts, entry.MaxAttempts, entry.ClientRef,
		entry.FailedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("courier/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	q := `SELECT ` + dlqColumns + ` FROM courier_dlq`
	var args []any
	if !opts.JobID.IsNil() {
		args = append(args, opts.JobID.String())
		q += fmt.Sprintf(` WHERE job_id = $%d`, len(args))
	}
	q += ` ORDER BY failed_at DESC, id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("courier/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("courier/postgres: scan dlq: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetDLQ retrieves an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	e, err := scanDLQ(s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM courier_dlq WHERE id = $1`, entryID.String()))
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrDLQNotFound
		}
		return nil, fmt.Errorf("courier/postgres: get dlq: %w", err)
	}
	return e, nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM courier_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("courier/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM courier_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("courier/postgres: count dlq: %w", err)
	}
	return n, nil
}
