package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
)

// PushDLQ adds an entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	if _, err := s.sdb.NewInsert(toDLQModel(entry)).Exec(ctx); err != nil {
		return fmt.Errorf("courier/sqlite: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqModel
	q := s.sdb.NewSelect(&models)

	if !opts.JobID.IsNil() {
		q = q.Where("job_id = ?", opts.JobID.String())
	}

	q = q.OrderExpr("failed_at DESC, id ASC")

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
		return nil, fmt.Errorf("courier/sqlite: list dlq: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(models))
	for i := range models {
		e, err := fromDLQModel(&models[i])
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetDLQ retrieves an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m := new(dlqModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", entryID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, courier.ErrDLQNotFound
		}
		return nil, fmt.Errorf("courier/sqlite: get dlq: %w", err)
	}
	return fromDLQModel(m)
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.sdb.NewDelete((*dlqModel)(nil)).
		Where("failed_at < ?", toNanos(before)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: purge dlq: %w", err)
	}
	n, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return n, nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.sdb.NewSelect((*dlqModel)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("courier/sqlite: count dlq: %w", err)
	}
	return n, nil
}
