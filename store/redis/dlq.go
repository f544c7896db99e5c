package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
)

// PushDLQ stores the entry as a Hash and indexes it by failure time.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, s.dlqIndexKey(), goredis.Z{Score: score(entry.FailedAt), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, s.dlqIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list dlq: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	pipe := s.client.Pipeline()
	for i, eID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.dlqKey(eID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("courier/redis: load dlq: %w", err)
		}
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		e, err := mapToDLQ(vals)
		if err != nil {
			return nil, err
		}
		if !opts.JobID.IsNil() && e.JobID != opts.JobID {
			continue
		}
		entries = append(entries, e)
	}
	return paginate(entries, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, s.dlqKey(entryID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, courier.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dlqIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(score(before), 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: purge dlq range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	members := make([]any, len(ids))
	for i, eID := range ids {
		pipe.Del(ctx, s.dlqKey(eID))
		members[i] = eID
	}
	removed := pipe.ZRem(ctx, s.dlqIndexKey(), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("courier/redis: purge dlq del: %w", err)
	}
	return removed.Val(), nil
}

// CountDLQ returns the total number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.client.ZCard(ctx, s.dlqIndexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: count dlq: %w", err)
	}
	return count, nil
}

// ── helpers ──

func dlqToMap(e *dlq.Entry) map[string]any {
	return map[string]any{
		"id":               e.ID.String(),
		"job_id":           e.JobID.String(),
		"file_id":          strconv.FormatInt(e.FileID, 10),
		"error_code":       e.ErrorCode,
		"error":            e.Error,
		"attempts":         strconv.Itoa(e.Attempts),
		"max_attempts":     strconv.Itoa(e.MaxAttempts),
		"client_reference": e.ClientRef,
		"failed_at":        e.FailedAt.Format(time.RFC3339Nano),
		"created_at":       e.CreatedAt.Format(time.RFC3339Nano),
	}
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("courier/redis: parse dlq id: %w", err)
	}
	jobID, _ := id.ParseJobID(m["job_id"])                        //nolint:errcheck // best-effort parse from trusted Redis data
	fileID, _ := strconv.ParseInt(m["file_id"], 10, 64)           //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                    //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])             //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	return &dlq.Entry{
		ID:          eID,
		JobID:       jobID,
		FileID:      fileID,
		ErrorCode:   m["error_code"],
		Error:       m["error"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		ClientRef:   m["client_reference"],
		FailedAt:    failedAt,
		CreatedAt:   createdAt,
	}, nil
}
