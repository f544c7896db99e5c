package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

func field(fileID int64) string { return strconv.FormatInt(fileID, 10) }

// CreateJob writes the job, its items, its index entry and the optional
// idempotency record in one MULTI/EXEC. Only the record's own key is
// watched, so two creates racing on the same key cannot both succeed
// while creates with different keys never conflict.
func (s *Store) CreateJob(ctx context.Context, j *job.Job, items []*job.Item, idem *idempotency.Record) error {
	jID := j.ID.String()
	jobData, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("courier/redis: encode job: %w", err)
	}
	fields := make(map[string]any, len(items))
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("courier/redis: encode item %d: %w", it.FileID, err)
		}
		fields[field(it.FileID)] = data
	}
	var idemData []byte
	if idem != nil {
		if idemData, err = json.Marshal(idem); err != nil {
			return fmt.Errorf("courier/redis: encode idempotency record: %w", err)
		}
	}

	txf := func(tx *goredis.Tx) error {
		if idem != nil {
			existing, err := getIdempotency(ctx, tx, s.idemKey(idem.Key))
			switch {
			case err == nil && !existing.Expired(s.now()):
				return &idempotency.ConflictError{Key: idem.Key, JobID: existing.JobID}
			case err != nil && !errors.Is(err, courier.ErrKeyNotFound):
				return err
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(jID), jobData, 0)
			pipe.HSet(ctx, s.itemsKey(jID), fields)
			pipe.ZAdd(ctx, s.jobsIndexKey(), goredis.Z{Score: score(j.CreatedAt), Member: jID})
			if idem != nil {
				pipe.Set(ctx, s.idemKey(idem.Key), idemData, 0)
				pipe.ZAdd(ctx, s.idemExpiryKey(), goredis.Z{Score: score(idem.ExpiresAt), Member: idem.Key})
			}
			return nil
		})
		return err
	}

	keys := []string{s.jobKey(jID)}
	if idem != nil {
		keys = append(keys, s.idemKey(idem.Key))
	}
	if err := s.watch(ctx, txf, keys...); err != nil {
		return fmt.Errorf("courier/redis: create job: %w", err)
	}
	return nil
}

func getJob(ctx context.Context, c goredis.Cmdable, key string) (*job.Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if isNil(err) {
		return nil, courier.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get job: %w", err)
	}
	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("courier/redis: decode job: %w", err)
	}
	return &j, nil
}

func getItem(ctx context.Context, c goredis.Cmdable, key string, fileID int64) (*job.Item, error) {
	data, err := c.HGet(ctx, key, field(fileID)).Bytes()
	if isNil(err) {
		return nil, courier.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get item: %w", err)
	}
	return decodeItem(data)
}

func decodeItem(data []byte) (*job.Item, error) {
	var it job.Item
	if err := json.Unmarshal(data, &it); err != nil {
		return nil, fmt.Errorf("courier/redis: decode item: %w", err)
	}
	return &it, nil
}

// orderedItems decodes an items hash in the job's submission order.
func orderedItems(j *job.Job, raw map[string]string) ([]*job.Item, error) {
	items := make([]*job.Item, 0, len(j.FileIDs))
	for _, f := range j.FileIDs {
		data, ok := raw[field(f)]
		if !ok {
			return nil, fmt.Errorf("courier/redis: job %s lost item %d", j.ID, f)
		}
		it, err := decodeItem([]byte(data))
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return getJob(ctx, s.client, s.jobKey(jobID.String()))
}

// GetSnapshot reads the job and its items in one MULTI so they agree.
func (s *Store) GetSnapshot(ctx context.Context, jobID id.JobID) (*job.Snapshot, error) {
	jID := jobID.String()
	var (
		jobCmd   *goredis.StringCmd
		itemsCmd *goredis.MapStringStringCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		jobCmd = pipe.Get(ctx, s.jobKey(jID))
		itemsCmd = pipe.HGetAll(ctx, s.itemsKey(jID))
		return nil
	})
	if isNil(err) {
		return nil, courier.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("courier/redis: get snapshot: %w", err)
	}

	var j job.Job
	if err := json.Unmarshal([]byte(jobCmd.Val()), &j); err != nil {
		return nil, fmt.Errorf("courier/redis: decode job: %w", err)
	}
	items, err := orderedItems(&j, itemsCmd.Val())
	if err != nil {
		return nil, err
	}
	return &job.Snapshot{Job: &j, Items: items}, nil
}

// GetItem retrieves one item.
func (s *Store) GetItem(ctx context.Context, jobID id.JobID, fileID int64) (*job.Item, error) {
	jID := jobID.String()
	it, err := getItem(ctx, s.client, s.itemsKey(jID), fileID)
	if !errors.Is(err, courier.ErrItemNotFound) {
		return it, err
	}
	n, existsErr := s.client.Exists(ctx, s.jobKey(jID)).Result()
	if existsErr != nil {
		return nil, fmt.Errorf("courier/redis: get item: %w", existsErr)
	}
	if n == 0 {
		return nil, courier.ErrJobNotFound
	}
	return nil, err
}

// ListJobs returns jobs ordered by creation time. Status and finish-time
// filters are applied after loading, so the scan is proportional to the
// number of stored jobs.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, s.jobsIndexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list jobs: %w", err)
	}

	var statuses map[job.Status]struct{}
	if len(opts.Statuses) > 0 {
		statuses = make(map[job.Status]struct{}, len(opts.Statuses))
		for _, st := range opts.Statuses {
			statuses[st] = struct{}{}
		}
	}

	const batch = 200
	result := make([]*job.Job, 0, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		keys := make([]string, 0, end-start)
		for _, jID := range ids[start:end] {
			keys = append(keys, s.jobKey(jID))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("courier/redis: load jobs: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			var j job.Job
			if err := json.Unmarshal([]byte(str), &j); err != nil {
				return nil, fmt.Errorf("courier/redis: decode job: %w", err)
			}
			if statuses != nil {
				if _, ok := statuses[j.Status]; !ok {
					continue
				}
			}
			if !opts.FinishedBefore.IsZero() && (j.CompletedAt == nil || !j.CompletedAt.Before(opts.FinishedBefore)) {
				continue
			}
			result = append(result, &j)
		}
	}
	return paginate(result, opts.Offset, opts.Limit), nil
}

// writeTransition queues the writes of one transition on pipe.
func (s *Store) writeTransition(ctx context.Context, pipe goredis.Pipeliner, j *job.Job, items []*job.Item, evs []job.Event) error {
	jID := j.ID.String()
	jobData, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("courier/redis: encode job: %w", err)
	}
	pipe.Set(ctx, s.jobKey(jID), jobData, 0)
	for _, it := range items {
		data, err := json.Marshal(it)
		if err != nil {
			return fmt.Errorf("courier/redis: encode item %d: %w", it.FileID, err)
		}
		pipe.HSet(ctx, s.itemsKey(jID), field(it.FileID), data)
	}
	if len(evs) > 0 {
		payloads := make([]any, len(evs))
		for i, e := range evs {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("courier/redis: encode event: %w", err)
			}
			payloads[i] = data
		}
		pipe.RPush(ctx, s.eventsKey(jID), payloads...)
	}
	return nil
}

func (s *Store) updateItem(ctx context.Context, jobID id.JobID, fileID int64, tr job.ItemTransition) (*job.Item, []job.Event, error) {
	jID := jobID.String()
	var (
		out *job.Item
		evs []job.Event
	)
	txf := func(tx *goredis.Tx) error {
		j, err := getJob(ctx, tx, s.jobKey(jID))
		if err != nil {
			return err
		}
		it, err := getItem(ctx, tx, s.itemsKey(jID), fileID)
		if err != nil {
			return err
		}
		applied, err := tr(j, it, s.now())
		if err != nil {
			return err
		}
		if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			return s.writeTransition(ctx, pipe, j, []*job.Item{it}, applied)
		}); err != nil {
			return err
		}
		out, evs = it, applied
		return nil
	}
	if err := s.watch(ctx, txf, s.jobKey(jID)); err != nil {
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
	jID := jobID.String()
	var (
		out *job.Job
		evs []job.Event
	)
	txf := func(tx *goredis.Tx) error {
		j, err := getJob(ctx, tx, s.jobKey(jID))
		if err != nil {
			return err
		}
		raw, err := tx.HGetAll(ctx, s.itemsKey(jID)).Result()
		if err != nil {
			return fmt.Errorf("courier/redis: load items: %w", err)
		}
		items, err := orderedItems(j, raw)
		if err != nil {
			return err
		}
		before := make(map[int64]job.ItemStatus, len(items))
		for _, it := range items {
			before[it.FileID] = it.Status
		}

		applied := job.Cancel(j, items, s.now())
		if len(applied) > 0 {
			changed := make([]*job.Item, 0, len(items))
			for _, it := range items {
				if it.Status != before[it.FileID] {
					changed = append(changed, it)
				}
			}
			if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				return s.writeTransition(ctx, pipe, j, changed, applied)
			}); err != nil {
				return err
			}
		}
		out, evs = j, applied
		return nil
	}
	if err := s.watch(ctx, txf, s.jobKey(jID)); err != nil {
		return nil, nil, err
	}
	return out, evs, nil
}

// ExpireJob applies job.Expire.
func (s *Store) ExpireJob(ctx context.Context, jobID id.JobID) (*job.Job, []job.Event, error) {
	jID := jobID.String()
	var (
		out *job.Job
		evs []job.Event
	)
	txf := func(tx *goredis.Tx) error {
		j, err := getJob(ctx, tx, s.jobKey(jID))
		if err != nil {
			return err
		}
		applied, err := job.Expire(j, s.now())
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			if _, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				return s.writeTransition(ctx, pipe, j, nil, applied)
			}); err != nil {
				return err
			}
		}
		out, evs = j, applied
		return nil
	}
	if err := s.watch(ctx, txf, s.jobKey(jID)); err != nil {
		return nil, nil, err
	}
	return out, evs, nil
}

// ListEvents returns events with Seq greater than afterSeq. Seq n lives
// at list index n-1.
func (s *Store) ListEvents(ctx context.Context, jobID id.JobID, afterSeq int64) ([]job.Event, error) {
	jID := jobID.String()
	n, err := s.client.Exists(ctx, s.jobKey(jID)).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list events: %w", err)
	}
	if n == 0 {
		return nil, courier.ErrJobNotFound
	}
	if afterSeq < 0 {
		afterSeq = 0
	}

	raw, err := s.client.LRange(ctx, s.eventsKey(jID), afterSeq, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("courier/redis: list events: %w", err)
	}
	evs := make([]job.Event, 0, len(raw))
	for _, data := range raw {
		var e job.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("courier/redis: decode event: %w", err)
		}
		evs = append(evs, e)
	}
	return evs, nil
}

func paginate[T any](s []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(s) {
			return nil
		}
		s = s[offset:]
	}
	if limit > 0 && len(s) > limit {
		s = s[:limit]
	}
	return s
}
