// Package memory is an in-process implementation of store.Store. Every job
// has its own mutex, so writes to one job are serialized while different
// jobs never contend. Safe for concurrent access. Intended for tests,
// development and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// Ensure Store implements the subsystem stores at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store         = (*Store)(nil)
	_ idempotency.Store = (*Store)(nil)
	_ dlq.Store         = (*Store)(nil)
)

// jobRecord holds one job, its items and its event log under a single
// lock.
type jobRecord struct {
	mu     sync.Mutex
	job    *job.Job
	items  map[int64]*job.Item
	events []job.Event
}

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs   map[string]*jobRecord
	idem   map[string]*idempotency.Record
	dlqs   map[string]*dlq.Entry
	closed bool

	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time source used for transitions.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		jobs: make(map[string]*jobRecord),
		idem: make(map[string]*idempotency.Record),
		dlqs: make(map[string]*dlq.Entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return courier.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed; later pings and writes fail.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a job, its items and the optional idempotency record
// atomically.
func (m *Store) CreateJob(_ context.Context, j *job.Job, items []*job.Item, idem *idempotency.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return courier.ErrStoreClosed
	}

	if idem != nil {
		if existing, ok := m.idem[idem.Key]; ok && !existing.Expired(m.now()) {
			return &idempotency.ConflictError{Key: idem.Key, JobID: existing.JobID}
		}
	}

	rec := &jobRecord{
		job:   j.Clone(),
		items: make(map[int64]*job.Item, len(items)),
	}
	for _, it := range items {
		rec.items[it.FileID] = it.Clone()
	}
	m.jobs[j.ID.String()] = rec
	if idem != nil {
		cp := *idem
		m.idem[idem.Key] = &cp
	}
	return nil
}

func (m *Store) record(jobID id.JobID) (*jobRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, courier.ErrJobNotFound
	}
	return rec, nil
}

// writable returns the record of jobID for a mutation. Reads stay
// available after Close; writes do not.
func (m *Store) writable(jobID id.JobID) (*jobRecord, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, courier.ErrStoreClosed
	}
	return m.record(jobID)
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.job.Clone(), nil
}

// GetSnapshot retrieves a job and its items in submission order.
func (m *Store) GetSnapshot(_ context.Context, jobID id.JobID) (*job.Snapshot, error) {
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	snap := &job.Snapshot{Job: rec.job.Clone(), Items: make([]*job.Item, 0, len(rec.items))}
	for _, f := range rec.job.FileIDs {
		snap.Items = append(snap.Items, rec.items[f].Clone())
	}
	return snap, nil
}

// GetItem retrieves one item.
func (m *Store) GetItem(_ context.Context, jobID id.JobID, fileID int64) (*job.Item, error) {
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	it, ok := rec.items[fileID]
	if !ok {
		return nil, courier.ErrItemNotFound
	}
	return it.Clone(), nil
}

// ListJobs returns jobs ordered by creation time.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	recs := make([]*jobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	var statuses map[job.Status]struct{}
	if len(opts.Statuses) > 0 {
		statuses = make(map[job.Status]struct{}, len(opts.Statuses))
		for _, s := range opts.Statuses {
			statuses[s] = struct{}{}
		}
	}

	result := make([]*job.Job, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		j := rec.job.Clone()
		rec.mu.Unlock()

		if statuses != nil {
			if _, ok := statuses[j.Status]; !ok {
				continue
			}
		}
		if !opts.FinishedBefore.IsZero() && (j.CompletedAt == nil || !j.CompletedAt.Before(opts.FinishedBefore)) {
			continue
		}
		result = append(result, j)
	}

	sort.Slice(result, func(i, k int) bool {
		if result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].ID.String() < result[k].ID.String()
		}
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

func (m *Store) updateItem(jobID id.JobID, fileID int64, tr job.ItemTransition) (*job.Item, []job.Event, error) {
	rec, err := m.writable(jobID)
	if err != nil {
		return nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	cur, ok := rec.items[fileID]
	if !ok {
		return nil, nil, courier.ErrItemNotFound
	}

	// Apply to copies so a rejected transition leaves no trace.
	j, it := rec.job.Clone(), cur.Clone()
	evs, err := tr(j, it, m.now())
	if err != nil {
		return nil, nil, err
	}
	rec.job = j
	rec.items[fileID] = it
	rec.events = append(rec.events, evs...)
	return it.Clone(), evs, nil
}

// StartItem applies job.Start.
func (m *Store) StartItem(_ context.Context, jobID id.JobID, fileID int64, attempt int) (*job.Item, []job.Event, error) {
	return m.updateItem(jobID, fileID, job.Start(attempt))
}

// CompleteItem applies job.Complete.
func (m *Store) CompleteItem(_ context.Context, jobID id.JobID, fileID int64, attempt int, res job.Result) (*job.Item, []job.Event, error) {
	return m.updateItem(jobID, fileID, job.Complete(attempt, res))
}

// RetryItem applies job.Requeue.
func (m *Store) RetryItem(_ context.Context, jobID id.JobID, fileID int64, attempt int, f job.Failure, delay time.Duration) (*job.Item, []job.Event, error) {
	return m.updateItem(jobID, fileID, job.Requeue(attempt, f, delay))
}

// FailItem applies job.Fail.
func (m *Store) FailItem(_ context.Context, jobID id.JobID, fileID int64, attempt int, f job.Failure) (*job.Item, []job.Event, error) {
	return m.updateItem(jobID, fileID, job.Fail(attempt, f))
}

// CancelJob applies job.Cancel.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID) (*job.Job, []job.Event, error) {
	rec, err := m.writable(jobID)
	if err != nil {
		return nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	j := rec.job.Clone()
	items := make([]*job.Item, 0, len(rec.items))
	for _, f := range j.FileIDs {
		items = append(items, rec.items[f].Clone())
	}
	evs := job.Cancel(j, items, m.now())

	rec.job = j
	for _, it := range items {
		rec.items[it.FileID] = it
	}
	rec.events = append(rec.events, evs...)
	return j.Clone(), evs, nil
}

// ExpireJob applies job.Expire.
func (m *Store) ExpireJob(_ context.Context, jobID id.JobID) (*job.Job, []job.Event, error) {
	rec, err := m.writable(jobID)
	if err != nil {
		return nil, nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	j := rec.job.Clone()
	evs, err := job.Expire(j, m.now())
	if err != nil {
		return nil, nil, err
	}
	rec.job = j
	rec.events = append(rec.events, evs...)
	return j.Clone(), evs, nil
}

// ListEvents returns events with Seq greater than afterSeq.
func (m *Store) ListEvents(_ context.Context, jobID id.JobID, afterSeq int64) ([]job.Event, error) {
	rec, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// Seq n lives at index n-1.
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(rec.events)) {
		return nil, nil
	}
	out := make([]job.Event, len(rec.events)-int(afterSeq))
	copy(out, rec.events[afterSeq:])
	return out, nil
}

// ──────────────────────────────────────────────────
// Idempotency Store
// ──────────────────────────────────────────────────

// GetIdempotency returns the record for key.
func (m *Store) GetIdempotency(_ context.Context, key string) (*idempotency.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idem[key]
	if !ok {
		return nil, courier.ErrKeyNotFound
	}
	cp := *rec
	return &cp, nil
}

// DeleteIdempotency removes the record for key if it is expired at now.
func (m *Store) DeleteIdempotency(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.idem[key]; ok && rec.Expired(now) {
		delete(m.idem, key)
	}
	return nil
}

// SweepIdempotency removes all records expired at now.
func (m *Store) SweepIdempotency(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, rec := range m.idem {
		if rec.Expired(now) {
			delete(m.idem, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds an entry.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return courier.ErrStoreClosed
	}

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// ListDLQ returns entries newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if !opts.JobID.IsNil() && e.JobID.String() != opts.JobID.String() {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})
	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves an entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, courier.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the number of entries.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.dlqs)), nil
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
