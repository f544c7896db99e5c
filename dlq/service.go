package dlq

import (
	"context"
	"time"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store Store
}

// NewService creates a DLQ service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Push records that it, an item of j, ended with failure f after its
// final attempt, and returns the stored entry.
func (s *Service) Push(ctx context.Context, j *job.Job, it *job.Item, f job.Failure) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:          id.NewDLQID(),
		JobID:       j.ID,
		FileID:      it.FileID,
		ErrorCode:   f.Code,
		Error:       f.Message,
		Attempts:    it.Attempt,
		MaxAttempts: j.MaxAttempts,
		ClientRef:   j.ClientReference,
		FailedAt:    now,
		CreatedAt:   now,
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries matching opts.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, opts)
}

// Count returns the number of entries.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.CountDLQ(ctx)
}

// Purge removes entries older than retention.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.PurgeDLQ(ctx, time.Now().UTC().Add(-retention))
}

// DLQStore returns the underlying store.
func (s *Service) DLQStore() Store {
	return s.store
}
