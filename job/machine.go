package job

import (
	"fmt"
	"time"

	"github.com/xraph/courier"
	"github.com/xraph/courier/id"
)

// Validate checks a requested batch against maxBatch and the file ID
// range. Duplicate IDs are rejected because items are keyed by
// (job, file).
func Validate(fileIDs []int64, maxBatch int) error {
	if len(fileIDs) == 0 {
		return courier.NewValidationError("file_ids", "at least one file id is required")
	}
	if len(fileIDs) > maxBatch {
		return courier.NewValidationError("file_ids", "batch of %d exceeds the maximum of %d", len(fileIDs), maxBatch)
	}
	seen := make(map[int64]struct{}, len(fileIDs))
	for _, f := range fileIDs {
		if f < MinFileID || f > MaxFileID {
			return courier.NewValidationError("file_ids", "file id %d outside [%d, %d]", f, MinFileID, MaxFileID)
		}
		if _, dup := seen[f]; dup {
			return courier.NewValidationError("file_ids", "duplicate file id %d", f)
		}
		seen[f] = struct{}{}
	}
	return nil
}

// New builds a queued job and its queued items. The caller validates
// fileIDs first.
func New(fileIDs []int64, now time.Time, opts ...Option) (*Job, []*Item) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	j := &Job{
		Entity:           courier.Entity{CreatedAt: now, UpdatedAt: now},
		ID:               id.NewJobID(),
		Status:           StatusQueued,
		FileIDs:          append([]int64(nil), fileIDs...),
		Counts:           Counts{Total: len(fileIDs)},
		ClientReference:  o.ClientReference,
		IdempotencyKey:   o.IdempotencyKey,
		MaxAttempts:      o.MaxAttempts,
		FailureThreshold: o.FailureThreshold,
	}
	items := make([]*Item, len(fileIDs))
	for i, f := range fileIDs {
		items[i] = &Item{
			JobID:     j.ID,
			FileID:    f,
			Status:    ItemQueued,
			UpdatedAt: now,
		}
	}
	return j, items
}

// ItemTransition mutates a job and one of its items in place and returns
// the events it appended. Stores apply transitions inside the boundary
// that serializes writes to the job, so the roll-up is always computed
// from the state it is written with.
type ItemTransition func(j *Job, it *Item, now time.Time) ([]Event, error)

// Start moves a queued item into processing for the given attempt
// (1-based). A redelivered task whose attempt does not follow the item's
// recorded attempt is rejected with courier.ErrStaleAttempt. When
// cancellation was requested the item is canceled instead and the caller
// must not process it.
func Start(attempt int) ItemTransition {
	return func(j *Job, it *Item, now time.Time) ([]Event, error) {
		if err := expectStatus(it, ItemQueued, attempt-1); err != nil {
			return nil, err
		}
		var evs []Event
		if j.CancelRequested {
			cancelItem(j, it, now, &evs)
			rollUp(j, now, &evs)
			return evs, nil
		}

		if j.Status == StatusQueued {
			j.Status = StatusProcessing
			started := now
			j.StartedAt = &started
			evs = append(evs, j.event(EventJobStarted, now))
		}
		it.Status = ItemProcessing
		it.Attempt = attempt
		it.UpdatedAt = now
		evs = append(evs, j.itemEvent(EventItemStarted, it, now))
		j.Touch(now)
		return evs, nil
	}
}

// Complete records a successful attempt.
func Complete(attempt int, res Result) ItemTransition {
	return func(j *Job, it *Item, now time.Time) ([]Event, error) {
		if err := expectStatus(it, ItemProcessing, attempt); err != nil {
			return nil, err
		}
		it.Status = ItemCompleted
		it.ArtifactKey = res.ArtifactKey
		it.SizeBytes = res.SizeBytes
		it.UpdatedAt = now
		j.Counts.Done++

		evs := []Event{j.itemEvent(EventItemCompleted, it, now)}
		rollUp(j, now, &evs)
		return evs, nil
	}
}

// Requeue returns a processing item to the queue after a retryable
// failure. If cancellation was requested meanwhile the item is canceled
// instead; callers check the item status before scheduling another
// attempt.
func Requeue(attempt int, f Failure, delay time.Duration) ItemTransition {
	return func(j *Job, it *Item, now time.Time) ([]Event, error) {
		if err := expectStatus(it, ItemProcessing, attempt); err != nil {
			return nil, err
		}
		if attempt >= j.MaxAttempts {
			return nil, fmt.Errorf("requeue attempt %d of %d: %w", attempt, j.MaxAttempts, courier.ErrInvalidState)
		}
		var evs []Event
		if j.CancelRequested {
			cancelItem(j, it, now, &evs)
			rollUp(j, now, &evs)
			return evs, nil
		}

		it.Status = ItemQueued
		it.UpdatedAt = now
		ev := j.itemEvent(EventItemRetrying, it, now)
		ev.ErrorCode = f.Code
		ev.ErrorMessage = f.Message
		ev.RetryIn = delay
		evs = append(evs, ev)
		j.Touch(now)
		return evs, nil
	}
}

// Fail records a terminal item failure.
func Fail(attempt int, f Failure) ItemTransition {
	return func(j *Job, it *Item, now time.Time) ([]Event, error) {
		if err := expectStatus(it, ItemProcessing, attempt); err != nil {
			return nil, err
		}
		it.Status = ItemFailed
		it.ErrorCode = f.Code
		it.ErrorMessage = f.Message
		it.UpdatedAt = now
		j.Counts.Failed++

		evs := []Event{j.itemEvent(EventItemFailed, it, now)}
		rollUp(j, now, &evs)
		return evs, nil
	}
}

// Cancel requests cancellation of j. Queued items are canceled at once;
// processing items finish their current attempt. Canceling a terminal job
// or re-canceling is a no-op that returns no events.
func Cancel(j *Job, items []*Item, now time.Time) []Event {
	if j.Status.Terminal() {
		return nil
	}
	j.CancelRequested = true
	j.Touch(now)

	var evs []Event
	for _, it := range items {
		if it.Status == ItemQueued {
			cancelItem(j, it, now, &evs)
		}
	}
	rollUp(j, now, &evs)
	return evs
}

// Expire marks a finished job as expired.
func Expire(j *Job, now time.Time) ([]Event, error) {
	if j.Status == StatusExpired {
		return nil, nil
	}
	if !j.Status.Terminal() {
		return nil, fmt.Errorf("expire job in status %s: %w", j.Status, courier.ErrInvalidState)
	}
	j.Status = StatusExpired
	j.Touch(now)
	return []Event{j.event(EventJobExpired, now)}, nil
}

func expectStatus(it *Item, want ItemStatus, attempt int) error {
	if it.Status.Terminal() {
		return courier.ErrItemTerminal
	}
	if it.Status != want || it.Attempt != attempt {
		return fmt.Errorf("item %d is %s at attempt %d, want %s at %d: %w",
			it.FileID, it.Status, it.Attempt, want, attempt, courier.ErrStaleAttempt)
	}
	return nil
}

func cancelItem(j *Job, it *Item, now time.Time, evs *[]Event) {
	it.Status = ItemCanceled
	it.UpdatedAt = now
	j.Counts.Canceled++
	*evs = append(*evs, j.itemEvent(EventItemCanceled, it, now))
}

// rollUp derives the job status once every item is terminal.
func rollUp(j *Job, now time.Time, evs *[]Event) {
	j.Touch(now)
	if j.Status.Terminal() || j.Counts.Settled() < j.Counts.Total {
		return
	}

	var typ EventType
	switch {
	case j.CancelRequested:
		j.Status, typ = StatusCanceled, EventJobCanceled
	case j.FailureThreshold > 0 && j.Counts.Failed >= j.FailureThreshold:
		j.Status, typ = StatusFailed, EventJobFailed
	default:
		j.Status, typ = StatusCompleted, EventJobCompleted
	}
	done := now
	if j.StartedAt != nil && done.Before(*j.StartedAt) {
		done = *j.StartedAt
	}
	j.CompletedAt = &done
	*evs = append(*evs, j.event(typ, now))
}

func (j *Job) event(typ EventType, now time.Time) Event {
	j.EventSeq++
	return Event{
		Seq:       j.EventSeq,
		Type:      typ,
		JobID:     j.ID,
		JobStatus: j.Status,
		Counts:    j.Counts,
		Time:      now,
	}
}

func (j *Job) itemEvent(typ EventType, it *Item, now time.Time) Event {
	ev := j.event(typ, now)
	ev.FileID = it.FileID
	ev.ItemStatus = it.Status
	ev.Attempt = it.Attempt
	ev.ArtifactKey = it.ArtifactKey
	ev.SizeBytes = it.SizeBytes
	ev.ErrorCode = it.ErrorCode
	ev.ErrorMessage = it.ErrorMessage
	return ev
}
