package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/grove/drivers/sqlitedriver"

	"github.com/xraph/courier/id"
	"github.com/xraph/courier/job"
)

func appendEvents(ctx context.Context, tx *sqlitedriver.SqliteTx, evs []job.Event) error {
	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("courier/sqlite: encode event: %w", err)
		}
		m := &eventModel{JobID: e.JobID.String(), Seq: e.Seq, Payload: string(payload)}
		if _, err := tx.NewInsert(m).Exec(ctx); err != nil {
			return fmt.Errorf("courier/sqlite: append event %d: %w", e.Seq, err)
		}
	}
	return nil
}

// ListEvents returns events with Seq greater than afterSeq.
func (s *Store) ListEvents(ctx context.Context, jobID id.JobID, afterSeq int64) ([]job.Event, error) {
	if _, err := getJob(ctx, s.sdb.NewSelect, jobID); err != nil {
		return nil, err
	}

	var models []eventModel
	err := s.sdb.NewSelect(&models).
		Where("job_id = ?", jobID.String()).
		Where("seq > ?", afterSeq).
		OrderExpr("seq ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("courier/sqlite: list events: %w", err)
	}

	evs := make([]job.Event, 0, len(models))
	for i := range models {
		var e job.Event
		if err := json.Unmarshal([]byte(models[i].Payload), &e); err != nil {
			return nil, fmt.Errorf("courier/sqlite: decode event: %w", err)
		}
		evs = append(evs, e)
	}
	return evs, nil
}
