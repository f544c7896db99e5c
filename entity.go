package courier

import "time"

// Entity carries the timestamps shared by persisted records.
type Entity struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntity returns an Entity stamped with the current UTC time.
func NewEntity() Entity {
	now := time.Now().UTC()
	return Entity{CreatedAt: now, UpdatedAt: now}
}

// Touch advances UpdatedAt to t. UpdatedAt never moves backwards.
func (e *Entity) Touch(t time.Time) {
	if t.After(e.UpdatedAt) {
		e.UpdatedAt = t
	}
}
