// Package store defines the aggregate persistence interface. Each
// subsystem (job, idempotency, dlq) defines its own store interface and
// the composite Store composes them. Backends: Memory, Redis, SQLite
// and PostgreSQL.
package store

import (
	"context"

	"github.com/xraph/courier/dlq"
	"github.com/xraph/courier/idempotency"
	"github.com/xraph/courier/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	job.Store
	idempotency.Store
	dlq.Store

	// Migrate prepares the backend schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
