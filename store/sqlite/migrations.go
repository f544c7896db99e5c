package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the courier sqlite store.
var Migrations = migrate.NewGroup("courier")

// execAll runs stmts in order and stops at the first error.
func execAll(ctx context.Context, exec migrate.Executor, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	Migrations.MustRegister(
		// 001: Jobs and their items.
		&migrate.Migration{
			Name:    "create_jobs_and_items",
			Version: "20260901120000",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec,
					`CREATE TABLE IF NOT EXISTS courier_jobs (
						id                TEXT PRIMARY KEY,
						status            TEXT NOT NULL DEFAULT 'queued',
						file_ids          TEXT NOT NULL,
						done              INTEGER NOT NULL DEFAULT 0,
						failed            INTEGER NOT NULL DEFAULT 0,
						canceled          INTEGER NOT NULL DEFAULT 0,
						total             INTEGER NOT NULL,
						started_at        INTEGER,
						completed_at      INTEGER,
						client_reference  TEXT NOT NULL DEFAULT '',
						idempotency_key   TEXT NOT NULL DEFAULT '',
						cancel_requested  INTEGER NOT NULL DEFAULT 0,
						max_attempts      INTEGER NOT NULL,
						failure_threshold INTEGER NOT NULL,
						event_seq         INTEGER NOT NULL DEFAULT 0,
						created_at        INTEGER NOT NULL,
						updated_at        INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_courier_jobs_status
						ON courier_jobs (status, created_at)`,
					`CREATE INDEX IF NOT EXISTS idx_courier_jobs_completed
						ON courier_jobs (completed_at)
						WHERE completed_at IS NOT NULL`,
					`CREATE TABLE IF NOT EXISTS courier_items (
						job_id        TEXT NOT NULL REFERENCES courier_jobs (id) ON DELETE CASCADE,
						file_id       INTEGER NOT NULL,
						position      INTEGER NOT NULL,
						status        TEXT NOT NULL DEFAULT 'queued',
						attempt       INTEGER NOT NULL DEFAULT 0,
						artifact_key  TEXT NOT NULL DEFAULT '',
						size_bytes    INTEGER NOT NULL DEFAULT 0,
						error_code    TEXT NOT NULL DEFAULT '',
						error_message TEXT NOT NULL DEFAULT '',
						updated_at    INTEGER NOT NULL,
						PRIMARY KEY (job_id, file_id)
					)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec,
					`DROP TABLE IF EXISTS courier_items`,
					`DROP TABLE IF EXISTS courier_jobs`,
				)
			},
		},

		// 002: Per-job event log.
		&migrate.Migration{
			Name:    "create_events",
			Version: "20260901120100",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec,
					`CREATE TABLE IF NOT EXISTS courier_events (
						job_id  TEXT NOT NULL REFERENCES courier_jobs (id) ON DELETE CASCADE,
						seq     INTEGER NOT NULL,
						payload TEXT NOT NULL,
						PRIMARY KEY (job_id, seq)
					)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec, `DROP TABLE IF EXISTS courier_events`)
			},
		},

		// 003: Idempotency keys and the dead letter queue.
		&migrate.Migration{
			Name:    "create_idempotency_and_dlq",
			Version: "20260901120200",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec,
					`CREATE TABLE IF NOT EXISTS courier_idempotency (
						idem_key   TEXT PRIMARY KEY,
						job_id     TEXT NOT NULL,
						expires_at INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_courier_idempotency_expires
						ON courier_idempotency (expires_at)`,
					`CREATE TABLE IF NOT EXISTS courier_dlq (
						id               TEXT PRIMARY KEY,
						job_id           TEXT NOT NULL,
						file_id          INTEGER NOT NULL,
						error_code       TEXT NOT NULL,
						error            TEXT NOT NULL,
						attempts         INTEGER NOT NULL,
						max_attempts     INTEGER NOT NULL,
						client_reference TEXT NOT NULL DEFAULT '',
						failed_at        INTEGER NOT NULL,
						created_at       INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_courier_dlq_failed_at
						ON courier_dlq (failed_at)`,
					`CREATE INDEX IF NOT EXISTS idx_courier_dlq_job
						ON courier_dlq (job_id)`,
				)
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				return execAll(ctx, exec,
					`DROP TABLE IF EXISTS courier_dlq`,
					`DROP TABLE IF EXISTS courier_idempotency`,
				)
			},
		},
	)
}
