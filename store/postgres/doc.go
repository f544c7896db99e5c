// Package postgres implements store.Store on PostgreSQL using pgx/v5 with
// raw SQL and embedded SQL migrations.
//
// Job transitions lock the job row with SELECT ... FOR UPDATE, so several
// engine processes can share one database.
package postgres
