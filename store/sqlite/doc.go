// Package sqlite implements store.Store on SQLite through the grove ORM
// and its pure-Go sqlitedriver. Suitable for single-node deployments and
// tests.
//
// Every mutation of a job runs in one transaction over a single
// connection, so transitions of the same job are serialized:
//
//	s, err := sqlite.Open(ctx, "file:courier.db")
//	if err != nil { ... }
//	defer s.Close()
//
// New wraps a caller-owned *grove.DB instead; open its driver with
// driver.WithPoolSize(1) and call Migrate before use. Schema changes are
// registered in the grove migration group Migrations.
package sqlite
