// Package storage is the durable job store behind the action queue.
//
// Drivers:
//   - "file":     JSON snapshot plus an fsync'd append-only journal
//   - "sqlite":   embedded SQLite database (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Every driver implements the same state machine:
// pending -> firing -> completed | failed, with firing -> pending allowed
// only through ReleaseJob.
package storage
