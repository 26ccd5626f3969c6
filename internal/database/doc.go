// Package database records the outcome of every cache batch in SQLite.
//
// The history is diagnostic only. Nothing in the cache reads it back, so
// losing the database file loses no cached photos. One row per batch holds
// the terminal state and counters; see [Database.RecordBatch] and
// [Database.RecentBatches].
//
// The connection uses WAL journaling and a busy timeout so the HTTP
// handlers can read while a batch finishes.
package database
