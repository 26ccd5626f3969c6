package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"photocache/internal/cache"
)

// DefaultRecentLimit is used by RecentBatches when limit <= 0.
const DefaultRecentLimit = 20

// MaxRecentLimit caps RecentBatches.
const MaxRecentLimit = 500

// ErrNotFound is returned by GetBatch for an unknown id.
var ErrNotFound = errors.New("batch not found")

const batchColumns = `id, started_at, finished_at, state, total, succeeded, failed, already_cached, total_cache_size, reason`

// RecordBatch stores the terminal state of a batch. Recording the same id
// again replaces the earlier row.
func (d *Database) RecordBatch(ctx context.Context, rec cache.BatchRecord) (err error) {
	start := time.Now()
	defer func() { recordQuery("record_batch", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			state = excluded.state,
			total = excluded.total,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			already_cached = excluded.already_cached,
			total_cache_size = excluded.total_cache_size,
			reason = excluded.reason
	`,
		rec.ID,
		rec.StartedAt.UnixMilli(),
		rec.FinishedAt.UnixMilli(),
		rec.State.String(),
		rec.Total,
		rec.Succeeded,
		rec.Failed,
		rec.AlreadyCached,
		rec.TotalCacheSize,
		rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("record batch %s: %w", rec.ID, err)
	}
	return nil
}

// RecentBatches returns up to limit batches, newest first.
func (d *Database) RecentBatches(ctx context.Context, limit int) (recs []cache.BatchRecord, err error) {
	start := time.Now()
	defer func() { recordQuery("recent_batches", start, err) }()

	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM batches
		ORDER BY finished_at DESC, started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			log.Warn("failed to close rows: %v", closeErr)
		}
	}()

	recs = make([]cache.BatchRecord, 0, limit)
	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetBatch returns one batch by id.
func (d *Database) GetBatch(ctx context.Context, id string) (rec cache.BatchRecord, err error) {
	start := time.Now()
	defer func() {
		if errors.Is(err, ErrNotFound) {
			recordQuery("get_batch", start, nil)
			return
		}
		recordQuery("get_batch", start, err)
	}()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := d.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	rec, err = scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.BatchRecord{}, ErrNotFound
	}
	return rec, err
}

// PruneBatches keeps the newest keep rows and deletes the rest.
func (d *Database) PruneBatches(ctx context.Context, keep int) (n int64, err error) {
	start := time.Now()
	defer func() { recordQuery("prune_batches", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := d.db.ExecContext(ctx, `
		DELETE FROM batches WHERE id NOT IN (
			SELECT id FROM batches ORDER BY finished_at DESC, started_at DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune batches: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(s scanner) (cache.BatchRecord, error) {
	var (
		rec                 cache.BatchRecord
		startedMs, finishMs int64
		state               string
	)
	err := s.Scan(
		&rec.ID,
		&startedMs,
		&finishMs,
		&state,
		&rec.Total,
		&rec.Succeeded,
		&rec.Failed,
		&rec.AlreadyCached,
		&rec.TotalCacheSize,
		&rec.Reason,
	)
	if err != nil {
		return cache.BatchRecord{}, err
	}
	rec.StartedAt = time.UnixMilli(startedMs)
	rec.FinishedAt = time.UnixMilli(finishMs)
	if err := rec.State.UnmarshalText([]byte(state)); err != nil {
		return cache.BatchRecord{}, fmt.Errorf("batch %s: %w", rec.ID, err)
	}
	return rec, nil
}
