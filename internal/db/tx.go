package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

// runLockKey is the advisory lock key serializing ingestion runs ("SpotList").
const runLockKey int64 = 0x53706f744c697374

// RunTx is the storage view of a single ingestion run. Everything done
// through it commits or rolls back together.
type RunTx struct {
	tx         pgx.Tx
	watermarks *WatermarkStore
	writer     *Writer
	runs       *RunRepository
}

// RunInTx begins a transaction, takes the run lock and calls fn. The
// transaction commits only if fn returns nil. When another run holds the
// lock, ErrRunInProgress is returned without calling fn.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx *RunTx) error) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Released automatically at commit or rollback.
	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, runLockKey).Scan(&locked); err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return ErrRunInProgress
	}

	if err := fn(ctx, newRunTx(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func newRunTx(tx pgx.Tx) *RunTx {
	return &RunTx{
		tx:         tx,
		watermarks: &WatermarkStore{q: tx},
		writer:     &Writer{q: tx},
		runs:       &RunRepository{q: tx},
	}
}

// Watermark reads the current watermark.
func (t *RunTx) Watermark(ctx context.Context) (*time.Time, error) {
	return t.watermarks.Read(ctx)
}

// Write applies one normalized record.
func (t *RunTx) Write(ctx context.Context, rec *normalize.Record) (WriteResult, error) {
	return t.writer.Apply(ctx, rec)
}

// AdvanceWatermark moves the watermark forward.
func (t *RunTx) AdvanceWatermark(ctx context.Context, at time.Time) error {
	return t.watermarks.Advance(ctx, at)
}

// RecordRun stores the audit row of the run.
func (t *RunTx) RecordRun(ctx context.Context, run *Run) error {
	return t.runs.Create(ctx, run)
}
