package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RunRepository handles the ingestion_runs audit log.
type RunRepository struct {
	q Querier
}

// Create records a finished run.
func (r *RunRepository) Create(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO ingestion_runs (
			run_id, started_at, finished_at, fetched, new_events, accepted, dropped,
			listens_inserted, listens_refreshed, watermark_before, watermark_after
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.q.Exec(ctx, query,
		run.ID,
		run.StartedAt,
		run.FinishedAt,
		run.Fetched,
		run.New,
		run.Accepted,
		run.Dropped,
		run.ListensInserted,
		run.ListensRefreshed,
		run.WatermarkBefore,
		run.WatermarkAfter,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// Latest returns the most recently finished run.
func (r *RunRepository) Latest(ctx context.Context) (*Run, error) {
	query := `
		SELECT run_id, started_at, finished_at, fetched, new_events, accepted, dropped,
			listens_inserted, listens_refreshed, watermark_before, watermark_after
		FROM ingestion_runs
		ORDER BY finished_at DESC
		LIMIT 1
	`
	var run Run
	err := r.q.QueryRow(ctx, query).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Fetched,
		&run.New,
		&run.Accepted,
		&run.Dropped,
		&run.ListensInserted,
		&run.ListensRefreshed,
		&run.WatermarkBefore,
		&run.WatermarkAfter,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest run: %w", err)
	}
	return &run, nil
}
