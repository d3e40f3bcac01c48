package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// watermarkID is the only valid ingestion_state row id.
const watermarkID = 1

// WatermarkStore holds the last ingested played_at instant.
type WatermarkStore struct {
	q Querier
}

// Read returns the stored watermark in UTC, or nil before the first
// successful run. A missing row while listens exist is ErrIntegrity.
func (s *WatermarkStore) Read(ctx context.Context) (*time.Time, error) {
	query := `SELECT last_played_at FROM ingestion_state WHERE id = $1`

	var lastPlayedAt time.Time
	err := s.q.QueryRow(ctx, query, watermarkID).Scan(&lastPlayedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var hasListens bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listens)`).Scan(&hasListens); err != nil {
			return nil, fmt.Errorf("checking for listens: %w", err)
		}
		if hasListens {
			return nil, fmt.Errorf("%w: ingestion_state row missing but listens exist", ErrIntegrity)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying watermark: %w", err)
	}

	lastPlayedAt = lastPlayedAt.UTC()
	return &lastPlayedAt, nil
}

// Advance moves the watermark forward to t. The stored value never moves back.
func (s *WatermarkStore) Advance(ctx context.Context, t time.Time) error {
	query := `
		INSERT INTO ingestion_state (id, last_played_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET
			last_played_at = GREATEST(ingestion_state.last_played_at, EXCLUDED.last_played_at)
	`
	if _, err := s.q.Exec(ctx, query, watermarkID, t.UTC()); err != nil {
		return fmt.Errorf("advancing watermark: %w", err)
	}
	return nil
}
