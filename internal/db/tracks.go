package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// TrackRepository reads stored tracks.
type TrackRepository struct {
	q Querier
}

// Get retrieves a track by ID.
func (r *TrackRepository) Get(ctx context.Context, id string) (*Track, error) {
	query := `
		SELECT track_id, name, album_id, duration_ms, explicit, popularity, fetched_at
		FROM tracks
		WHERE track_id = $1
	`
	var track Track
	err := r.q.QueryRow(ctx, query, id).Scan(
		&track.ID,
		&track.Name,
		&track.AlbumID,
		&track.DurationMs,
		&track.Explicit,
		&track.Popularity,
		&track.FetchedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying track: %w", err)
	}
	return &track, nil
}

// ArtistIDs returns the credited artist IDs of a track in credit order.
func (r *TrackRepository) ArtistIDs(ctx context.Context, trackID string) ([]string, error) {
	query := `
		SELECT artist_id
		FROM track_artists
		WHERE track_id = $1
		ORDER BY artist_order
	`
	rows, err := r.q.Query(ctx, query, trackID)
	if err != nil {
		return nil, fmt.Errorf("querying track artists: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning artist ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListenRepository reads stored listens.
type ListenRepository struct {
	q Querier
}

// Count returns the total number of listens.
func (r *ListenRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM listens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting listens: %w", err)
	}
	return n, nil
}

// Between returns listens played in [from, to), oldest first.
func (r *ListenRepository) Between(ctx context.Context, from, to time.Time) ([]Listen, error) {
	query := `
		SELECT listen_id, track_id, played_at, ms_played
		FROM listens
		WHERE played_at >= $1 AND played_at < $2
		ORDER BY played_at
	`
	rows, err := r.q.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("querying listens: %w", err)
	}
	defer rows.Close()

	var listens []Listen
	for rows.Next() {
		var l Listen
		if err := rows.Scan(&l.ID, &l.TrackID, &l.PlayedAt, &l.MsPlayed); err != nil {
			return nil, fmt.Errorf("scanning listen: %w", err)
		}
		l.PlayedAt = l.PlayedAt.UTC()
		listens = append(listens, l)
	}
	return listens, rows.Err()
}
