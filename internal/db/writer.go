package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

const (
	upsertAlbumSQL = `
		INSERT INTO albums (album_id, name, release_date, total_tracks, album_type, fetched_at)
		VALUES ($1, $2, $3::text::date, $4, $5::text::album_type, NOW())
		ON CONFLICT (album_id) DO UPDATE SET
			name = EXCLUDED.name,
			release_date = EXCLUDED.release_date,
			total_tracks = EXCLUDED.total_tracks,
			album_type = EXCLUDED.album_type,
			fetched_at = EXCLUDED.fetched_at
	`

	upsertTrackSQL = `
		INSERT INTO tracks (track_id, name, album_id, duration_ms, explicit, popularity, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (track_id) DO UPDATE SET
			name = EXCLUDED.name,
			album_id = EXCLUDED.album_id,
			duration_ms = EXCLUDED.duration_ms,
			explicit = EXCLUDED.explicit,
			popularity = EXCLUDED.popularity,
			fetched_at = EXCLUDED.fetched_at
	`

	upsertArtistSQL = `
		INSERT INTO artists (artist_id, name, popularity, fetched_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (artist_id) DO UPDATE SET
			name = EXCLUDED.name,
			popularity = EXCLUDED.popularity,
			fetched_at = EXCLUDED.fetched_at
	`

	upsertTrackArtistSQL = `
		INSERT INTO track_artists (track_id, artist_id, artist_order)
		VALUES ($1, $2, $3)
		ON CONFLICT (track_id, artist_id) DO UPDATE SET
			artist_order = EXCLUDED.artist_order
	`

	// Only ms_played is refreshed on conflict, and a null never replaces a
	// known value. xmax is 0 only for freshly inserted tuples.
	upsertListenSQL = `
		INSERT INTO listens (track_id, played_at, ms_played)
		VALUES ($1, $2, $3)
		ON CONFLICT (track_id, played_at) DO UPDATE SET
			ms_played = COALESCE(EXCLUDED.ms_played, listens.ms_played)
		RETURNING (xmax = 0)
	`
)

// Writer applies normalized records with upsert semantics.
type Writer struct {
	q Querier
}

// Apply writes one record as a single batch in referential order:
// album, track, each artist followed by its link, then the listen.
func (w *Writer) Apply(ctx context.Context, rec *normalize.Record) (WriteResult, error) {
	var result WriteResult

	b := &pgx.Batch{}
	var steps []string
	queue := func(step, sql string, args ...any) {
		b.Queue(sql, args...)
		steps = append(steps, step)
	}

	if a := rec.Album; a != nil {
		var albumType *string
		if a.AlbumType != nil {
			s := string(*a.AlbumType)
			albumType = &s
		}
		queue("album "+a.ID, upsertAlbumSQL, a.ID, a.Name, a.ReleaseDate, a.TotalTracks, albumType)
	}

	t := rec.Track
	queue("track "+t.ID, upsertTrackSQL, t.ID, t.Name, t.AlbumID, t.DurationMs, t.Explicit, t.Popularity)

	for i, artist := range rec.Artists {
		link := rec.Links[i]
		queue("artist "+artist.ID, upsertArtistSQL, artist.ID, artist.Name, artist.Popularity)
		queue("track artist "+link.ArtistID, upsertTrackArtistSQL, link.TrackID, link.ArtistID, link.Order)
	}

	l := rec.Listen
	b.Queue(upsertListenSQL, l.TrackID, l.PlayedAt.UTC(), l.MsPlayed)

	br := w.q.SendBatch(ctx, b)
	for _, step := range steps {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return result, fmt.Errorf("upserting %s: %w", step, err)
		}
	}
	if err := br.QueryRow().Scan(&result.ListenInserted); err != nil {
		_ = br.Close()
		return result, fmt.Errorf("upserting listen %s@%s: %w", l.TrackID, l.PlayedAt.Format("2006-01-02T15:04:05.000Z07:00"), err)
	}
	if err := br.Close(); err != nil {
		return result, fmt.Errorf("closing batch: %w", err)
	}

	return result, nil
}
