// Package normalize turns raw play events from the recently played feed into
// the artist, album, track, track-artist and listen rows stored by the job.
//
// Everything here is pure: no storage, no network.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent is returned when a play event lacks a required field or
// carries a value that cannot be stored.
var ErrInvalidEvent = errors.New("invalid play event")

// Release date precisions reported by Spotify.
const (
	PrecisionYear  = "year"
	PrecisionMonth = "month"
	PrecisionDay   = "day"
)

// Event normalizes a single play event.
func Event(e PlayEvent) (*Record, error) {
	t := e.Track
	if strings.TrimSpace(t.ID) == "" {
		return nil, fmt.Errorf("%w: missing track id (played_at %q)", ErrInvalidEvent, e.PlayedAt)
	}
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("%w: track %s has no name", ErrInvalidEvent, t.ID)
	}
	if err := checkPopularity(t.Popularity); err != nil {
		return nil, fmt.Errorf("%w: track %s: %v", ErrInvalidEvent, t.ID, err)
	}

	playedAt, err := PlayedAt(e.PlayedAt)
	if err != nil {
		return nil, fmt.Errorf("track %s: %w", t.ID, err)
	}

	rec := &Record{
		Track: Track{
			ID:         t.ID,
			Name:       t.Name,
			DurationMs: t.DurationMs,
			Explicit:   t.Explicit,
			Popularity: t.Popularity,
		},
		Listen: Listen{
			TrackID:  t.ID,
			PlayedAt: playedAt,
			MsPlayed: e.MsPlayed,
		},
	}

	album, err := convertAlbum(t.Album)
	if err != nil {
		return nil, fmt.Errorf("%w: track %s: %v", ErrInvalidEvent, t.ID, err)
	}
	if album != nil {
		rec.Album = album
		id := album.ID
		rec.Track.AlbumID = &id
	}

	seen := make(map[string]bool, len(t.Artists))
	for i, a := range t.Artists {
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("%w: track %s: artist %d has no id", ErrInvalidEvent, t.ID, i)
		}
		if err := checkPopularity(a.Popularity); err != nil {
			return nil, fmt.Errorf("%w: track %s: artist %s: %v", ErrInvalidEvent, t.ID, a.ID, err)
		}
		// The pair (track, artist) is the link key; keep the first credit.
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true

		rec.Artists = append(rec.Artists, Artist{
			ID:         a.ID,
			Name:       a.Name,
			Popularity: a.Popularity,
		})
		rec.Links = append(rec.Links, TrackArtist{
			TrackID:  t.ID,
			ArtistID: a.ID,
			Order:    i,
		})
	}

	return rec, nil
}

// ReleaseDate expands a partial release date to a full calendar date.
// Returns nil when the date is unknown or does not expand to a real date,
// such as the "0000" placeholder Spotify sends for undated releases.
func ReleaseDate(date, precision string) *string {
	date = strings.TrimSpace(date)
	if date == "" {
		return nil
	}

	var full string
	switch precision {
	case PrecisionYear:
		full = date + "-01-01"
	case PrecisionMonth:
		full = date + "-01"
	default:
		full = date
	}

	t, err := time.Parse(time.DateOnly, full)
	if err != nil || t.Year() < 1 {
		return nil
	}
	return &full
}

// PlayedAt parses an ISO-8601 instant and returns it in UTC.
// "Z" and numeric offsets such as "+00:00" are both accepted.
func PlayedAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: played_at %q: %v", ErrInvalidEvent, s, err)
	}
	return t.UTC(), nil
}

// convertAlbum returns nil for albums without an id so the track keeps a
// null album reference instead of a dangling one.
func convertAlbum(a *AlbumPayload) (*Album, error) {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return nil, nil
	}

	album := &Album{
		ID:          a.ID,
		Name:        a.Name,
		ReleaseDate: ReleaseDate(a.ReleaseDate, a.ReleaseDatePrecision),
		TotalTracks: a.TotalTracks,
	}

	if a.AlbumType != "" {
		typ := AlbumType(strings.ToLower(a.AlbumType))
		if !typ.Valid() {
			return nil, fmt.Errorf("album %s: unknown album type %q", a.ID, a.AlbumType)
		}
		album.AlbumType = &typ
	}

	return album, nil
}

func checkPopularity(p *int) error {
	if p != nil && (*p < 0 || *p > 100) {
		return fmt.Errorf("popularity %d outside 0-100", *p)
	}
	return nil
}
