package spotify

import "github.com/justestif/go-spotify-listen-ingest/internal/normalize"

// recentlyPlayedResponse is the body of GET me/player/recently-played.
// The library's SimpleTrack omits popularity, so the feed has its own types.
type recentlyPlayedResponse struct {
	Items []playHistoryItem `json:"items"`
	Next  string            `json:"next"`
}

type playHistoryItem struct {
	Track    fullTrack `json:"track"`
	PlayedAt string    `json:"played_at"`
}

type fullTrack struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	DurationMs int            `json:"duration_ms"`
	Explicit   bool           `json:"explicit"`
	Popularity *int           `json:"popularity"`
	Album      *simpleAlbum   `json:"album"`
	Artists    []simpleArtist `json:"artists"`
}

type simpleAlbum struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	ReleaseDate          string `json:"release_date"`
	ReleaseDatePrecision string `json:"release_date_precision"`
	TotalTracks          int    `json:"total_tracks"`
	AlbumType            string `json:"album_type"`
}

type simpleArtist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Popularity *int   `json:"popularity"`
}

type errorResponse struct {
	Error struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertItem converts a play history item to a normalize.PlayEvent.
// The feed does not report play duration, so MsPlayed stays nil.
func convertItem(item playHistoryItem) normalize.PlayEvent {
	t := item.Track

	artists := make([]normalize.ArtistPayload, len(t.Artists))
	for i, a := range t.Artists {
		artists[i] = normalize.ArtistPayload{
			ID:         a.ID,
			Name:       a.Name,
			Popularity: a.Popularity,
		}
	}

	var album *normalize.AlbumPayload
	if a := t.Album; a != nil {
		album = &normalize.AlbumPayload{
			ID:                   a.ID,
			Name:                 a.Name,
			ReleaseDate:          a.ReleaseDate,
			ReleaseDatePrecision: a.ReleaseDatePrecision,
			TotalTracks:          a.TotalTracks,
			AlbumType:            a.AlbumType,
		}
	}

	return normalize.PlayEvent{
		Track: normalize.TrackPayload{
			ID:         t.ID,
			Name:       t.Name,
			DurationMs: t.DurationMs,
			Explicit:   t.Explicit,
			Popularity: t.Popularity,
			Album:      album,
			Artists:    artists,
		},
		PlayedAt: item.PlayedAt,
	}
}
