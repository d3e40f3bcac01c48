package normalize

import "time"

// AlbumType is the closed set of album kinds Spotify reports.
type AlbumType string

const (
	AlbumTypeAlbum       AlbumType = "album"
	AlbumTypeSingle      AlbumType = "single"
	AlbumTypeCompilation AlbumType = "compilation"
)

// Valid reports whether t is one of the known album types.
func (t AlbumType) Valid() bool {
	switch t {
	case AlbumTypeAlbum, AlbumTypeSingle, AlbumTypeCompilation:
		return true
	}
	return false
}

// PlayEvent is one raw entry of the recently played feed.
type PlayEvent struct {
	Track    TrackPayload
	PlayedAt string // ISO-8601 instant, e.g. "2024-01-15T10:30:00.123Z"
	MsPlayed *int   // nullable
}

// TrackPayload is the track object embedded in a play event.
type TrackPayload struct {
	ID         string
	Name       string
	DurationMs int
	Explicit   bool
	Popularity *int          // nullable
	Album      *AlbumPayload // nullable
	Artists    []ArtistPayload
}

// AlbumPayload is the album object embedded in a track.
type AlbumPayload struct {
	ID                   string
	Name                 string
	ReleaseDate          string // "1995", "1995-06" or "1995-06-15"; empty when unknown
	ReleaseDatePrecision string // "year", "month" or "day"
	TotalTracks          int
	AlbumType            string
}

// ArtistPayload is a credited artist of a track.
type ArtistPayload struct {
	ID         string
	Name       string
	Popularity *int // absent on simplified artist objects
}

// Artist is a normalized artists row.
type Artist struct {
	ID         string
	Name       string
	Popularity *int
}

// Album is a normalized albums row.
type Album struct {
	ID          string
	Name        string
	ReleaseDate *string // always YYYY-MM-DD when set
	TotalTracks int
	AlbumType   *AlbumType
}

// Track is a normalized tracks row.
type Track struct {
	ID         string
	Name       string
	AlbumID    *string // nullable weak reference
	DurationMs int
	Explicit   bool
	Popularity *int
}

// TrackArtist links a track to one of its credited artists.
type TrackArtist struct {
	TrackID  string
	ArtistID string
	Order    int // 0-based position in the credited list
}

// Listen is one play of a track.
type Listen struct {
	TrackID  string
	PlayedAt time.Time // UTC
	MsPlayed *int
}

// Record is the full set of rows derived from one play event.
type Record struct {
	Album   *Album
	Track   Track
	Artists []Artist
	Links   []TrackArtist // Links[i] belongs to Artists[i]
	Listen  Listen
}
