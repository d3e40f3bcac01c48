package db

import (
	"time"

	"github.com/google/uuid"
)

// Track is a stored tracks row.
type Track struct {
	ID         string
	Name       string
	AlbumID    *string // nullable
	DurationMs *int    // nullable
	Explicit   bool
	Popularity *int // nullable
	FetchedAt  time.Time
}

// Listen is a stored listens row.
type Listen struct {
	ID       int64
	TrackID  string
	PlayedAt time.Time
	MsPlayed *int // nullable
}

// Run is an ingestion_runs audit row.
type Run struct {
	ID               uuid.UUID
	StartedAt        time.Time
	FinishedAt       time.Time
	Fetched          int
	New              int
	Accepted         int
	Dropped          int
	ListensInserted  int
	ListensRefreshed int
	WatermarkBefore  *time.Time // nullable on the first run
	WatermarkAfter   *time.Time // nullable until something was ingested
}

// WriteResult reports what Writer.Apply did with the listen of a record.
type WriteResult struct {
	// ListenInserted is false when the listen already existed and only
	// its play duration was refreshed.
	ListenInserted bool
}
