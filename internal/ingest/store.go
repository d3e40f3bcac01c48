package ingest

import (
	"context"
	"time"

	"github.com/justestif/go-spotify-listen-ingest/internal/db"
	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

// Feed supplies the most recent play events, newest first.
// Implemented by *spotify.Client.
type Feed interface {
	RecentlyPlayed(ctx context.Context, limit int) ([]normalize.PlayEvent, error)
}

// Store runs fn inside one transaction holding the run lock. It commits
// only when fn returns nil and returns db.ErrRunInProgress when another
// run holds the lock.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of the store used by a single run.
// Implemented by *db.RunTx.
type Tx interface {
	Watermark(ctx context.Context) (*time.Time, error)
	Write(ctx context.Context, rec *normalize.Record) (db.WriteResult, error)
	AdvanceWatermark(ctx context.Context, at time.Time) error
	RecordRun(ctx context.Context, run *db.Run) error
}

// FromDB adapts a database to a Store.
func FromDB(database *db.DB) Store {
	return dbStore{db: database}
}

type dbStore struct {
	db *db.DB
}

func (s dbStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.db.RunInTx(ctx, func(ctx context.Context, tx *db.RunTx) error {
		return fn(ctx, tx)
	})
}
