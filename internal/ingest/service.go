// Package ingest runs one pass of the recently played ingestion job:
// read the watermark, fetch a page, keep events newer than the watermark,
// normalize and write them, then advance the watermark. Each run is one
// store transaction.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/justestif/go-spotify-listen-ingest/internal/db"
	"github.com/justestif/go-spotify-listen-ingest/internal/metrics"
	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

// DefaultLimit is the page size requested from the feed.
const DefaultLimit = 50

// DefaultRunTimeout bounds a whole run.
const DefaultRunTimeout = 2 * time.Minute

// Service ingests recently played tracks into the store.
type Service struct {
	feed       Feed
	store      Store
	limit      int
	runTimeout time.Duration
	log        zerolog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLimit sets how many events are requested per run.
func WithLimit(n int) Option {
	return func(s *Service) {
		s.limit = n
	}
}

// WithRunTimeout bounds each run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.runTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// WithMetrics records every run on r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(s *Service) {
		s.metrics = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new ingestion service.
func New(feed Feed, store Store, opts ...Option) *Service {
	s := &Service{
		feed:       feed,
		store:      store,
		limit:      DefaultLimit,
		runTimeout: DefaultRunTimeout,
		log:        zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunResult contains the result of a successful run.
type RunResult struct {
	RunID            uuid.UUID
	StartedAt        time.Time
	Fetched          int // events returned by the feed
	New              int // events newer than the watermark, or with an unreadable played_at
	Accepted         int // new events that normalized cleanly
	Dropped          int // new events that failed normalization
	ListensInserted  int
	ListensRefreshed int
	WatermarkBefore  *time.Time
	WatermarkAfter   *time.Time
	Duration         time.Duration
}

// Run performs one ingestion pass. Failures are returned as *RunError
// wrapping ErrFetch, ErrStorage, ErrAllEventsInvalid, db.ErrIntegrity or
// db.ErrRunInProgress; in every case nothing of the run is persisted.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.New(),
		StartedAt: s.now().UTC(),
	}
	log := s.log.With().Str("run_id", result.RunID.String()).Logger()

	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	phase := PhaseInit
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		phase = PhaseReadWatermark
		watermark, err := tx.Watermark(ctx)
		if err != nil {
			return fmt.Errorf("reading watermark: %w", err)
		}
		result.WatermarkBefore = watermark
		result.WatermarkAfter = watermark
		log.Debug().Func(logTime("watermark", watermark)).Msg("Last ingested watermark")

		phase = PhaseFetchPage
		events, err := s.feed.RecentlyPlayed(ctx, s.limit)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFetch, err)
		}
		result.Fetched = len(events)

		phase = PhaseFilterNew
		candidates, stale := filterNew(events, watermark)
		result.New = len(candidates)
		log.Debug().Int("fetched", result.Fetched).Int("new", result.New).Msg("New listens found")

		phase = PhaseNormalize
		records := make([]*normalize.Record, 0, len(candidates))
		for _, e := range candidates {
			rec, err := normalize.Event(e)
			if err != nil {
				result.Dropped++
				log.Warn().Err(err).
					Str("track_id", e.Track.ID).
					Str("played_at", e.PlayedAt).
					Msg("Dropping invalid play event")
				continue
			}
			records = append(records, rec)
		}
		result.Accepted = len(records)
		if result.New > 0 && result.Accepted == 0 {
			if !anyValid(stale) {
				return fmt.Errorf("%w: %d dropped", ErrAllEventsInvalid, result.Dropped)
			}
			log.Error().Int("dropped", result.Dropped).
				Msg("Every new play event was invalid; watermark stays until a valid newer play arrives")
		}

		phase = PhaseWriteAll
		var newest *time.Time
		for _, rec := range records {
			res, err := tx.Write(ctx, rec)
			if err != nil {
				return fmt.Errorf("%w: writing listen of track %s at %s: %w",
					ErrStorage, rec.Listen.TrackID, rec.Listen.PlayedAt.Format(time.RFC3339Nano), err)
			}
			if res.ListenInserted {
				result.ListensInserted++
			} else {
				result.ListensRefreshed++
			}
			if playedAt := rec.Listen.PlayedAt; newest == nil || playedAt.After(*newest) {
				newest = &playedAt
			}
		}

		phase = PhaseAdvanceWatermark
		if newest != nil {
			if err := tx.AdvanceWatermark(ctx, *newest); err != nil {
				return fmt.Errorf("%w: %w", ErrStorage, err)
			}
			result.WatermarkAfter = newest
		}

		phase = PhaseCommit
		finishedAt := s.now().UTC()
		result.Duration = finishedAt.Sub(result.StartedAt)
		if err := tx.RecordRun(ctx, &db.Run{
			ID:               result.RunID,
			StartedAt:        result.StartedAt,
			FinishedAt:       finishedAt,
			Fetched:          result.Fetched,
			New:              result.New,
			Accepted:         result.Accepted,
			Dropped:          result.Dropped,
			ListensInserted:  result.ListensInserted,
			ListensRefreshed: result.ListensRefreshed,
			WatermarkBefore:  result.WatermarkBefore,
			WatermarkAfter:   result.WatermarkAfter,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return nil
	})

	if err != nil {
		err = classify(err)
		s.observe(result, err)
		log.Error().Err(err).Str("phase", string(phase)).Msg("Ingestion run failed")
		return nil, &RunError{RunID: result.RunID, Phase: phase, Err: err}
	}

	s.observe(result, nil)
	log.Info().
		Int("fetched", result.Fetched).
		Int("accepted", result.Accepted).
		Int("dropped", result.Dropped).
		Int("inserted", result.ListensInserted).
		Int("refreshed", result.ListensRefreshed).
		Func(logTime("watermark", result.WatermarkAfter)).
		Dur("duration", result.Duration).
		Msg("Ingestion complete")
	return result, nil
}

// filterNew splits events into those played strictly after watermark and
// the rest. Events whose played_at cannot be parsed count as new so
// normalization reports them.
func filterNew(events []normalize.PlayEvent, watermark *time.Time) (fresh, stale []normalize.PlayEvent) {
	for _, e := range events {
		playedAt, err := normalize.PlayedAt(e.PlayedAt)
		if err != nil || watermark == nil || playedAt.After(*watermark) {
			fresh = append(fresh, e)
		} else {
			stale = append(stale, e)
		}
	}
	return fresh, stale
}

// anyValid reports whether at least one event normalizes cleanly.
func anyValid(events []normalize.PlayEvent) bool {
	for _, e := range events {
		if _, err := normalize.Event(e); err == nil {
			return true
		}
	}
	return false
}

// classify marks failures of the transaction itself (begin, lock query,
// commit) as storage errors.
func classify(err error) error {
	for _, known := range []error{ErrFetch, ErrStorage, ErrAllEventsInvalid, db.ErrIntegrity, db.ErrRunInProgress} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", ErrStorage, err)
}

func (s *Service) observe(result *RunResult, err error) {
	if s.metrics == nil {
		return
	}

	status := metrics.StatusSuccess
	switch {
	case errors.Is(err, db.ErrRunInProgress):
		status = metrics.StatusBusy
	case err != nil:
		status = metrics.StatusFailure
	}

	finishedAt := s.now().UTC()
	s.metrics.ObserveRun(metrics.Run{
		Status:           status,
		Duration:         finishedAt.Sub(result.StartedAt),
		ListensInserted:  result.ListensInserted,
		ListensRefreshed: result.ListensRefreshed,
		Dropped:          result.Dropped,
		Watermark:        result.WatermarkAfter,
		FinishedAt:       finishedAt,
	})
}

// logTime adds t under key, or null when t is nil.
func logTime(key string, t *time.Time) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		if t == nil {
			e.Interface(key, nil)
			return
		}
		e.Time(key, *t)
	}
}
