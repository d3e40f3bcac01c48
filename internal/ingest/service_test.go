package ingest

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/justestif/go-spotify-listen-ingest/internal/db"
	"github.com/justestif/go-spotify-listen-ingest/internal/metrics"
	"github.com/justestif/go-spotify-listen-ingest/internal/normalize"
)

// fakeFeed returns a fixed page.
type fakeFeed struct {
	events   []normalize.PlayEvent
	err      error
	calls    int
	gotLimit int
	blockCtx bool
}

func (f *fakeFeed) RecentlyPlayed(ctx context.Context, limit int) ([]normalize.PlayEvent, error) {
	f.calls++
	f.gotLimit = limit
	if f.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.events, f.err
}

type listenKey struct {
	trackID  string
	playedAt time.Time
}

// memState is the committed content of a memStore.
type memState struct {
	watermark *time.Time
	tracks    map[string]normalize.Track
	albums    map[string]normalize.Album
	artists   map[string]normalize.Artist
	links     map[string]int
	listens   map[listenKey]*int
	runs      []db.Run
}

func (s memState) clone() memState {
	c := memState{
		tracks:  maps.Clone(s.tracks),
		albums:  maps.Clone(s.albums),
		artists: maps.Clone(s.artists),
		links:   maps.Clone(s.links),
		listens: maps.Clone(s.listens),
		runs:    append([]db.Run(nil), s.runs...),
	}
	if s.watermark != nil {
		w := *s.watermark
		c.watermark = &w
	}
	return c
}

// memStore keeps state in memory and applies a run only when fn succeeds.
type memStore struct {
	state memState

	busy       bool
	integrity  bool
	writeErrAt int // fail the n-th write of a run (1-based); 0 never
	advanceErr error
	commitErr  error
}

func newMemStore() *memStore {
	return &memStore{state: memState{
		tracks:  map[string]normalize.Track{},
		albums:  map[string]normalize.Album{},
		artists: map[string]normalize.Artist{},
		links:   map[string]int{},
		listens: map[listenKey]*int{},
	}}
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if m.busy {
		return db.ErrRunInProgress
	}
	tx := &memTx{store: m, state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if m.commitErr != nil {
		return m.commitErr
	}
	m.state = tx.state
	return nil
}

type memTx struct {
	store  *memStore
	state  memState
	writes int
}

func (t *memTx) Watermark(ctx context.Context) (*time.Time, error) {
	if t.store.integrity {
		return nil, db.ErrIntegrity
	}
	return t.state.watermark, nil
}

func (t *memTx) Write(ctx context.Context, rec *normalize.Record) (db.WriteResult, error) {
	t.writes++
	if t.writes == t.store.writeErrAt {
		return db.WriteResult{}, errors.New("connection reset")
	}

	if rec.Album != nil {
		t.state.albums[rec.Album.ID] = *rec.Album
	}
	if id := rec.Track.AlbumID; id != nil {
		if _, ok := t.state.albums[*id]; !ok {
			return db.WriteResult{}, errors.New("album reference violated")
		}
	}
	t.state.tracks[rec.Track.ID] = rec.Track
	for i, a := range rec.Artists {
		t.state.artists[a.ID] = a
		link := rec.Links[i]
		t.state.links[link.TrackID+"/"+link.ArtistID] = link.Order
	}

	key := listenKey{rec.Listen.TrackID, rec.Listen.PlayedAt}
	existing, ok := t.state.listens[key]
	if !ok {
		t.state.listens[key] = rec.Listen.MsPlayed
		return db.WriteResult{ListenInserted: true}, nil
	}
	if rec.Listen.MsPlayed != nil {
		existing = rec.Listen.MsPlayed
	}
	t.state.listens[key] = existing
	return db.WriteResult{}, nil
}

func (t *memTx) AdvanceWatermark(ctx context.Context, at time.Time) error {
	if t.store.advanceErr != nil {
		return t.store.advanceErr
	}
	if t.state.watermark == nil || at.After(*t.state.watermark) {
		t.state.watermark = &at
	}
	return nil
}

func (t *memTx) RecordRun(ctx context.Context, run *db.Run) error {
	t.state.runs = append(t.state.runs, *run)
	return nil
}

func intPtr(i int) *int { return &i }

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts.UTC()
}

func event(trackID, playedAt string) normalize.PlayEvent {
	return normalize.PlayEvent{
		Track: normalize.TrackPayload{
			ID:         trackID,
			Name:       "Song " + trackID,
			DurationMs: 180000,
			Popularity: intPtr(40),
			Album: &normalize.AlbumPayload{
				ID:                   "album-" + trackID,
				Name:                 "Album",
				ReleaseDate:          "2001-05",
				ReleaseDatePrecision: "month",
				TotalTracks:          11,
				AlbumType:            "album",
			},
			Artists: []normalize.ArtistPayload{
				{ID: "artist-a", Name: "A"},
				{ID: "artist-b", Name: "B"},
			},
		},
		PlayedAt: playedAt,
	}
}

func invalidEvent(playedAt string) normalize.PlayEvent {
	e := event("", playedAt)
	e.Track.ID = ""
	return e
}

func TestRunEmptyFeed(t *testing.T) {
	store := newMemStore()
	feed := &fakeFeed{}

	result, err := New(feed, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Fetched != 0 || result.New != 0 || result.Accepted != 0 {
		t.Errorf("result = %+v, want all zero counts", result)
	}
	if result.WatermarkBefore != nil || result.WatermarkAfter != nil {
		t.Errorf("watermark = %v -> %v, want nil -> nil", result.WatermarkBefore, result.WatermarkAfter)
	}
	if store.state.watermark != nil {
		t.Errorf("stored watermark = %v, want nil", store.state.watermark)
	}
	if len(store.state.listens) != 0 || len(store.state.tracks) != 0 {
		t.Error("rows written for empty feed")
	}
	if len(store.state.runs) != 1 || store.state.runs[0].ID != result.RunID {
		t.Errorf("runs = %+v, want one audit row for %v", store.state.runs, result.RunID)
	}
}

func TestRunRequestsLimit(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want int
	}{
		{"default", nil, DefaultLimit},
		{"configured", []Option{WithLimit(20)}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := &fakeFeed{}
			if _, err := New(feed, newMemStore(), tt.opts...).Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if feed.calls != 1 {
				t.Errorf("feed calls = %d, want 1", feed.calls)
			}
			if feed.gotLimit != tt.want {
				t.Errorf("limit = %d, want %d", feed.gotLimit, tt.want)
			}
		})
	}
}

func TestRunAllStale(t *testing.T) {
	store := newMemStore()
	w := mustTime(t, "2024-01-15T12:00:00Z")
	store.state.watermark = &w

	feed := &fakeFeed{events: []normalize.PlayEvent{
		event("t1", "2024-01-15T11:59:00Z"),
		event("t2", "2024-01-15T11:00:00Z"),
		event("t3", "2024-01-15T10:00:00Z"),
	}}

	result, err := New(feed, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Fetched != 3 || result.New != 0 {
		t.Errorf("Fetched = %d, New = %d, want 3, 0", result.Fetched, result.New)
	}
	if len(store.state.listens) != 0 {
		t.Errorf("listens = %d, want 0", len(store.state.listens))
	}
	if !store.state.watermark.Equal(w) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, w)
	}
	if result.WatermarkAfter == nil || !result.WatermarkAfter.Equal(w) {
		t.Errorf("WatermarkAfter = %v, want %v", result.WatermarkAfter, w)
	}
}

func TestRunFilterIsStrict(t *testing.T) {
	store := newMemStore()
	w := mustTime(t, "2024-01-15T12:00:00Z")
	store.state.watermark = &w

	feed := &fakeFeed{events: []normalize.PlayEvent{
		event("later", "2024-01-15T12:00:00.001Z"),
		event("equal", "2024-01-15T12:00:00+00:00"),
		event("offset", "2024-01-15T13:30:00+02:00"), // 11:30Z
	}}

	result, err := New(feed, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.New != 1 || result.Accepted != 1 {
		t.Errorf("New = %d, Accepted = %d, want 1, 1", result.New, result.Accepted)
	}
	if _, ok := store.state.tracks["equal"]; ok {
		t.Error("event played exactly at the watermark was ingested")
	}
	if _, ok := store.state.tracks["later"]; !ok {
		t.Error("event after the watermark was not ingested")
	}
	want := mustTime(t, "2024-01-15T12:00:00.001Z")
	if !store.state.watermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, want)
	}
}

func TestRunSameTrackTwice(t *testing.T) {
	store := newMemStore()
	feed := &fakeFeed{events: []normalize.PlayEvent{
		event("t1", "2024-01-15T10:30:00Z"),
		event("t1", "2024-01-15T10:25:00Z"),
	}}
	svc := New(feed, store)

	result, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(store.state.tracks) != 1 {
		t.Errorf("tracks = %d, want 1", len(store.state.tracks))
	}
	if len(store.state.listens) != 2 {
		t.Errorf("listens = %d, want 2", len(store.state.listens))
	}
	if result.ListensInserted != 2 {
		t.Errorf("ListensInserted = %d, want 2", result.ListensInserted)
	}
	want := mustTime(t, "2024-01-15T10:30:00Z")
	if store.state.watermark == nil || !store.state.watermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, want)
	}

	// The same page again is entirely behind the watermark.
	result, err = svc.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if result.New != 0 {
		t.Errorf("second run New = %d, want 0", result.New)
	}
	if len(store.state.listens) != 2 {
		t.Errorf("listens after replay = %d, want 2", len(store.state.listens))
	}
	if !store.state.watermark.Equal(want) {
		t.Errorf("watermark after replay = %v, want %v", store.state.watermark, want)
	}
}

func TestRunOverlapRefreshesListens(t *testing.T) {
	store := newMemStore()
	feed := &fakeFeed{events: []normalize.PlayEvent{
		event("t1", "2024-01-15T10:30:00Z"),
		event("t1", "2024-01-15T10:25:00Z"),
	}}
	if _, err := New(feed, store).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Rewind the watermark to replay the page over existing rows.
	earlier := mustTime(t, "2024-01-15T10:00:00Z")
	store.state.watermark = &earlier
	feed.events[0].MsPlayed = intPtr(1234)

	result, err := New(feed, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.ListensInserted != 0 || result.ListensRefreshed != 2 {
		t.Errorf("inserted = %d, refreshed = %d, want 0, 2", result.ListensInserted, result.ListensRefreshed)
	}
	if len(store.state.listens) != 2 {
		t.Errorf("listens = %d, want 2", len(store.state.listens))
	}
	ms := store.state.listens[listenKey{"t1", mustTime(t, "2024-01-15T10:30:00Z")}]
	if ms == nil || *ms != 1234 {
		t.Errorf("ms_played = %v, want 1234", ms)
	}
}

func TestRunDropsInvalidEvents(t *testing.T) {
	store := newMemStore()
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	feed := &fakeFeed{events: []normalize.PlayEvent{
		invalidEvent("2024-01-15T11:00:00Z"), // newer than the valid one
		event("t1", "2024-01-15T10:30:00Z"),
		event("t2", "not-a-time"),
	}}

	result, err := New(feed, store, WithLogger(log)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.New != 3 || result.Accepted != 1 || result.Dropped != 2 {
		t.Errorf("New = %d, Accepted = %d, Dropped = %d, want 3, 1, 2", result.New, result.Accepted, result.Dropped)
	}
	// Only accepted events move the watermark.
	want := mustTime(t, "2024-01-15T10:30:00Z")
	if store.state.watermark == nil || !store.state.watermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, want)
	}

	output := buf.String()
	if strings.Count(output, "Dropping invalid play event") != 2 {
		t.Errorf("expected two drop warnings, got: %s", output)
	}
	if !strings.Contains(output, `"track_id":"t2"`) || !strings.Contains(output, `"played_at":"not-a-time"`) {
		t.Errorf("drop warning missing event identifiers: %s", output)
	}
}

func TestRunFailures(t *testing.T) {
	fetchErr := errors.New("dial tcp: connection refused")

	tests := []struct {
		name      string
		setup     func(*memStore, *fakeFeed)
		wantErr   error
		wantPhase Phase
		wantFeed  int
	}{
		{
			name: "lock busy",
			setup: func(s *memStore, f *fakeFeed) {
				s.busy = true
			},
			wantErr:   db.ErrRunInProgress,
			wantPhase: PhaseInit,
			wantFeed:  0,
		},
		{
			name: "missing watermark row",
			setup: func(s *memStore, f *fakeFeed) {
				s.integrity = true
			},
			wantErr:   db.ErrIntegrity,
			wantPhase: PhaseReadWatermark,
			wantFeed:  0,
		},
		{
			name: "fetch fails",
			setup: func(s *memStore, f *fakeFeed) {
				f.err = fetchErr
			},
			wantErr:   ErrFetch,
			wantPhase: PhaseFetchPage,
			wantFeed:  1,
		},
		{
			name: "every event in the page invalid",
			setup: func(s *memStore, f *fakeFeed) {
				f.events = []normalize.PlayEvent{
					invalidEvent("2024-01-15T10:30:00Z"),
					event("t1", "yesterday"),
				}
			},
			wantErr:   ErrAllEventsInvalid,
			wantPhase: PhaseNormalize,
			wantFeed:  1,
		},
		{
			name: "second write fails",
			setup: func(s *memStore, f *fakeFeed) {
				s.writeErrAt = 2
			},
			wantErr:   ErrStorage,
			wantPhase: PhaseWriteAll,
			wantFeed:  1,
		},
		{
			name: "watermark advance fails",
			setup: func(s *memStore, f *fakeFeed) {
				s.advanceErr = errors.New("deadlock detected")
			},
			wantErr:   ErrStorage,
			wantPhase: PhaseAdvanceWatermark,
			wantFeed:  1,
		},
		{
			name: "commit fails",
			setup: func(s *memStore, f *fakeFeed) {
				s.commitErr = errors.New("committing transaction: connection lost")
			},
			wantErr:   ErrStorage,
			wantPhase: PhaseCommit,
			wantFeed:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			feed := &fakeFeed{events: []normalize.PlayEvent{
				event("t1", "2024-01-15T10:30:00Z"),
				event("t2", "2024-01-15T10:20:00Z"),
			}}
			tt.setup(store, feed)

			result, err := New(feed, store).Run(context.Background())
			if err == nil {
				t.Fatal("Run() error = nil, want error")
			}
			if result != nil {
				t.Errorf("Run() result = %+v, want nil", result)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}

			var runErr *RunError
			if !errors.As(err, &runErr) {
				t.Fatalf("error = %T, want *RunError", err)
			}
			if runErr.Phase != tt.wantPhase {
				t.Errorf("Phase = %s, want %s", runErr.Phase, tt.wantPhase)
			}
			if !strings.Contains(err.Error(), runErr.RunID.String()) {
				t.Errorf("error %q does not name the run", err)
			}

			if feed.calls != tt.wantFeed {
				t.Errorf("feed calls = %d, want %d", feed.calls, tt.wantFeed)
			}
			if len(store.state.listens) != 0 || len(store.state.tracks) != 0 {
				t.Error("rows persisted by a failed run")
			}
			if store.state.watermark != nil {
				t.Errorf("watermark = %v after failed run, want nil", store.state.watermark)
			}
			if len(store.state.runs) != 0 {
				t.Error("audit row persisted by a failed run")
			}
		})
	}
}

func TestRunInvalidNewEventWithValidHistory(t *testing.T) {
	store := newMemStore()
	w := mustTime(t, "2024-01-15T10:00:00Z")
	store.state.watermark = &w

	var buf bytes.Buffer
	feed := &fakeFeed{events: []normalize.PlayEvent{
		invalidEvent("2024-01-15T10:30:00Z"),
		event("t1", "2024-01-15T09:50:00Z"),
		event("t2", "2024-01-15T09:40:00Z"),
	}}
	svc := New(feed, store, WithLogger(zerolog.New(&buf)))

	for i := 0; i < 2; i++ {
		result, err := svc.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: Run() error = %v", i, err)
		}
		if result.New != 1 || result.Accepted != 0 || result.Dropped != 1 {
			t.Errorf("run %d: New = %d, Accepted = %d, Dropped = %d, want 1, 0, 1",
				i, result.New, result.Accepted, result.Dropped)
		}
	}

	if !store.state.watermark.Equal(w) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, w)
	}
	if len(store.state.runs) != 2 {
		t.Errorf("runs = %d, want 2", len(store.state.runs))
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Errorf("expected an error-level log for the skipped event: %s", buf.String())
	}
}

func TestRunUndatedAlbumCommitsPage(t *testing.T) {
	store := newMemStore()

	undated := event("t1", "2024-01-15T10:30:00Z")
	undated.Track.Album.ReleaseDate = "0000"
	undated.Track.Album.ReleaseDatePrecision = "year"
	badDay := event("t2", "2024-01-15T10:20:00Z")
	badDay.Track.Album.ReleaseDate = "1995-02-30"
	badDay.Track.Album.ReleaseDatePrecision = "day"

	feed := &fakeFeed{events: []normalize.PlayEvent{
		undated,
		badDay,
		event("t3", "2024-01-15T10:10:00Z"),
	}}

	result, err := New(feed, store).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.Accepted != 3 || result.Dropped != 0 {
		t.Errorf("Accepted = %d, Dropped = %d, want 3, 0", result.Accepted, result.Dropped)
	}
	if len(store.state.listens) != 3 {
		t.Errorf("listens = %d, want 3", len(store.state.listens))
	}
	for _, id := range []string{"album-t1", "album-t2"} {
		album, ok := store.state.albums[id]
		if !ok {
			t.Errorf("album %s not written", id)
			continue
		}
		if album.ReleaseDate != nil {
			t.Errorf("album %s ReleaseDate = %q, want nil", id, *album.ReleaseDate)
		}
	}
	if d := store.state.albums["album-t3"].ReleaseDate; d == nil || *d != "2001-05-01" {
		t.Errorf("album-t3 ReleaseDate = %v, want 2001-05-01", d)
	}
	want := mustTime(t, "2024-01-15T10:30:00Z")
	if store.state.watermark == nil || !store.state.watermark.Equal(want) {
		t.Errorf("watermark = %v, want %v", store.state.watermark, want)
	}
}

func TestRunFetchErrorKeepsCause(t *testing.T) {
	cause := errors.New("status 503")
	feed := &fakeFeed{err: cause}

	_, err := New(feed, newMemStore()).Run(context.Background())
	if !errors.Is(err, ErrFetch) || !errors.Is(err, cause) {
		t.Errorf("error = %v, want ErrFetch wrapping the cause", err)
	}
}

func TestRunTimeout(t *testing.T) {
	feed := &fakeFeed{blockCtx: true}

	_, err := New(feed, newMemStore(), WithRunTimeout(10*time.Millisecond)).Run(context.Background())
	if !errors.Is(err, ErrFetch) {
		t.Errorf("error = %v, want ErrFetch", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRunWatermarkMonotonic(t *testing.T) {
	store := newMemStore()
	feed := &fakeFeed{}
	svc := New(feed, store)

	pages := [][]normalize.PlayEvent{
		{event("t1", "2024-01-15T10:00:00Z")},
		{event("t2", "2024-01-15T11:00:00Z"), event("t1", "2024-01-15T10:00:00Z")},
		{},
		{event("t1", "2024-01-15T09:00:00Z")},
		{event("t3", "2024-01-15T12:00:00Z"), event("t2", "2024-01-15T11:00:00Z")},
	}

	var last time.Time
	for i, page := range pages {
		feed.events = page
		if _, err := svc.Run(context.Background()); err != nil {
			t.Fatalf("run %d: Run() error = %v", i, err)
		}
		if store.state.watermark == nil {
			t.Fatalf("run %d: watermark is nil", i)
		}
		if store.state.watermark.Before(last) {
			t.Errorf("run %d: watermark moved back from %v to %v", i, last, *store.state.watermark)
		}
		last = *store.state.watermark
	}

	if want := mustTime(t, "2024-01-15T12:00:00Z"); !last.Equal(want) {
		t.Errorf("final watermark = %v, want %v", last, want)
	}
	if len(store.state.listens) != 3 {
		t.Errorf("listens = %d, want 3", len(store.state.listens))
	}
}

func TestRunRecordsAudit(t *testing.T) {
	store := newMemStore()
	start := mustTime(t, "2024-01-15T13:00:00Z")
	clock := start
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	feed := &fakeFeed{events: []normalize.PlayEvent{
		event("t1", "2024-01-15T10:30:00Z"),
		invalidEvent("2024-01-15T10:20:00Z"),
	}}

	result, err := New(feed, store, WithClock(now)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(store.state.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(store.state.runs))
	}
	run := store.state.runs[0]
	if run.ID != result.RunID {
		t.Errorf("run ID = %v, want %v", run.ID, result.RunID)
	}
	if run.Fetched != 2 || run.New != 2 || run.Accepted != 1 || run.Dropped != 1 || run.ListensInserted != 1 {
		t.Errorf("run counts = %+v", run)
	}
	if run.WatermarkBefore != nil {
		t.Errorf("WatermarkBefore = %v, want nil", run.WatermarkBefore)
	}
	if run.WatermarkAfter == nil || !run.WatermarkAfter.Equal(mustTime(t, "2024-01-15T10:30:00Z")) {
		t.Errorf("WatermarkAfter = %v", run.WatermarkAfter)
	}
	if !run.FinishedAt.After(run.StartedAt) {
		t.Errorf("FinishedAt %v not after StartedAt %v", run.FinishedAt, run.StartedAt)
	}
	if result.Duration != run.FinishedAt.Sub(run.StartedAt) {
		t.Errorf("Duration = %v, want %v", result.Duration, run.FinishedAt.Sub(run.StartedAt))
	}
}

func TestRunObservesMetrics(t *testing.T) {
	recorder := metrics.NewRecorder()
	feed := &fakeFeed{events: []normalize.PlayEvent{event("t1", "2024-01-15T10:30:00Z")}}

	store := newMemStore()
	svc := New(feed, store, WithMetrics(recorder))
	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	store.busy = true
	if _, err := svc.Run(context.Background()); !errors.Is(err, db.ErrRunInProgress) {
		t.Fatalf("Run() error = %v, want ErrRunInProgress", err)
	}

	store.busy = false
	feed.err = errors.New("boom")
	if _, err := svc.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want error")
	}

	expected := `
# HELP spotify_ingest_runs_total Total number of ingestion runs by outcome
# TYPE spotify_ingest_runs_total counter
spotify_ingest_runs_total{status="busy"} 1
spotify_ingest_runs_total{status="failure"} 1
spotify_ingest_runs_total{status="success"} 1
# HELP spotify_ingest_listens_total Listens written by committed runs
# TYPE spotify_ingest_listens_total counter
spotify_ingest_listens_total{result="inserted"} 1
spotify_ingest_listens_total{result="refreshed"} 0
`
	if err := testutil.GatherAndCompare(recorder.Registry(), strings.NewReader(expected),
		"spotify_ingest_runs_total", "spotify_ingest_listens_total"); err != nil {
		t.Error(err)
	}
}

func TestRunLogsRunID(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	result, err := New(&fakeFeed{}, newMemStore(), WithLogger(log)).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, `"run_id":"`+result.RunID.String()+`"`) {
		t.Errorf("log lines missing run_id: %s", output)
	}
	if !strings.Contains(output, "Ingestion complete") {
		t.Errorf("missing completion log: %s", output)
	}
}
