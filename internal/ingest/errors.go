package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common errors.
var (
	// ErrFetch is returned when the feed could not be fetched, after its retry.
	ErrFetch = errors.New("fetching play events failed")

	// ErrStorage is returned when a read, write or commit against the store
	// failed. Nothing of the run is persisted.
	ErrStorage = errors.New("storage failure")

	// ErrAllEventsInvalid is returned when a run found new events and every
	// event of the page failed normalization.
	ErrAllEventsInvalid = errors.New("every new play event was invalid")
)

// Phase is a step of an ingestion run. A run passes through each phase at
// most once, in declaration order.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseReadWatermark    Phase = "read_watermark"
	PhaseFetchPage        Phase = "fetch_page"
	PhaseFilterNew        Phase = "filter_new"
	PhaseNormalize        Phase = "normalize"
	PhaseWriteAll         Phase = "write_all"
	PhaseAdvanceWatermark Phase = "advance_watermark"
	PhaseCommit           Phase = "commit"
	PhaseDone             Phase = "done"
)

// RunError reports the run and phase a failure happened in.
type RunError struct {
	RunID uuid.UUID
	Phase Phase
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("ingestion run %s failed in %s: %v", e.RunID, e.Phase, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
