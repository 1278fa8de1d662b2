package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

// ErrGroupNotFound is returned when a group key has no record.
var ErrGroupNotFound = errors.New("group not found")

// ErrInvalidTransition is returned when a guarded state update matched no
// row: the group was not in the state the transition requires.
var ErrInvalidTransition = errors.New("group not in required state")

// ErrPathConflict is returned when a file path was already recorded under a
// different (group, subband index) than the one being observed. The new
// observation is rejected rather than silently overwriting the index.
var ErrPathConflict = errors.New("subband path already recorded at a different index")

// ErrSubbandIndexOutOfRange is returned when an observation names a subband
// index the group cannot hold. The file is rejected, not recorded, so
// membership can never grow past the expected count.
var ErrSubbandIndexOutOfRange = errors.New("subband index outside expected range")

// ErrGroupNotCollecting is returned when a new member arrives for a group
// that has already left the collecting state. Re-observing an already
// recorded member stays a no-op regardless of state.
var ErrGroupNotCollecting = errors.New("group no longer collecting members")

// ErrNoCalibration is returned by epoch lookup when no active set covers the
// epoch. Callers must treat this as a distinct, reportable condition, never
// as license to apply an arbitrary set.
var ErrNoCalibration = errors.New("no active calibration set covers epoch")

// GroupSeed carries the group-level attributes fixed at creation time, used
// when an observation is the first sighting of its group key.
type GroupSeed struct {
	ExpectedSubbands int
	HasCalibrator    bool
	Calibrators      []string
}

// ObserveResult reports what one subband observation did to the store.
type ObserveResult struct {
	GroupKey    string
	MemberCount int
	// Created is set when this observation created the group record.
	Created bool
	// Promoted is set when this observation completed membership and moved
	// the group collecting → pending.
	Promoted bool
	// Duplicate is set when (group, index) was already recorded; the
	// observation was a no-op.
	Duplicate bool
}

// GroupStore is the durable queue backing the ingest state machine. Every
// state mutation happens inside the store as a single guarded operation;
// callers never read-modify-write group state at the application layer.
type GroupStore interface {
	// ObserveSubband idempotently records one subband file, creating the
	// group on first sight and promoting it to pending when membership
	// reaches the expected count.
	ObserveSubband(ctx context.Context, file pipeline.SubbandFile, seed GroupSeed) (ObserveResult, error)

	// ForceComplete promotes a still-collecting group to pending regardless
	// of membership count, marking it partial.
	ForceComplete(ctx context.Context, groupKey string) error

	GetGroup(ctx context.Context, groupKey string) (*pipeline.Group, error)

	// ListGroups returns up to limit groups in the given state, oldest
	// received first.
	ListGroups(ctx context.Context, state pipeline.GroupState, limit int) ([]pipeline.Group, error)

	// ClaimGroup performs the pending → in_progress transition as one
	// conditional update. Exactly one concurrent claimer succeeds; a lost
	// race returns (false, nil), which is not an error.
	ClaimGroup(ctx context.Context, groupKey, workerID string) (bool, error)

	// CompleteGroup transitions in_progress → completed. Guarded: a group
	// that was never claimed cannot complete.
	CompleteGroup(ctx context.Context, groupKey string) error

	// FailRetryable transitions in_progress → failed, increments the retry
	// count and records the backoff eligibility instant.
	FailRetryable(ctx context.Context, groupKey, message string, notBefore time.Time) error

	// FailTerminal transitions in_progress → failed with retry disabled.
	FailTerminal(ctx context.Context, groupKey, message string) error

	// RequeueEligible moves failed groups back to pending when their retry
	// budget remains, they are not terminally failed, and their backoff
	// deadline has passed. Returns the re-queued keys.
	RequeueEligible(ctx context.Context, maxRetries int, now time.Time) ([]string, error)

	// ReclaimStale fails in_progress groups whose last update is older than
	// cutoff, treating abandonment as a retryable failure.
	ReclaimStale(ctx context.Context, cutoff, notBefore time.Time) ([]string, error)

	GroupFiles(ctx context.Context, groupKey string) ([]pipeline.SubbandFile, error)

	CountByState(ctx context.Context) (map[pipeline.GroupState]int, error)
}

// CalTableStore persists the calibration-artifact registry.
type CalTableStore interface {
	// InsertSet writes all rows of a calibration set in one transaction.
	InsertSet(ctx context.Context, tables []pipeline.CalTable) error

	// DeactivateSet flips every row of the set inactive. Used both for
	// rollback of a failed registration and for explicit retirement.
	DeactivateSet(ctx context.Context, setName string) error

	// SetTables returns all rows of a set, active or not, by order index.
	SetTables(ctx context.Context, setName string) ([]pipeline.CalTable, error)

	// LookupEpoch returns the artifacts of the most recently created active
	// set whose window covers epoch, in apply order. ErrNoCalibration when
	// no set qualifies.
	LookupEpoch(ctx context.Context, epoch time.Time) ([]pipeline.CalTable, error)
}

// PerfStore records per-group timing breakdowns at terminal transitions.
type PerfStore interface {
	RecordPerf(ctx context.Context, sample pipeline.PerfSample) error
}

// Store is the full durable-store surface the process wires together.
type Store interface {
	GroupStore
	CalTableStore
	PerfStore
}
