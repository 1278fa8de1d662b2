package pipeline

import (
	"time"
)

// GroupState is the lifecycle state of an observation group. Groups move
// collecting to pending to in_progress, then to completed on success or
// failed on error; a failed group is re-queued to pending while retry
// budget remains.
type GroupState string

const (
	StateCollecting GroupState = "collecting"
	StatePending    GroupState = "pending"
	StateInProgress GroupState = "in_progress"
	StateCompleted  GroupState = "completed"
	StateFailed     GroupState = "failed"
)

// Valid reports whether s is one of the known states.
func (s GroupState) Valid() bool {
	switch s {
	case StateCollecting, StatePending, StateInProgress, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a resting state that no worker will advance
// on its own. A failed group may still be re-queued by the retry controller.
func (s GroupState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Group is one time-windowed bundle of subband files processed as a unit.
// The group key is the window start formatted as 2006-01-02T15:04:05 and is
// immutable once assigned.
type Group struct {
	Key              string
	State            GroupState
	ReceivedAt       time.Time
	LastUpdate       time.Time
	ExpectedSubbands int
	// Partial is set when the group was force-completed before all expected
	// subbands arrived.
	Partial       bool
	HasCalibrator bool
	// Calibrators holds matched calibrator names in catalog order.
	Calibrators []string
	RetryCount  int
	// TerminalFailure disables re-queueing regardless of remaining budget.
	TerminalFailure bool
	// NotBefore is the earliest instant the retry controller may re-queue a
	// failed group. Zero means immediately eligible.
	NotBefore time.Time
	LastError string
	ClaimedBy string
}

// SubbandFile is one recorded member of a group. Immutable once written:
// (GroupKey, SubbandIdx) is unique and the path is unique across all groups.
type SubbandFile struct {
	GroupKey     string
	SubbandIdx   int
	Path         string
	SizeBytes    int64
	DiscoveredAt time.Time
}

// PerfSample is the timing breakdown recorded once when a group reaches a
// terminal transition.
type PerfSample struct {
	GroupKey       string
	StageDurations map[string]time.Duration
	Total          time.Duration
	RecordedAt     time.Time
}

// WindowStart parses the group key back into the window start instant.
func (g *Group) WindowStart() (time.Time, error) {
	return time.Parse(GroupKeyLayout, g.Key)
}

// GroupKeyLayout is the timestamp layout shared by subband filenames and
// group keys.
const GroupKeyLayout = "2006-01-02T15:04:05"

// GroupKeyFor quantizes a subband timestamp onto its window boundary.
// The window size is configuration, not data: all observers of the same file
// must agree on it for grouping to be stable.
func GroupKeyFor(ts time.Time, window time.Duration) string {
	return ts.UTC().Truncate(window).Format(GroupKeyLayout)
}
