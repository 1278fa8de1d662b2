package pipeline

import (
	"time"
)

// CalTableType identifies one kind of calibration table within a set.
// The numeric order index fixes the application order: delays before
// bandpass before gains.
type CalTableType string

const (
	CalTypeDelay         CalTableType = "K"
	CalTypeBandpassAmp   CalTableType = "BA"
	CalTypeBandpassPhase CalTableType = "BP"
	CalTypeGainAmp       CalTableType = "GA"
	CalTypeGainPhase     CalTableType = "GP"
	CalTypeShortGain     CalTableType = "2G"   // short-timescale ap gains (optional)
	CalTypeFluxscale     CalTableType = "FLUX" // fluxscale table (optional)
)

// ApplyOrder maps each table type to its order index within a set.
var ApplyOrder = map[CalTableType]int{
	CalTypeDelay:         10,
	CalTypeBandpassAmp:   20,
	CalTypeBandpassPhase: 30,
	CalTypeGainAmp:       40,
	CalTypeGainPhase:     50,
	CalTypeShortGain:     60,
	CalTypeFluxscale:     70,
}

// CalTable is one registered calibration table row. Deactivated, never
// deleted: rollback and retirement flip Active off so provenance survives.
type CalTable struct {
	SetName    string
	Path       string
	Type       CalTableType
	OrderIndex int
	ValidStart time.Time
	ValidEnd   time.Time
	CreatedAt  time.Time
	Active     bool
}

// Covers reports whether epoch falls inside the table's validity window.
// The window is half-open: [ValidStart, ValidEnd).
func (c CalTable) Covers(epoch time.Time) bool {
	return !epoch.Before(c.ValidStart) && epoch.Before(c.ValidEnd)
}

// CalArtifact is a to-be-registered table: a path plus its declared type.
// The registry assigns the order index from the type taxonomy.
type CalArtifact struct {
	Path string
	Type CalTableType
}
