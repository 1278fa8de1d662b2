package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanGroup scans a group row. Compatible with both sql.Row and sql.Rows.
func scanGroup(row scanner) (*pipeline.Group, error) {
	var g pipeline.Group
	var state string
	var calibratorsJSON []byte
	var notBefore sql.NullTime

	err := row.Scan(
		&g.Key,
		&state,
		&g.ReceivedAt,
		&g.LastUpdate,
		&g.ExpectedSubbands,
		&g.Partial,
		&g.HasCalibrator,
		&calibratorsJSON,
		&g.RetryCount,
		&g.TerminalFailure,
		&notBefore,
		&g.LastError,
		&g.ClaimedBy,
	)
	if err != nil {
		return nil, err
	}

	g.State = pipeline.GroupState(state)
	if notBefore.Valid {
		g.NotBefore = notBefore.Time
	}
	if len(calibratorsJSON) > 0 {
		if err := json.Unmarshal(calibratorsJSON, &g.Calibrators); err != nil {
			return nil, fmt.Errorf("failed to unmarshal calibrators: %w", err)
		}
	}
	return &g, nil
}

func scanCalTable(row scanner) (pipeline.CalTable, error) {
	var ct pipeline.CalTable
	var tableType string
	err := row.Scan(
		&ct.SetName,
		&ct.Path,
		&tableType,
		&ct.OrderIndex,
		&ct.ValidStart,
		&ct.ValidEnd,
		&ct.CreatedAt,
		&ct.Active,
	)
	if err != nil {
		return pipeline.CalTable{}, err
	}
	ct.Type = pipeline.CalTableType(tableType)
	return ct, nil
}

// marshalCalibrators encodes the calibrator name list for the JSONB column.
// A nil list is stored as an empty array, not SQL NULL.
func marshalCalibrators(names []string) ([]byte, error) {
	if names == nil {
		names = []string{}
	}
	out, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal calibrators: %w", err)
	}
	return out, nil
}

// marshalStageSeconds flattens per-stage durations to seconds for JSONB.
func marshalStageSeconds(durations map[string]time.Duration) ([]byte, error) {
	seconds := make(map[string]float64, len(durations))
	for stage, d := range durations {
		seconds[stage] = d.Seconds()
	}
	out, err := json.Marshal(seconds)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage durations: %w", err)
	}
	return out, nil
}
