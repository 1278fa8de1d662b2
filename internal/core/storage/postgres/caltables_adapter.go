package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
)

// InsertSet writes every row of a calibration set in one transaction so a
// crash mid-registration never leaves a half-written set visible as active
// rows plus missing siblings.
func (a *Adapter) InsertSet(ctx context.Context, tables []pipeline.CalTable) error {
	if len(tables) == 0 {
		return fmt.Errorf("calibration set must contain at least one table")
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin registration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ct := range tables {
		if _, err := tx.ExecContext(ctx, queryInsertCalTable,
			ct.SetName, ct.Path, string(ct.Type), ct.OrderIndex,
			ct.ValidStart.UTC(), ct.ValidEnd.UTC(), ct.CreatedAt.UTC(), ct.Active,
		); err != nil {
			return fmt.Errorf("failed to insert caltable %s: %w", ct.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit registration: %w", err)
	}

	slog.Debug("[Postgres] Inserted calibration set",
		"set", tables[0].SetName, "tables", len(tables))
	return nil
}

// DeactivateSet flips the whole set inactive. Rows are kept for provenance.
func (a *Adapter) DeactivateSet(ctx context.Context, setName string) error {
	if _, err := a.db.ExecContext(ctx, queryDeactivateSet, setName); err != nil {
		return fmt.Errorf("failed to deactivate set %s: %w", setName, err)
	}
	return nil
}

func (a *Adapter) SetTables(ctx context.Context, setName string) ([]pipeline.CalTable, error) {
	return a.queryCalTables(ctx, querySetTables, setName)
}

// LookupEpoch resolves the applicable calibration set for an epoch. No
// qualifying set is a distinct condition (ErrNoCalibration), never an empty
// success.
func (a *Adapter) LookupEpoch(ctx context.Context, epoch time.Time) ([]pipeline.CalTable, error) {
	tables, err := a.queryCalTables(ctx, queryLookupEpoch, epoch.UTC())
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, storage.ErrNoCalibration
	}
	return tables, nil
}

func (a *Adapter) queryCalTables(ctx context.Context, query string, args ...interface{}) ([]pipeline.CalTable, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query caltables: %w", err)
	}
	defer rows.Close()

	var tables []pipeline.CalTable
	for rows.Next() {
		ct, err := scanCalTable(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan caltable row: %w", err)
		}
		tables = append(tables, ct)
	}
	return tables, rows.Err()
}
