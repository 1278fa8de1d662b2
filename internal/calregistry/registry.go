// Package calregistry tracks calibration table sets and their validity
// windows. A set is registered atomically with a verification pass; a set
// that fails any check is deactivated in full so a lookup can never observe
// a partially usable set.
package calregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrVerificationFailed reports that a freshly registered set failed its
	// verification pass and was rolled back.
	ErrVerificationFailed = errors.New("calibration set failed verification and was deactivated")

	// ErrEmptySet rejects registration with no artifacts.
	ErrEmptySet = errors.New("calibration set has no artifacts")

	// ErrInvalidWindow rejects a validity window whose end does not follow
	// its start.
	ErrInvalidWindow = errors.New("calibration validity window end must be after start")
)

// Registry registers and resolves calibration table sets.
type Registry struct {
	store storage.CalTableStore

	nowFn  func() time.Time
	statFn func(string) (os.FileInfo, error)

	lookups singleflight.Group
}

// New creates a registry over the given store.
func New(store storage.CalTableStore) *Registry {
	return &Registry{
		store:  store,
		nowFn:  time.Now,
		statFn: os.Stat,
	}
}

// RegisterSet records a new calibration set valid over [validStart, validEnd)
// and verifies it before declaring success. Verification checks that every
// artifact exists on disk with content and that a lookup at the window start
// resolves to this set with every table present. Any failure deactivates the
// whole set and returns ErrVerificationFailed.
func (r *Registry) RegisterSet(ctx context.Context, setName string, artifacts []pipeline.CalArtifact, validStart, validEnd time.Time) error {
	if setName == "" {
		return errors.New("calibration set name must not be empty")
	}
	if len(artifacts) == 0 {
		return ErrEmptySet
	}
	if !validEnd.After(validStart) {
		return ErrInvalidWindow
	}

	now := r.nowFn()
	tables := make([]pipeline.CalTable, 0, len(artifacts))
	for _, artifact := range artifacts {
		order, ok := pipeline.ApplyOrder[artifact.Type]
		if !ok {
			return fmt.Errorf("unknown calibration table type %q", artifact.Type)
		}
		tables = append(tables, pipeline.CalTable{
			SetName:    setName,
			Path:       artifact.Path,
			Type:       artifact.Type,
			OrderIndex: order,
			ValidStart: validStart.UTC(),
			ValidEnd:   validEnd.UTC(),
			Active:     true,
			CreatedAt:  now.UTC(),
		})
	}

	if err := r.store.InsertSet(ctx, tables); err != nil {
		return fmt.Errorf("inserting calibration set %s: %w", setName, err)
	}

	if err := r.verify(ctx, setName, tables, validStart); err != nil {
		slog.Error("[CalRegistry] Verification failed, deactivating set",
			"set", setName, "error", err)
		if derr := r.store.DeactivateSet(ctx, setName); derr != nil {
			return fmt.Errorf("deactivating unverified set %s: %w (verification: %v)", setName, derr, err)
		}
		return fmt.Errorf("%w: set %s: %v", ErrVerificationFailed, setName, err)
	}

	slog.Info("[CalRegistry] Registered calibration set",
		"set", setName,
		"tables", len(tables),
		"valid_start", validStart.UTC(),
		"valid_end", validEnd.UTC(),
	)
	return nil
}

// verify runs the post-insert checks for a newly registered set.
func (r *Registry) verify(ctx context.Context, setName string, tables []pipeline.CalTable, probe time.Time) error {
	for _, table := range tables {
		info, err := r.statFn(table.Path)
		if err != nil {
			return fmt.Errorf("table %s (%s): %w", table.Path, table.Type, err)
		}
		if !info.IsDir() && info.Size() == 0 {
			return fmt.Errorf("table %s (%s): file is empty", table.Path, table.Type)
		}
		if info.IsDir() {
			entries, err := os.ReadDir(table.Path)
			if err != nil {
				return fmt.Errorf("table %s (%s): %w", table.Path, table.Type, err)
			}
			if len(entries) == 0 {
				return fmt.Errorf("table %s (%s): directory is empty", table.Path, table.Type)
			}
		}
	}

	resolved, err := r.store.LookupEpoch(ctx, probe)
	if err != nil {
		return fmt.Errorf("probe lookup at %s: %w", probe.UTC(), err)
	}
	if len(resolved) == 0 || resolved[0].SetName != setName {
		got := "none"
		if len(resolved) > 0 {
			got = resolved[0].SetName
		}
		return fmt.Errorf("probe lookup at %s resolved set %s, want %s", probe.UTC(), got, setName)
	}
	found := make(map[string]bool, len(resolved))
	for _, table := range resolved {
		found[table.Path] = true
	}
	for _, table := range tables {
		if !found[table.Path] {
			return fmt.Errorf("probe lookup is missing table %s", table.Path)
		}
	}
	return nil
}

// Lookup resolves the calibration set covering the given epoch, returned in
// apply order. When several active sets cover the epoch the most recently
// created one wins. Returns storage.ErrNoCalibration when nothing covers it.
// Concurrent lookups for the same epoch are collapsed into one store query.
func (r *Registry) Lookup(ctx context.Context, epoch time.Time) ([]pipeline.CalTable, error) {
	key := epoch.UTC().Format(time.RFC3339Nano)
	result, err, _ := r.lookups.Do(key, func() (any, error) {
		return r.store.LookupEpoch(ctx, epoch)
	})
	if err != nil {
		return nil, err
	}
	return result.([]pipeline.CalTable), nil
}

// Retire deactivates every table of a set. Retired sets are kept for audit
// but never resolved again.
func (r *Registry) Retire(ctx context.Context, setName string) error {
	if err := r.store.DeactivateSet(ctx, setName); err != nil {
		return fmt.Errorf("retiring calibration set %s: %w", setName, err)
	}
	slog.Info("[CalRegistry] Retired calibration set", "set", setName)
	return nil
}
