package calregistry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage/memory"
	"github.com/stretchr/testify/require"
)

func writeTable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("solution"), 0o644))
	return path
}

func solvedSet(t *testing.T, dir string) []pipeline.CalArtifact {
	t.Helper()
	return []pipeline.CalArtifact{
		{Path: writeTable(t, dir, "K.tbl"), Type: pipeline.CalTypeDelay},
		{Path: writeTable(t, dir, "BP.tbl"), Type: pipeline.CalTypeBandpassPhase},
		{Path: writeTable(t, dir, "GP.tbl"), Type: pipeline.CalTypeGainPhase},
	}
}

func TestRegisterSet_SuccessfulRegistrationResolves(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()
	dir := t.TempDir()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	require.NoError(t, registry.RegisterSet(ctx, "set-1", solvedSet(t, dir), start, end))

	tables, err := registry.Lookup(ctx, start.Add(6*time.Hour))
	require.NoError(t, err)
	require.Len(t, tables, 3)
	require.Equal(t, "set-1", tables[0].SetName)
	require.Equal(t, pipeline.CalTypeDelay, tables[0].Type, "tables come back in apply order")
	require.Equal(t, pipeline.CalTypeBandpassPhase, tables[1].Type)
	require.Equal(t, pipeline.CalTypeGainPhase, tables[2].Type)
}

func TestRegisterSet_InputValidation(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()
	dir := t.TempDir()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	err := registry.RegisterSet(ctx, "", solvedSet(t, dir), start, start.Add(time.Hour))
	require.Error(t, err)

	err = registry.RegisterSet(ctx, "set-1", nil, start, start.Add(time.Hour))
	require.ErrorIs(t, err, ErrEmptySet)

	err = registry.RegisterSet(ctx, "set-1", solvedSet(t, dir), start, start)
	require.ErrorIs(t, err, ErrInvalidWindow)

	err = registry.RegisterSet(ctx, "set-1", []pipeline.CalArtifact{
		{Path: writeTable(t, dir, "X.tbl"), Type: pipeline.CalTableType("X")},
	}, start, start.Add(time.Hour))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown calibration table type")
}

func TestRegisterSet_MissingArtifactRollsBackWholeSet(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()
	dir := t.TempDir()

	artifacts := []pipeline.CalArtifact{
		{Path: writeTable(t, dir, "K.tbl"), Type: pipeline.CalTypeDelay},
		{Path: filepath.Join(dir, "BP.tbl"), Type: pipeline.CalTypeBandpassPhase}, // never written
		{Path: writeTable(t, dir, "GP.tbl"), Type: pipeline.CalTypeGainPhase},
	}

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	err := registry.RegisterSet(ctx, "set-bad", artifacts, start, start.Add(24*time.Hour))
	require.ErrorIs(t, err, ErrVerificationFailed)

	// Rollback is total: not even the valid tables stay active.
	_, err = registry.Lookup(ctx, start.Add(time.Hour))
	require.ErrorIs(t, err, storage.ErrNoCalibration)

	rows, err := store.SetTables(ctx, "set-bad")
	require.NoError(t, err)
	require.Len(t, rows, 3, "rows survive deactivated for audit")
	for _, row := range rows {
		require.False(t, row.Active)
	}
}

func TestRegisterSet_EmptyArtifactRollsBack(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()
	dir := t.TempDir()

	empty := filepath.Join(dir, "K.tbl")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	err := registry.RegisterSet(ctx, "set-empty", []pipeline.CalArtifact{
		{Path: empty, Type: pipeline.CalTypeDelay},
	}, start, start.Add(time.Hour))
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = registry.Lookup(ctx, start.Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrNoCalibration)
}

func TestRegisterSet_DirectoryArtifacts(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()
	dir := t.TempDir()

	// CASA-style table directories: a non-empty directory verifies, an empty
	// one does not.
	full := filepath.Join(dir, "K.tbl")
	require.NoError(t, os.MkdirAll(full, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(full, "table.dat"), []byte("x"), 0o644))

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, registry.RegisterSet(ctx, "set-dir", []pipeline.CalArtifact{
		{Path: full, Type: pipeline.CalTypeDelay},
	}, start, start.Add(time.Hour)))

	emptyDir := filepath.Join(dir, "BP.tbl")
	require.NoError(t, os.MkdirAll(emptyDir, 0o755))
	err := registry.RegisterSet(ctx, "set-dir-empty", []pipeline.CalArtifact{
		{Path: emptyDir, Type: pipeline.CalTypeBandpassPhase},
	}, start.Add(2*time.Hour), start.Add(3*time.Hour))
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLookup_ValidityWindowSelection(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	at := func(m int) time.Time { return base.Add(time.Duration(m) * time.Minute) }

	// Wide set [50, 150) registered first, narrow newer set [90, 120) after.
	// The clock is pinned so creation order is unambiguous.
	wideDir, narrowDir := t.TempDir(), t.TempDir()
	registry.nowFn = func() time.Time { return base }
	require.NoError(t, registry.RegisterSet(ctx, "wide", solvedSet(t, wideDir), at(50), at(150)))
	registry.nowFn = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, registry.RegisterSet(ctx, "narrow", solvedSet(t, narrowDir), at(90), at(120)))

	cases := []struct {
		epochMin int
		wantSet  string
		wantMiss bool
	}{
		{epochMin: 49, wantMiss: true},
		{epochMin: 50, wantSet: "wide"},
		{epochMin: 89, wantSet: "wide"},
		{epochMin: 90, wantSet: "narrow"},
		{epochMin: 119, wantSet: "narrow"},
		{epochMin: 120, wantSet: "wide"},
		{epochMin: 149, wantSet: "wide"},
		{epochMin: 150, wantMiss: true},
	}

	for _, tc := range cases {
		tables, err := registry.Lookup(ctx, at(tc.epochMin))
		if tc.wantMiss {
			require.ErrorIs(t, err, storage.ErrNoCalibration, "epoch +%dm", tc.epochMin)
			continue
		}
		require.NoError(t, err, "epoch +%dm", tc.epochMin)
		require.Equal(t, tc.wantSet, tables[0].SetName, "epoch +%dm", tc.epochMin)
	}
}

func TestRetire_RemovesSetFromResolution(t *testing.T) {
	store := memory.NewStore()
	registry := New(store)
	ctx := context.Background()

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, registry.RegisterSet(ctx, "set-1", solvedSet(t, t.TempDir()), start, start.Add(time.Hour)))
	require.NoError(t, registry.Retire(ctx, "set-1"))

	_, err := registry.Lookup(ctx, start.Add(time.Minute))
	require.ErrorIs(t, err, storage.ErrNoCalibration)
}
