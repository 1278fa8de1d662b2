//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dsa110-lab/contimg-ingest/internal/calcatalog"
	"github.com/dsa110-lab/contimg-ingest/internal/calregistry"
	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage/memory"
	"github.com/dsa110-lab/contimg-ingest/internal/ingest"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
	"github.com/dsa110-lab/contimg-ingest/internal/stages"
)

const expectedSubbands = 2

// collaboratorStub stands in for the external converter, solver, applier,
// imager and extractor. Each invocation deposits the output the real
// program would.
type collaboratorStub struct{}

func (collaboratorStub) Run(_ context.Context, cmd stages.Command, extra ...string) error {
	write := func(path, content string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(content), 0o644)
	}
	switch cmd.Path {
	case "solve":
		for _, f := range []string{"K.tbl", "BA.tbl", "BP.tbl", "GA.tbl", "GP.tbl"} {
			if err := write(filepath.Join(extra[1], f), "gains"); err != nil {
				return err
			}
		}
		return nil
	default:
		// convert, apply, image and extract all write their second argument.
		return write(extra[1], cmd.Path+" output")
	}
}

type harness struct {
	store    *memory.Store
	registry *calregistry.Registry
	inputDir string

	cancel context.CancelFunc
	done   chan error
}

// startHarness brings up the full in-process pipeline: directory watcher,
// orchestrator and sweeper over a memory store, with stubbed collaborators.
// The catalog carries one calibrator transiting at 12:02 UTC.
func startHarness(t *testing.T) *harness {
	t.Helper()
	return startHarnessWith(t, orchestrator.SweeperConfig{
		Interval:       20 * time.Millisecond,
		MaxRetries:     50,
		StaleAfter:     time.Hour,
		RetryBaseDelay: 20 * time.Millisecond,
	})
}

func startHarnessWith(t *testing.T, sweepCfg orchestrator.SweeperConfig) *harness {
	t.Helper()
	root := t.TempDir()
	inputDir := filepath.Join(root, "incoming")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))

	catalogPath := filepath.Join(root, "calibrators.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`
calibrators:
  - name: "3C48"
    ra_deg: 24.422
    dec_deg: 33.16
    flux_jy: "16.5"
    transit_utc: "12:02:00"
`), 0o644))
	catalog, err := calcatalog.Load(catalogPath)
	require.NoError(t, err)

	store := memory.NewStore()
	registry := calregistry.New(store)

	assembler := ingest.NewAssembler(store, catalog, 5*time.Minute, expectedSubbands, decimal.NewFromInt(1))
	watcher := ingest.NewWatcher(inputDir, assembler, 20*time.Millisecond)

	graph, err := stages.BuildGraph(stages.Config{
		ScratchDir:  filepath.Join(root, "scratch"),
		OutputDir:   filepath.Join(root, "products"),
		Converter:   stages.Command{Path: "convert"},
		CalSolver:   stages.Command{Path: "solve"},
		CalApply:    stages.Command{Path: "apply"},
		Imager:      stages.Command{Path: "image"},
		Extractor:   stages.Command{Path: "extract"},
		CalValidity: 24 * time.Hour,
	}, store, registry, collaboratorStub{})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scratch"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "products"), 0o755))

	orch := orchestrator.New(store, graph, orchestrator.Config{
		PollInterval:        20 * time.Millisecond,
		MaxConcurrentGroups: 2,
		RetryBaseDelay:      20 * time.Millisecond,
		RetryMaxDelay:       100 * time.Millisecond,
	})
	sweeper := orchestrator.NewSweeper(store, sweepCfg)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(ctx) })
	group.Go(func() error { return orch.Run(ctx) })
	group.Go(func() error { return sweeper.Run(ctx) })

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	return &harness{store: store, registry: registry, inputDir: inputDir, cancel: cancel, done: done}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Logf("pipeline shutdown returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Log("pipeline shutdown timed out")
	}
}

// dropSubbands writes the subband files for one window into the watched
// directory.
func (h *harness) dropSubbands(t *testing.T, stamp string) {
	t.Helper()
	for i := 0; i < expectedSubbands; i++ {
		name := fmt.Sprintf("%s_sb%02d.hdf5", stamp, i)
		require.NoError(t, os.WriteFile(filepath.Join(h.inputDir, name), []byte("visibilities"), 0o644))
	}
}

func (h *harness) waitForState(t *testing.T, key string, want pipeline.GroupState) *pipeline.Group {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		g, err := h.store.GetGroup(context.Background(), key)
		if err == nil && g.State == want {
			return g
		}
		time.Sleep(20 * time.Millisecond)
	}
	g, err := h.store.GetGroup(context.Background(), key)
	t.Fatalf("group %s never reached %s (last: %+v, err=%v)", key, want, g, err)
	return nil
}

func TestPipeline_CalibratorGroupEndToEnd(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	// 12:02 transit falls inside the [12:00, 12:05) window.
	h.dropSubbands(t, "2025-03-01T12:01:00")

	g := h.waitForState(t, "2025-03-01T12:00:00", pipeline.StateCompleted)
	require.True(t, g.HasCalibrator)
	require.Equal(t, 0, g.RetryCount)

	sample, ok := h.store.PerfSample(g.Key)
	require.True(t, ok)
	for _, stage := range []string{"conversion", "calibration", "imaging", "source_extraction"} {
		require.Contains(t, sample.StageDurations, stage)
	}

	// The transit deposited a calibration set covering nearby epochs.
	epoch, err := g.WindowStart()
	require.NoError(t, err)
	tables, err := h.registry.Lookup(context.Background(), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, tables, 5)
	require.True(t, strings.HasPrefix(tables[0].SetName, "set-"+g.Key), "set name %q", tables[0].SetName)
}

func TestPipeline_ScienceGroupUsesDepositedSet(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	h.dropSubbands(t, "2025-03-01T12:01:00")
	h.waitForState(t, "2025-03-01T12:00:00", pipeline.StateCompleted)

	// No transit in [12:05, 12:10); the group rides the deposited set.
	h.dropSubbands(t, "2025-03-01T12:06:00")
	g := h.waitForState(t, "2025-03-01T12:05:00", pipeline.StateCompleted)
	require.False(t, g.HasCalibrator)
}

func TestPipeline_ScienceGroupWaitsForCalibrator(t *testing.T) {
	h := startHarness(t)
	defer h.close(t)

	// A science group with an empty registry cannot calibrate yet.
	h.dropSubbands(t, "2025-03-01T12:06:00")
	g := h.waitForState(t, "2025-03-01T12:05:00", pipeline.StateFailed)
	require.False(t, g.TerminalFailure)
	require.Contains(t, g.LastError, "waiting for a calibrator transit")

	// Once a calibrator transit deposits a set, the sweeper's requeue lets
	// the stalled group finish.
	h.dropSubbands(t, "2025-03-01T12:01:00")
	h.waitForState(t, "2025-03-01T12:00:00", pipeline.StateCompleted)

	g = h.waitForState(t, "2025-03-01T12:05:00", pipeline.StateCompleted)
	require.GreaterOrEqual(t, g.RetryCount, 1)
}
