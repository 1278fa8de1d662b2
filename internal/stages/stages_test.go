package stages

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/calregistry"
	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage/memory"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

const testGroupKey = "2025-03-01T12:00:00"

type stubCall struct {
	cmd   Command
	extra []string
}

// stubRunner records invocations and lets each test decide what the
// collaborator "did" (usually: deposit its output file).
type stubRunner struct {
	calls []stubCall
	fn    func(cmd Command, extra []string) error
}

func (r *stubRunner) Run(_ context.Context, cmd Command, extra ...string) error {
	r.calls = append(r.calls, stubCall{cmd: cmd, extra: extra})
	if r.fn != nil {
		return r.fn(cmd, extra)
	}
	return nil
}

func (r *stubRunner) callsTo(path string) []stubCall {
	var out []stubCall
	for _, c := range r.calls {
		if c.cmd.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func writeFileAt(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func seedGroup(t *testing.T, store *memory.Store, key string, n int, seed storage.GroupSeed) *pipeline.Group {
	t.Helper()
	ctx := context.Background()
	seed.ExpectedSubbands = n
	for i := 0; i < n; i++ {
		_, err := store.ObserveSubband(ctx, pipeline.SubbandFile{
			GroupKey:   key,
			SubbandIdx: i,
			Path:       filepath.Join("/in", key+"_sb0"+string(rune('0'+i))+".hdf5"),
		}, seed)
		require.NoError(t, err)
	}
	g, err := store.GetGroup(ctx, key)
	require.NoError(t, err)
	return g
}

func stageInput(g *pipeline.Group, arts map[string]string) orchestrator.StageInput {
	ctx := pipeline.NewStageContext()
	if arts != nil {
		ctx = ctx.Merge(pipeline.ArtifactSet{Artifacts: arts})
	}
	return orchestrator.StageInput{Group: g, Ctx: ctx, Scope: orchestrator.NewScope()}
}

func TestConversion_BuildsManifestAndProducesMS(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 3, storage.GroupSeed{})
	outputDir := t.TempDir()

	var manifestContent string
	runner := &stubRunner{fn: func(_ Command, extra []string) error {
		data, err := os.ReadFile(extra[0])
		if err != nil {
			return err
		}
		manifestContent = string(data)
		writeFileAt(t, extra[1], "measurement set")
		return nil
	}}

	conv := NewConversion(store, runner, Command{Path: "convert-ms"}, t.TempDir(), outputDir)
	stage := conv.Stage()
	require.Equal(t, "conversion", stage.Name)
	require.Empty(t, stage.DependsOn)

	in := stageInput(group, nil)
	defer in.Scope.Close()
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)

	wantMS := filepath.Join(outputDir, testGroupKey+".ms")
	require.Equal(t, wantMS, out.Artifacts["ms"])

	lines := strings.Split(strings.TrimSpace(manifestContent), "\n")
	require.Len(t, lines, 3, "manifest lists every recorded subband")
	for _, line := range lines {
		require.Contains(t, line, testGroupKey)
	}
}

func TestConversion_ScratchCleanedWithScope(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{})
	scratch := t.TempDir()

	runner := &stubRunner{fn: func(_ Command, extra []string) error {
		writeFileAt(t, extra[1], "ms")
		return nil
	}}
	conv := NewConversion(store, runner, Command{Path: "convert-ms"}, scratch, t.TempDir())

	in := stageInput(group, nil)
	_, err := conv.Stage().Run(context.Background(), in)
	require.NoError(t, err)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "work dir lives until the scope closes")

	in.Scope.Close()
	entries, err = os.ReadDir(scratch)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConversion_NoRecordedFilesIsTerminal(t *testing.T) {
	store := memory.NewStore()
	runner := &stubRunner{}
	conv := NewConversion(store, runner, Command{Path: "convert-ms"}, t.TempDir(), t.TempDir())

	in := stageInput(&pipeline.Group{Key: testGroupKey}, nil)
	defer in.Scope.Close()
	_, err := conv.Stage().Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
	require.Empty(t, runner.calls)
}

// solveStub writes the named table files into the solver's set directory.
func solveStub(t *testing.T, files ...string) func(Command, []string) error {
	return func(cmd Command, extra []string) error {
		switch cmd.Path {
		case "solve-cal":
			for _, f := range files {
				writeFileAt(t, filepath.Join(extra[1], f), "gains")
			}
		case "apply-cal":
			writeFileAt(t, extra[1], "calibrated")
		}
		return nil
	}
}

func newCalibration(runner Runner, outputDir string) (*Calibration, *calregistry.Registry) {
	registry := calregistry.New(memory.NewStore())
	cal := NewCalibration(registry, runner,
		Command{Path: "solve-cal"}, Command{Path: "apply-cal"},
		outputDir, 24*time.Hour)
	return cal, registry
}

func TestCalibration_CalibratorGroupSolvesRegistersAndApplies(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{HasCalibrator: true, Calibrators: []string{"3C48"}})
	outputDir := t.TempDir()

	runner := &stubRunner{fn: solveStub(t, "K.tbl", "BA.tbl", "BP.tbl", "GA.tbl", "GP.tbl")}
	cal, registry := newCalibration(runner, outputDir)

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	in := stageInput(group, map[string]string{"ms": ms})
	defer in.Scope.Close()
	out, err := cal.Stage().Run(context.Background(), in)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out.CalSet, "set-"+testGroupKey), "set name %q", out.CalSet)
	require.Equal(t, filepath.Join(outputDir, testGroupKey+"_cal.ms"), out.Artifacts["calibrated_ms"])

	// Tables are applied after ms and output, in solver apply order.
	applies := runner.callsTo("apply-cal")
	require.Len(t, applies, 1)
	args := applies[0].extra
	require.Equal(t, ms, args[0])
	require.Len(t, args, 7)
	require.Equal(t, "K.tbl", filepath.Base(args[2]))
	require.Equal(t, "GP.tbl", filepath.Base(args[6]))

	// The solved set is now resolvable for later non-calibrator groups.
	epoch, err := group.WindowStart()
	require.NoError(t, err)
	tables, err := registry.Lookup(context.Background(), epoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, tables, 5)
}

func TestCalibration_RetriedCalibratorGroupRegistersFreshSet(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{HasCalibrator: true})
	outputDir := t.TempDir()

	runner := &stubRunner{fn: solveStub(t, "K.tbl", "BA.tbl", "BP.tbl", "GA.tbl", "GP.tbl")}
	cal, _ := newCalibration(runner, outputDir)

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	// A downstream failure re-queues the whole group; the calibration stage
	// then runs again from scratch and must not trip over the set its first
	// attempt already registered.
	var sets []string
	for attempt := 0; attempt < 2; attempt++ {
		in := stageInput(group, map[string]string{"ms": ms})
		out, err := cal.Stage().Run(context.Background(), in)
		in.Scope.Close()
		require.NoError(t, err, "attempt %d", attempt)
		require.True(t, strings.HasPrefix(out.CalSet, "set-"+testGroupKey), "set name %q", out.CalSet)
		sets = append(sets, out.CalSet)
	}
	require.NotEqual(t, sets[0], sets[1], "each attempt deposits its own set")
	require.Len(t, runner.callsTo("solve-cal"), 2)
}

func TestCalibration_OptionalTablesIncludedWhenPresent(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{HasCalibrator: true})
	outputDir := t.TempDir()

	runner := &stubRunner{fn: solveStub(t,
		"K.tbl", "BA.tbl", "BP.tbl", "GA.tbl", "GP.tbl", "2G.tbl", "FLUX.tbl")}
	cal, _ := newCalibration(runner, outputDir)

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	in := stageInput(group, map[string]string{"ms": ms})
	defer in.Scope.Close()
	_, err := cal.Stage().Run(context.Background(), in)
	require.NoError(t, err)

	applies := runner.callsTo("apply-cal")
	require.Len(t, applies, 1)
	require.Len(t, applies[0].extra, 9, "ms, output, then all seven tables")
	require.Equal(t, "FLUX.tbl", filepath.Base(applies[0].extra[8]))
}

func TestCalibration_MissingRequiredTableIsTerminal(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{HasCalibrator: true})
	outputDir := t.TempDir()

	// Solver exits 0 but never writes the gain phase table.
	runner := &stubRunner{fn: solveStub(t, "K.tbl", "BA.tbl", "BP.tbl", "GA.tbl")}
	cal, _ := newCalibration(runner, outputDir)

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	in := stageInput(group, map[string]string{"ms": ms})
	defer in.Scope.Close()
	_, err := cal.Stage().Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
	require.Contains(t, err.Error(), "GP")
}

func TestCalibration_NonCalibratorWaitsWhenNoSetCovers(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{})
	outputDir := t.TempDir()

	runner := &stubRunner{}
	cal, _ := newCalibration(runner, outputDir)

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	in := stageInput(group, map[string]string{"ms": ms})
	defer in.Scope.Close()
	_, err := cal.Stage().Run(context.Background(), in)
	require.Error(t, err)
	require.True(t, pipeline.IsRetryable(err), "no covering set means wait, not give up")
	require.Contains(t, err.Error(), "waiting for a calibrator transit")
	require.Empty(t, runner.calls, "nothing to apply without a resolved set")
}

func TestCalibration_NonCalibratorAppliesRegisteredSet(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{})
	outputDir := t.TempDir()

	runner := &stubRunner{fn: solveStub(t)}
	registry := calregistry.New(memory.NewStore())
	cal := NewCalibration(registry, runner,
		Command{Path: "solve-cal"}, Command{Path: "apply-cal"},
		outputDir, 24*time.Hour)

	setDir := t.TempDir()
	var artifacts []pipeline.CalArtifact
	for _, entry := range solvedTableFiles[:5] {
		path := filepath.Join(setDir, entry.file)
		writeFileAt(t, path, "gains")
		artifacts = append(artifacts, pipeline.CalArtifact{Path: path, Type: entry.typ})
	}
	epoch, err := group.WindowStart()
	require.NoError(t, err)
	require.NoError(t, registry.RegisterSet(context.Background(), "set-earlier",
		artifacts, epoch.Add(-6*time.Hour), epoch.Add(6*time.Hour)))

	ms := filepath.Join(outputDir, testGroupKey+".ms")
	writeFileAt(t, ms, "measurement set")

	in := stageInput(group, map[string]string{"ms": ms})
	defer in.Scope.Close()
	out, err := cal.Stage().Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "set-earlier", out.CalSet)
	require.Empty(t, runner.callsTo("solve-cal"), "non-calibrator groups never solve")
}

func TestCalibration_MissingMSArtifactIsTerminal(t *testing.T) {
	store := memory.NewStore()
	group := seedGroup(t, store, testGroupKey, 1, storage.GroupSeed{})
	cal, _ := newCalibration(&stubRunner{}, t.TempDir())

	in := stageInput(group, nil)
	defer in.Scope.Close()
	_, err := cal.Stage().Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
}

func TestCalibration_UnparseableGroupKeyIsTerminal(t *testing.T) {
	cal, _ := newCalibration(&stubRunner{}, t.TempDir())

	in := stageInput(&pipeline.Group{Key: "not-a-timestamp"}, map[string]string{"ms": "/out/x.ms"})
	defer in.Scope.Close()
	_, err := cal.Stage().Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
}

func TestImaging_ProducesImageFromCalibratedMS(t *testing.T) {
	outputDir := t.TempDir()
	runner := &stubRunner{fn: func(_ Command, extra []string) error {
		writeFileAt(t, extra[1], "fits")
		return nil
	}}

	stage := NewImaging(runner, Command{Path: "image-ms"}, outputDir).Stage()
	require.Equal(t, []string{"calibration"}, stage.DependsOn)

	in := stageInput(&pipeline.Group{Key: testGroupKey}, map[string]string{"calibrated_ms": "/out/cal.ms"})
	defer in.Scope.Close()
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, testGroupKey+".image.fits"), out.Artifacts["image"])

	require.Len(t, runner.calls, 1)
	require.Equal(t, "/out/cal.ms", runner.calls[0].extra[0])
}

func TestImaging_MissingInputIsTerminal(t *testing.T) {
	stage := NewImaging(&stubRunner{}, Command{Path: "image-ms"}, t.TempDir()).Stage()

	in := stageInput(&pipeline.Group{Key: testGroupKey}, nil)
	defer in.Scope.Close()
	_, err := stage.Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
}

func TestSourceExtraction_ProducesCatalog(t *testing.T) {
	outputDir := t.TempDir()
	runner := &stubRunner{fn: func(_ Command, extra []string) error {
		writeFileAt(t, extra[1], "ra,dec,flux\n")
		return nil
	}}

	stage := NewSourceExtraction(runner, Command{Path: "extract-sources"}, outputDir).Stage()
	require.Equal(t, []string{"imaging"}, stage.DependsOn)

	in := stageInput(&pipeline.Group{Key: testGroupKey}, map[string]string{"image": "/out/field.image.fits"})
	defer in.Scope.Close()
	out, err := stage.Run(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, testGroupKey+".sources.csv"), out.Artifacts["catalog"])
}

func TestSourceExtraction_EmptyCatalogIsTerminal(t *testing.T) {
	outputDir := t.TempDir()
	runner := &stubRunner{fn: func(_ Command, extra []string) error {
		writeFileAt(t, extra[1], "")
		return nil
	}}

	stage := NewSourceExtraction(runner, Command{Path: "extract-sources"}, outputDir).Stage()

	in := stageInput(&pipeline.Group{Key: testGroupKey}, map[string]string{"image": "/out/field.image.fits"})
	defer in.Scope.Close()
	_, err := stage.Run(context.Background(), in)
	require.Error(t, err)
	require.False(t, pipeline.IsRetryable(err))
	require.Contains(t, err.Error(), "source catalog")
}

func TestRunnerFailurePropagatesUnchanged(t *testing.T) {
	wantErr := pipeline.Retryable(errors.New("imager crashed"))
	runner := &stubRunner{fn: func(Command, []string) error { return wantErr }}

	stage := NewImaging(runner, Command{Path: "image-ms"}, t.TempDir()).Stage()
	in := stageInput(&pipeline.Group{Key: testGroupKey}, map[string]string{"calibrated_ms": "/out/cal.ms"})
	defer in.Scope.Close()
	_, err := stage.Run(context.Background(), in)
	require.ErrorIs(t, err, wantErr)
}

func TestBuildGraph_WiresAllFourStages(t *testing.T) {
	store := memory.NewStore()
	registry := calregistry.New(memory.NewStore())

	graph, err := BuildGraph(Config{
		ScratchDir:  t.TempDir(),
		OutputDir:   t.TempDir(),
		Converter:   Command{Path: "convert-ms"},
		CalSolver:   Command{Path: "solve-cal"},
		CalApply:    Command{Path: "apply-cal"},
		Imager:      Command{Path: "image-ms"},
		Extractor:   Command{Path: "extract-sources"},
		CalValidity: 24 * time.Hour,
	}, store, registry, &stubRunner{})
	require.NoError(t, err)
	require.NotNil(t, graph)
}
