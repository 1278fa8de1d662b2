package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/dsa110-lab/contimg-ingest/internal/calregistry"
	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
)

// solvedTableFiles maps each table type to the filename the solver deposits
// inside the set directory. The first five are required from every solve;
// the short-timescale gains and fluxscale tables are produced only when the
// solve had enough signal for them.
var solvedTableFiles = []struct {
	typ      pipeline.CalTableType
	file     string
	required bool
}{
	{pipeline.CalTypeDelay, "K.tbl", true},
	{pipeline.CalTypeBandpassAmp, "BA.tbl", true},
	{pipeline.CalTypeBandpassPhase, "BP.tbl", true},
	{pipeline.CalTypeGainAmp, "GA.tbl", true},
	{pipeline.CalTypeGainPhase, "GP.tbl", true},
	{pipeline.CalTypeShortGain, "2G.tbl", false},
	{pipeline.CalTypeFluxscale, "FLUX.tbl", false},
}

// Calibration solves for calibration tables when the group contains a
// calibrator transit, registers them, and applies the resolved set to the
// measurement set. Groups without a calibrator resolve an existing set by
// epoch; when none covers the epoch the stage fails retryable and waits for
// a calibrator group to deposit one.
type Calibration struct {
	registry  *calregistry.Registry
	runner    Runner
	solver    Command
	applier   Command
	outputDir string
	validity  time.Duration
}

// NewCalibration wires the calibration stage. validity is the total width of
// the window a solved set covers, centered on the group's window start.
func NewCalibration(registry *calregistry.Registry, runner Runner, solver, applier Command, outputDir string, validity time.Duration) *Calibration {
	return &Calibration{
		registry:  registry,
		runner:    runner,
		solver:    solver,
		applier:   applier,
		outputDir: outputDir,
		validity:  validity,
	}
}

// Stage returns the graph node for this stage.
func (c *Calibration) Stage() orchestrator.Stage {
	return orchestrator.Stage{
		Name:      "calibration",
		DependsOn: []string{"conversion"},
		Run:       c.run,
	}
}

func (c *Calibration) run(ctx context.Context, in orchestrator.StageInput) (pipeline.ArtifactSet, error) {
	ms, ok := in.Ctx.Artifact("ms")
	if !ok {
		return pipeline.ArtifactSet{}, pipeline.Terminal(errors.New("conversion produced no measurement set artifact"))
	}

	epoch, err := in.Group.WindowStart()
	if err != nil {
		return pipeline.ArtifactSet{}, pipeline.Terminal(fmt.Errorf("unparseable group key %q: %w", in.Group.Key, err))
	}

	var tables []pipeline.CalTable
	if in.Group.HasCalibrator {
		tables, err = c.solveAndRegister(ctx, in.Group, ms, epoch)
	} else {
		tables, err = c.resolve(ctx, epoch)
	}
	if err != nil {
		return pipeline.ArtifactSet{}, err
	}

	calMS := filepath.Join(c.outputDir, in.Group.Key+"_cal.ms")
	applyArgs := make([]string, 0, len(tables)+2)
	applyArgs = append(applyArgs, ms, calMS)
	for _, table := range tables {
		applyArgs = append(applyArgs, table.Path)
	}
	if err := c.runner.Run(ctx, c.applier, applyArgs...); err != nil {
		return pipeline.ArtifactSet{}, err
	}
	if err := verifyOutput(calMS); err != nil {
		return pipeline.ArtifactSet{}, err
	}

	return pipeline.ArtifactSet{
		Artifacts: map[string]string{"calibrated_ms": calMS},
		CalSet:    tables[0].SetName,
	}, nil
}

// solveAndRegister runs the solver against a calibrator group and registers
// the deposited tables as a new set centered on the group epoch. Each
// attempt solves into a fresh uniquely named set so a re-queued group never
// collides with the rows an earlier attempt already registered.
func (c *Calibration) solveAndRegister(ctx context.Context, group *pipeline.Group, ms string, epoch time.Time) ([]pipeline.CalTable, error) {
	setName := fmt.Sprintf("set-%s-%s", group.Key, uuid.NewString()[:8])
	setDir := filepath.Join(c.outputDir, "cal", setName)
	if err := os.MkdirAll(setDir, 0o755); err != nil {
		return nil, pipeline.Retryable(fmt.Errorf("creating calibration set dir: %w", err))
	}

	if err := c.runner.Run(ctx, c.solver, ms, setDir); err != nil {
		return nil, err
	}

	artifacts, err := collectSolvedTables(setDir)
	if err != nil {
		return nil, err
	}

	half := c.validity / 2
	if err := c.registry.RegisterSet(ctx, setName, artifacts, epoch.Add(-half), epoch.Add(half)); err != nil {
		// A rolled-back set leaves the registry unchanged; a re-solve on the
		// next attempt is the correct response.
		return nil, pipeline.Retryable(fmt.Errorf("registering set %s: %w", setName, err))
	}

	return c.resolve(ctx, epoch)
}

// resolve looks up the active set covering epoch.
func (c *Calibration) resolve(ctx context.Context, epoch time.Time) ([]pipeline.CalTable, error) {
	tables, err := c.registry.Lookup(ctx, epoch)
	if err != nil {
		if errors.Is(err, storage.ErrNoCalibration) {
			return nil, pipeline.Retryable(fmt.Errorf("no active calibration set covers %s; waiting for a calibrator transit", epoch.Format(pipeline.GroupKeyLayout)))
		}
		return nil, pipeline.Retryable(fmt.Errorf("calibration lookup: %w", err))
	}
	return tables, nil
}

// collectSolvedTables inventories the set directory after a solve. A missing
// required table despite solver exit 0 is terminal.
func collectSolvedTables(setDir string) ([]pipeline.CalArtifact, error) {
	var artifacts []pipeline.CalArtifact
	for _, entry := range solvedTableFiles {
		path := filepath.Join(setDir, entry.file)
		info, err := os.Stat(path)
		if err != nil {
			if entry.required {
				return nil, pipeline.Terminal(fmt.Errorf("solver produced no %s table at %s", entry.typ, path))
			}
			continue
		}
		if !info.IsDir() && info.Size() == 0 {
			if entry.required {
				return nil, pipeline.Terminal(fmt.Errorf("solver produced an empty %s table at %s", entry.typ, path))
			}
			continue
		}
		artifacts = append(artifacts, pipeline.CalArtifact{Path: path, Type: entry.typ})
	}
	return artifacts, nil
}
