package stages

import (
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/calregistry"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
)

// Config holds the collaborator commands and output layout for the stage
// graph.
type Config struct {
	ScratchDir string
	OutputDir  string

	Converter Command
	CalSolver Command
	CalApply  Command
	Imager    Command
	Extractor Command

	// CalValidity is the total validity window width assigned to a solved
	// calibration set.
	CalValidity time.Duration
}

// BuildGraph assembles the full processing graph:
//
//	conversion -> calibration -> imaging -> source_extraction
func BuildGraph(cfg Config, store storage.GroupStore, registry *calregistry.Registry, runner Runner) (*orchestrator.Graph, error) {
	conversion := NewConversion(store, runner, cfg.Converter, cfg.ScratchDir, cfg.OutputDir)
	calibration := NewCalibration(registry, runner, cfg.CalSolver, cfg.CalApply, cfg.OutputDir, cfg.CalValidity)
	imaging := NewImaging(runner, cfg.Imager, cfg.OutputDir)
	extraction := NewSourceExtraction(runner, cfg.Extractor, cfg.OutputDir)

	return orchestrator.NewGraph([]orchestrator.Stage{
		conversion.Stage(),
		calibration.Stage(),
		imaging.Stage(),
		extraction.Stage(),
	})
}
