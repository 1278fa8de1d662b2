package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
)

// Imaging deconvolves the calibrated measurement set into an image.
type Imaging struct {
	runner    Runner
	cmd       Command
	outputDir string
}

func NewImaging(runner Runner, cmd Command, outputDir string) *Imaging {
	return &Imaging{runner: runner, cmd: cmd, outputDir: outputDir}
}

// Stage returns the graph node for this stage.
func (s *Imaging) Stage() orchestrator.Stage {
	return orchestrator.Stage{
		Name:      "imaging",
		DependsOn: []string{"calibration"},
		Run:       s.run,
	}
}

func (s *Imaging) run(ctx context.Context, in orchestrator.StageInput) (pipeline.ArtifactSet, error) {
	calMS, ok := in.Ctx.Artifact("calibrated_ms")
	if !ok {
		return pipeline.ArtifactSet{}, pipeline.Terminal(errors.New("calibration produced no calibrated_ms artifact"))
	}

	imagePath := filepath.Join(s.outputDir, in.Group.Key+".image.fits")
	if err := s.runner.Run(ctx, s.cmd, calMS, imagePath); err != nil {
		return pipeline.ArtifactSet{}, err
	}
	if err := verifyOutput(imagePath); err != nil {
		return pipeline.ArtifactSet{}, err
	}

	return pipeline.ArtifactSet{Artifacts: map[string]string{"image": imagePath}}, nil
}

// SourceExtraction catalogs sources found in the image.
type SourceExtraction struct {
	runner    Runner
	cmd       Command
	outputDir string
}

func NewSourceExtraction(runner Runner, cmd Command, outputDir string) *SourceExtraction {
	return &SourceExtraction{runner: runner, cmd: cmd, outputDir: outputDir}
}

// Stage returns the graph node for this stage.
func (s *SourceExtraction) Stage() orchestrator.Stage {
	return orchestrator.Stage{
		Name:      "source_extraction",
		DependsOn: []string{"imaging"},
		Run:       s.run,
	}
}

func (s *SourceExtraction) run(ctx context.Context, in orchestrator.StageInput) (pipeline.ArtifactSet, error) {
	image, ok := in.Ctx.Artifact("image")
	if !ok {
		return pipeline.ArtifactSet{}, pipeline.Terminal(errors.New("imaging produced no image artifact"))
	}

	catalogPath := filepath.Join(s.outputDir, in.Group.Key+".sources.csv")
	if err := s.runner.Run(ctx, s.cmd, image, catalogPath); err != nil {
		return pipeline.ArtifactSet{}, err
	}
	if err := verifyOutput(catalogPath); err != nil {
		return pipeline.ArtifactSet{}, fmt.Errorf("source catalog: %w", err)
	}

	return pipeline.ArtifactSet{Artifacts: map[string]string{"catalog": catalogPath}}, nil
}
