package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
)

// Conversion merges a group's subband files into one measurement set.
type Conversion struct {
	store      storage.GroupStore
	runner     Runner
	cmd        Command
	scratchDir string
	outputDir  string
}

// NewConversion wires the conversion stage.
func NewConversion(store storage.GroupStore, runner Runner, cmd Command, scratchDir, outputDir string) *Conversion {
	return &Conversion{store: store, runner: runner, cmd: cmd, scratchDir: scratchDir, outputDir: outputDir}
}

// Stage returns the graph node for this stage.
func (c *Conversion) Stage() orchestrator.Stage {
	return orchestrator.Stage{Name: "conversion", Run: c.run}
}

func (c *Conversion) run(ctx context.Context, in orchestrator.StageInput) (pipeline.ArtifactSet, error) {
	files, err := c.store.GroupFiles(ctx, in.Group.Key)
	if err != nil {
		return pipeline.ArtifactSet{}, pipeline.Retryable(fmt.Errorf("loading group members: %w", err))
	}
	if len(files) == 0 {
		return pipeline.ArtifactSet{}, pipeline.Terminal(fmt.Errorf("group %s has no recorded subband files", in.Group.Key))
	}

	// The converter reads its inputs from a manifest so the argument list
	// stays bounded regardless of subband count.
	workDir, err := in.Scope.TempDir(c.scratchDir, "convert-*")
	if err != nil {
		return pipeline.ArtifactSet{}, pipeline.Retryable(fmt.Errorf("creating work dir: %w", err))
	}

	var manifest strings.Builder
	for _, file := range files {
		manifest.WriteString(file.Path)
		manifest.WriteByte('\n')
	}
	manifestPath := filepath.Join(workDir, "subbands.list")
	if err := os.WriteFile(manifestPath, []byte(manifest.String()), 0o644); err != nil {
		return pipeline.ArtifactSet{}, pipeline.Retryable(fmt.Errorf("writing subband manifest: %w", err))
	}

	msPath := filepath.Join(c.outputDir, in.Group.Key+".ms")
	if err := c.runner.Run(ctx, c.cmd, manifestPath, msPath); err != nil {
		return pipeline.ArtifactSet{}, err
	}
	if err := verifyOutput(msPath); err != nil {
		return pipeline.ArtifactSet{}, err
	}

	return pipeline.ArtifactSet{Artifacts: map[string]string{"ms": msPath}}, nil
}
