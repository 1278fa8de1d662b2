package postgres

import (
	"context"
	"fmt"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

// RecordPerf stores the timing breakdown for one terminal group. Samples are
// write-once; replays after a restart are ignored.
func (a *Adapter) RecordPerf(ctx context.Context, sample pipeline.PerfSample) error {
	stageJSON, err := marshalStageSeconds(sample.StageDurations)
	if err != nil {
		return err
	}

	recordedAt := sample.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = a.nowFn()
	}

	if _, err := a.db.ExecContext(ctx, queryInsertPerf,
		sample.GroupKey, stageJSON, sample.Total.Seconds(), recordedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to record perf sample: %w", err)
	}
	return nil
}
