package perfstats

import (
	"context"
	"log/slog"
	"time"
)

// Reporter periodically logs the collector's summaries.
type Reporter struct {
	collector *Collector
	interval  time.Duration
}

func NewReporter(collector *Collector, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Reporter{collector: collector, interval: interval}
}

// Run logs a timing summary at the configured interval until the context is
// cancelled. Quiet intervals log nothing.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var lastSeen int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			groups := r.collector.Groups()
			if groups == lastSeen {
				continue
			}
			lastSeen = groups
			for _, s := range r.collector.Summary() {
				slog.Info("[PerfStats] Stage timing",
					"stage", s.Stage,
					"groups", s.Count,
					"min_s", s.Min,
					"mean_s", s.Mean,
					"max_s", s.Max,
				)
			}
		}
	}
}
