package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
)

// SweeperConfig tunes the background maintenance loop.
type SweeperConfig struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// MaxRetries bounds how many retryable failures a group may accumulate
	// before it is left failed for good.
	MaxRetries int
	// StaleAfter is how long a group may sit in_progress without a terminal
	// transition before its owner is presumed dead.
	StaleAfter time.Duration
	// RetryBaseDelay seeds the backoff applied to reclaimed groups.
	RetryBaseDelay time.Duration
	// AllowPartial, when set with CollectTimeout, promotes collecting groups
	// that have gone quiet even though not every subband arrived.
	AllowPartial   bool
	CollectTimeout time.Duration
}

// Sweeper is the single-instance maintenance loop: it requeues eligible
// failed groups, reclaims stalled in_progress groups, and optionally
// promotes quiet partial groups. It holds no claims itself; everything it
// does is a guarded conditional update.
type Sweeper struct {
	store storage.GroupStore
	cfg   SweeperConfig

	nowFn func() time.Time
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store storage.GroupStore, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Hour
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	return &Sweeper{store: store, cfg: cfg, nowFn: time.Now}
}

// Run sweeps at the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("[Sweeper] Starting",
		"interval", s.cfg.Interval,
		"max_retries", s.cfg.MaxRetries,
		"stale_after", s.cfg.StaleAfter,
		"allow_partial", s.cfg.AllowPartial,
	)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Sweeper] Stopping")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.nowFn()

	requeued, err := s.store.RequeueEligible(ctx, s.cfg.MaxRetries, now)
	if err != nil {
		slog.Error("[Sweeper] Requeue pass failed", "error", err)
	} else if len(requeued) > 0 {
		slog.Info("[Sweeper] Requeued failed groups", "count", len(requeued), "groups", requeued)
	}

	cutoff := now.Add(-s.cfg.StaleAfter)
	notBefore := now.Add(s.cfg.RetryBaseDelay)
	reclaimed, err := s.store.ReclaimStale(ctx, cutoff, notBefore)
	if err != nil {
		slog.Error("[Sweeper] Staleness pass failed", "error", err)
	} else if len(reclaimed) > 0 {
		slog.Warn("[Sweeper] Reclaimed stalled groups",
			"count", len(reclaimed), "groups", reclaimed, "cutoff", cutoff)
	}

	if s.cfg.AllowPartial && s.cfg.CollectTimeout > 0 {
		s.promotePartials(ctx, now)
	}
}

// promotePartials force-completes collecting groups that have received no
// new subbands for the collect timeout.
func (s *Sweeper) promotePartials(ctx context.Context, now time.Time) {
	collecting, err := s.store.ListGroups(ctx, pipeline.StateCollecting, 100)
	if err != nil {
		slog.Error("[Sweeper] Failed to list collecting groups", "error", err)
		return
	}

	deadline := now.Add(-s.cfg.CollectTimeout)
	for _, group := range collecting {
		if group.LastUpdate.After(deadline) {
			continue
		}
		if err := s.store.ForceComplete(ctx, group.Key); err != nil {
			// A concurrent promotion already moved it on; anything else is real.
			if errors.Is(err, storage.ErrInvalidTransition) || errors.Is(err, storage.ErrGroupNotFound) {
				continue
			}
			slog.Error("[Sweeper] Failed to promote partial group",
				"group", group.Key, "error", err)
			continue
		}
		slog.Info("[Sweeper] Promoted partial group",
			"group", group.Key, "last_update", group.LastUpdate)
	}
}
