package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config tunes one orchestrator worker.
type Config struct {
	// PollInterval is how often the claim loop scans for pending groups.
	PollInterval time.Duration
	// MaxConcurrentGroups bounds groups executing at once in this process.
	MaxConcurrentGroups int
	// RetryBaseDelay seeds the exponential backoff applied to retryable
	// failures; RetryMaxDelay caps it.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Orchestrator claims pending groups and drives each through the stage
// graph. Any number of orchestrators may run against the same store; the
// conditional-update claim is the only coordination between them.
type Orchestrator struct {
	store    storage.Store
	graph    *Graph
	cfg      Config
	workerID string
	perf     PerfObserver

	nowFn func() time.Time
}

// PerfObserver receives every recorded timing sample, in addition to the
// store's durable copy.
type PerfObserver interface {
	Observe(sample pipeline.PerfSample)
}

// New creates an orchestrator worker with a fresh identity.
func New(store storage.Store, graph *Graph, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrentGroups <= 0 {
		cfg.MaxConcurrentGroups = 2
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Minute
	}
	return &Orchestrator{
		store:    store,
		graph:    graph,
		cfg:      cfg,
		workerID: uuid.NewString(),
		nowFn:    time.Now,
	}
}

// SetPerfObserver attaches an in-process timing observer. Call before Run.
func (o *Orchestrator) SetPerfObserver(p PerfObserver) {
	o.perf = p
}

// WorkerID returns this orchestrator's claim identity.
func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

// Run polls for pending groups until the context is cancelled, then waits
// for in-flight groups to reach a terminal transition.
func (o *Orchestrator) Run(ctx context.Context) error {
	slog.Info("[Orchestrator] Starting",
		"worker_id", o.workerID,
		"poll_interval", o.cfg.PollInterval,
		"max_concurrent_groups", o.cfg.MaxConcurrentGroups,
		"stages", o.graph.Stages(),
	)

	sem := make(chan struct{}, o.cfg.MaxConcurrentGroups)
	var wg sync.WaitGroup

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Orchestrator] Stopping, waiting for in-flight groups",
				"worker_id", o.workerID)
			wg.Wait()
			return nil
		case <-ticker.C:
			o.claimPending(ctx, sem, &wg)
		}
	}
}

// claimPending walks pending candidates oldest-first and claims as many as
// local capacity allows. A lost claim race is silently skipped.
func (o *Orchestrator) claimPending(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	candidates, err := o.store.ListGroups(ctx, pipeline.StatePending, 2*o.cfg.MaxConcurrentGroups)
	if err != nil {
		slog.Error("[Orchestrator] Failed to list pending groups", "error", err)
		return
	}

	for _, candidate := range candidates {
		select {
		case sem <- struct{}{}:
		default:
			return // at capacity; next tick will resume
		}

		claimed, err := o.store.ClaimGroup(ctx, candidate.Key, o.workerID)
		if err != nil {
			<-sem
			slog.Error("[Orchestrator] Claim failed", "group", candidate.Key, "error", err)
			continue
		}
		if !claimed {
			<-sem
			continue // another worker won; not an error
		}

		group, err := o.store.GetGroup(ctx, candidate.Key)
		if err != nil {
			<-sem
			slog.Error("[Orchestrator] Failed to reload claimed group",
				"group", candidate.Key, "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			o.process(ctx, group)
		}()
	}
}

// process executes the stage graph for one claimed group and performs its
// terminal transition. Every outcome, success or failure, records a
// performance sample.
func (o *Orchestrator) process(ctx context.Context, group *pipeline.Group) {
	slog.Info("[Orchestrator] Processing group",
		"group", group.Key,
		"retry_count", group.RetryCount,
		"partial", group.Partial,
	)

	start := o.nowFn()
	durations := make(map[string]time.Duration)
	err := o.executeGraph(ctx, group, durations)
	total := o.nowFn().Sub(start)

	// The terminal transition and perf sample must land even when ctx was
	// cancelled mid-run, otherwise a shutdown strands the group in
	// in_progress until the staleness sweep.
	bookCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if terr := o.store.CompleteGroup(bookCtx, group.Key); terr != nil {
			slog.Error("[Orchestrator] Failed to mark group completed",
				"group", group.Key, "error", terr)
			return
		}
		slog.Info("[Orchestrator] Group completed",
			"group", group.Key, "duration", total, "retry_count", group.RetryCount)

	case pipeline.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		notBefore := o.nowFn().Add(backoffDelay(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay, group.RetryCount))
		if terr := o.store.FailRetryable(bookCtx, group.Key, err.Error(), notBefore); terr != nil {
			slog.Error("[Orchestrator] Failed to mark group failed",
				"group", group.Key, "error", terr)
			return
		}
		slog.Warn("[Orchestrator] Group failed (retryable)",
			"group", group.Key, "error", err, "not_before", notBefore)

	default:
		if terr := o.store.FailTerminal(bookCtx, group.Key, err.Error()); terr != nil {
			slog.Error("[Orchestrator] Failed to mark group terminally failed",
				"group", group.Key, "error", terr)
			return
		}
		slog.Error("[Orchestrator] Group failed (terminal)",
			"group", group.Key, "error", err)
	}

	sample := pipeline.PerfSample{
		GroupKey:       group.Key,
		StageDurations: durations,
		Total:          total,
		RecordedAt:     o.nowFn(),
	}
	if perr := o.store.RecordPerf(bookCtx, sample); perr != nil {
		slog.Warn("[Orchestrator] Failed to record perf sample",
			"group", group.Key, "error", perr)
	}
	if o.perf != nil {
		o.perf.Observe(sample)
	}
}

// executeGraph runs the DAG for one group. Independent stages run
// concurrently; each stage starts only after its dependencies stored their
// outputs. The first stage failure cancels the rest.
func (o *Orchestrator) executeGraph(ctx context.Context, group *pipeline.Group, durations map[string]time.Duration) error {
	eg, runCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	outputs := make(map[string]pipeline.ArtifactSet)
	done := make(map[string]chan struct{}, len(o.graph.topo))
	for _, name := range o.graph.topo {
		done[name] = make(chan struct{})
	}

	for _, name := range o.graph.topo {
		stage := o.graph.stages[name]
		signal := done[name]

		eg.Go(func() error {
			for _, dep := range stage.DependsOn {
				select {
				case <-done[dep]:
				case <-runCtx.Done():
					return runCtx.Err()
				}
			}

			mu.Lock()
			input := o.graph.inputContext(stage.Name, outputs)
			mu.Unlock()

			scope := NewScope()
			defer scope.Close()

			stageStart := o.nowFn()
			out, err := stage.Run(runCtx, StageInput{
				Group: group,
				Ctx:   input,
				Scope: scope,
			})
			elapsed := o.nowFn().Sub(stageStart)

			mu.Lock()
			durations[stage.Name] = elapsed
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("stage %s: %w", stage.Name, err)
			}

			mu.Lock()
			outputs[stage.Name] = out
			mu.Unlock()
			close(signal)

			slog.Debug("[Orchestrator] Stage done",
				"group", group.Key, "stage", stage.Name, "duration", elapsed)
			return nil
		})
	}

	return eg.Wait()
}

// backoffDelay grows exponentially with the retry count, capped at max.
func backoffDelay(base, max time.Duration, retryCount int) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
