package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dsa110-lab/contimg-ingest/internal/calcatalog"
	"github.com/dsa110-lab/contimg-ingest/internal/calregistry"
	corecfg "github.com/dsa110-lab/contimg-ingest/internal/core/config"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage/memory"
	"github.com/dsa110-lab/contimg-ingest/internal/core/storage/postgres"
	"github.com/dsa110-lab/contimg-ingest/internal/ingest"
	"github.com/dsa110-lab/contimg-ingest/internal/migrations"
	"github.com/dsa110-lab/contimg-ingest/internal/orchestrator"
	"github.com/dsa110-lab/contimg-ingest/internal/perfstats"
	"github.com/dsa110-lab/contimg-ingest/internal/stages"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "contimg.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"database_type", cfg.Database.Type,
		"input_dir", cfg.Ingest.InputDir,
		"window_size", cfg.Ingest.WindowSize,
		"expected_subbands", cfg.Ingest.ExpectedSubbands,
	)

	// 2. Initialize Storage
	var store storage.Store
	switch cfg.Database.Type {
	case "memory":
		store = memory.NewStore()
	default:
		dbAdapter, err := postgres.NewAdapter(
			cfg.Database.DSN,
			cfg.Database.MaxOpenConns,
			cfg.Database.MaxIdleConns,
		)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer dbAdapter.Close()

		// 2.1. Run Database Migrations
		if err := migrations.Apply(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
		store = dbAdapter
	}

	// 3. Load Calibrator Catalog
	catalog, err := calcatalog.Load(cfg.Calibration.CatalogPath)
	if err != nil {
		slog.Error("Failed to load calibrator catalog", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded calibrator catalog",
		"path", cfg.Calibration.CatalogPath, "calibrators", catalog.Len())

	// 4. Calibration Registry
	registry := calregistry.New(store)

	// 5. Ingest: assembler + directory watcher
	assembler := ingest.NewAssembler(
		store,
		catalog,
		cfg.Ingest.Window(),
		cfg.Ingest.ExpectedSubbands,
		cfg.Calibration.MinFlux(),
	)
	watcher := ingest.NewWatcher(cfg.Ingest.InputDir, assembler, cfg.Ingest.Settle())

	// 6. Stage Graph
	if err := os.MkdirAll(cfg.Stages.ScratchDir, 0o755); err != nil {
		slog.Error("Failed to create scratch dir", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Stages.OutputDir, 0o755); err != nil {
		slog.Error("Failed to create output dir", "error", err)
		os.Exit(1)
	}

	graph, err := stages.BuildGraph(stages.Config{
		ScratchDir:  cfg.Stages.ScratchDir,
		OutputDir:   cfg.Stages.OutputDir,
		Converter:   stageCommand(cfg.Stages.Conversion),
		CalSolver:   stageCommand(cfg.Stages.CalSolve),
		CalApply:    stageCommand(cfg.Stages.CalApply),
		Imager:      stageCommand(cfg.Stages.Imaging),
		Extractor:   stageCommand(cfg.Stages.SourceExtraction),
		CalValidity: cfg.Calibration.Validity(),
	}, store, registry, stages.ExecRunner{})
	if err != nil {
		slog.Error("Failed to build stage graph", "error", err)
		os.Exit(1)
	}

	// 7. Orchestrator + Sweeper
	orch := orchestrator.New(store, graph, orchestrator.Config{
		PollInterval:        cfg.Orchestrator.Poll(),
		MaxConcurrentGroups: cfg.Orchestrator.MaxConcurrentGroups,
		RetryBaseDelay:      cfg.Orchestrator.BaseDelay(),
		RetryMaxDelay:       cfg.Orchestrator.MaxDelay(),
	})

	collector := perfstats.NewCollector()
	orch.SetPerfObserver(collector)
	reporter := perfstats.NewReporter(collector, 10*time.Minute)

	sweeper := orchestrator.NewSweeper(store, orchestrator.SweeperConfig{
		Interval:       cfg.Orchestrator.Sweep(),
		MaxRetries:     cfg.Orchestrator.MaxRetries,
		StaleAfter:     cfg.Orchestrator.Stale(),
		RetryBaseDelay: cfg.Orchestrator.BaseDelay(),
		AllowPartial:   cfg.Ingest.AllowPartial,
		CollectTimeout: cfg.Ingest.CollectDeadline(),
	})

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	group, runCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return watcher.Run(runCtx) })
	group.Go(func() error { return orch.Run(runCtx) })
	group.Go(func() error { return sweeper.Run(runCtx) })
	group.Go(func() error { return reporter.Run(runCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Service stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func stageCommand(c corecfg.StageCommandConfig) stages.Command {
	return stages.Command{
		Path:    c.Command,
		Args:    c.Args,
		Timeout: c.StageTimeout(),
	}
}
