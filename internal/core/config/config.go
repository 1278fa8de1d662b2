package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/shopspring/decimal"
)

// Config represents the top-level application config.
type Config struct {
	Database     DatabaseConfig     `koanf:"database"`
	Ingest       IngestConfig       `koanf:"ingest"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Calibration  CalibrationConfig  `koanf:"calibration"`
	Stages       StagesConfig       `koanf:"stages"`
}

type DatabaseConfig struct {
	Type         string `koanf:"type"` // postgres | memory
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type IngestConfig struct {
	InputDir         string `koanf:"input_dir"`
	WindowSize       string `koanf:"window_size"` // parsed and validated on startup
	ExpectedSubbands int    `koanf:"expected_subbands"`
	SettleInterval   string `koanf:"settle_interval"`
	AllowPartial     bool   `koanf:"allow_partial"`
	CollectTimeout   string `koanf:"collect_timeout"`
}

type OrchestratorConfig struct {
	MaxConcurrentGroups int    `koanf:"max_concurrent_groups"`
	PollInterval        string `koanf:"poll_interval"`
	SweepInterval       string `koanf:"sweep_interval"`
	MaxRetries          int    `koanf:"max_retries"`
	RetryBaseDelay      string `koanf:"retry_base_delay"`
	RetryMaxDelay       string `koanf:"retry_max_delay"`
	StaleAfter          string `koanf:"stale_after"`
}

type CalibrationConfig struct {
	CatalogPath    string `koanf:"catalog_path"`
	MinFluxJy      string `koanf:"min_flux_jy"`
	ValidityWindow string `koanf:"validity_window"`
}

type StagesConfig struct {
	ScratchDir string `koanf:"scratch_dir"`
	OutputDir  string `koanf:"output_dir"`

	Conversion       StageCommandConfig `koanf:"conversion"`
	CalSolve         StageCommandConfig `koanf:"cal_solve"`
	CalApply         StageCommandConfig `koanf:"cal_apply"`
	Imaging          StageCommandConfig `koanf:"imaging"`
	SourceExtraction StageCommandConfig `koanf:"source_extraction"`
}

type StageCommandConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	Timeout string   `koanf:"timeout"`
}

// Duration accessors re-parse validated fields; call Validate first.

func (c IngestConfig) Window() time.Duration { return mustDuration(c.WindowSize) }
func (c IngestConfig) Settle() time.Duration { return mustDuration(c.SettleInterval) }
func (c IngestConfig) CollectDeadline() time.Duration { return mustDuration(c.CollectTimeout) }

func (c OrchestratorConfig) Poll() time.Duration { return mustDuration(c.PollInterval) }
func (c OrchestratorConfig) Sweep() time.Duration { return mustDuration(c.SweepInterval) }
func (c OrchestratorConfig) BaseDelay() time.Duration { return mustDuration(c.RetryBaseDelay) }
func (c OrchestratorConfig) MaxDelay() time.Duration { return mustDuration(c.RetryMaxDelay) }
func (c OrchestratorConfig) Stale() time.Duration { return mustDuration(c.StaleAfter) }

func (c CalibrationConfig) Validity() time.Duration { return mustDuration(c.ValidityWindow) }

// MinFlux returns the catalog flux floor. Zero when unset.
func (c CalibrationConfig) MinFlux() decimal.Decimal {
	if strings.TrimSpace(c.MinFluxJy) == "" {
		return decimal.Zero
	}
	d, _ := decimal.NewFromString(c.MinFluxJy)
	return d
}

// StageTimeout returns the per-stage command timeout. Zero means none.
func (c StageCommandConfig) StageTimeout() time.Duration {
	if strings.TrimSpace(c.Timeout) == "" {
		return 0
	}
	return mustDuration(c.Timeout)
}

func mustDuration(raw string) time.Duration {
	d, _ := time.ParseDuration(raw)
	return d
}

func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for type postgres")
		}
		if c.Database.MaxOpenConns <= 0 {
			return fmt.Errorf("database.max_open_conns must be > 0")
		}
		if c.Database.MaxIdleConns <= 0 {
			return fmt.Errorf("database.max_idle_conns must be > 0")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database.type %q (must be postgres or memory)", c.Database.Type)
	}

	if strings.TrimSpace(c.Ingest.InputDir) == "" {
		return fmt.Errorf("ingest.input_dir is required")
	}
	if c.Ingest.ExpectedSubbands <= 0 {
		return fmt.Errorf("ingest.expected_subbands must be > 0")
	}
	for field, raw := range map[string]string{
		"ingest.window_size":     c.Ingest.WindowSize,
		"ingest.settle_interval": c.Ingest.SettleInterval,
	} {
		if err := checkDuration(field, raw); err != nil {
			return err
		}
	}
	if c.Ingest.AllowPartial {
		if err := checkDuration("ingest.collect_timeout", c.Ingest.CollectTimeout); err != nil {
			return err
		}
	}

	if c.Orchestrator.MaxConcurrentGroups <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_groups must be > 0")
	}
	if c.Orchestrator.MaxRetries <= 0 {
		return fmt.Errorf("orchestrator.max_retries must be > 0")
	}
	for field, raw := range map[string]string{
		"orchestrator.poll_interval":    c.Orchestrator.PollInterval,
		"orchestrator.sweep_interval":   c.Orchestrator.SweepInterval,
		"orchestrator.retry_base_delay": c.Orchestrator.RetryBaseDelay,
		"orchestrator.retry_max_delay":  c.Orchestrator.RetryMaxDelay,
		"orchestrator.stale_after":      c.Orchestrator.StaleAfter,
	} {
		if err := checkDuration(field, raw); err != nil {
			return err
		}
	}
	if c.Orchestrator.BaseDelay() > c.Orchestrator.MaxDelay() {
		return fmt.Errorf("orchestrator.retry_base_delay must not exceed orchestrator.retry_max_delay")
	}

	if strings.TrimSpace(c.Calibration.CatalogPath) == "" {
		return fmt.Errorf("calibration.catalog_path is required")
	}
	if _, err := os.Stat(c.Calibration.CatalogPath); err != nil {
		return fmt.Errorf("calibration.catalog_path %q is not accessible: %w", c.Calibration.CatalogPath, err)
	}
	if c.Calibration.MinFluxJy != "" {
		d, err := decimal.NewFromString(c.Calibration.MinFluxJy)
		if err != nil {
			return fmt.Errorf("invalid calibration.min_flux_jy %q: %w", c.Calibration.MinFluxJy, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("calibration.min_flux_jy must be >= 0")
		}
	}
	if err := checkDuration("calibration.validity_window", c.Calibration.ValidityWindow); err != nil {
		return err
	}

	if strings.TrimSpace(c.Stages.ScratchDir) == "" {
		return fmt.Errorf("stages.scratch_dir is required")
	}
	if strings.TrimSpace(c.Stages.OutputDir) == "" {
		return fmt.Errorf("stages.output_dir is required")
	}
	for field, stage := range map[string]StageCommandConfig{
		"stages.conversion":        c.Stages.Conversion,
		"stages.cal_solve":         c.Stages.CalSolve,
		"stages.cal_apply":         c.Stages.CalApply,
		"stages.imaging":           c.Stages.Imaging,
		"stages.source_extraction": c.Stages.SourceExtraction,
	} {
		if strings.TrimSpace(stage.Command) == "" {
			return fmt.Errorf("%s.command is required", field)
		}
		if stage.Timeout != "" {
			if err := checkDuration(field+".timeout", stage.Timeout); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkDuration(field, raw string) error {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// Load parses config from file + env and validates it.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"database.type":                      "postgres",
		"database.dsn":                       "",
		"database.max_open_conns":            25,
		"database.max_idle_conns":            25,
		"database.auto_migrate":              true,
		"ingest.input_dir":                   "./incoming",
		"ingest.window_size":                 "5m",
		"ingest.expected_subbands":           16,
		"ingest.settle_interval":             "5s",
		"ingest.allow_partial":               false,
		"ingest.collect_timeout":             "20m",
		"orchestrator.max_concurrent_groups": 2,
		"orchestrator.poll_interval":         "2s",
		"orchestrator.sweep_interval":        "15s",
		"orchestrator.max_retries":           3,
		"orchestrator.retry_base_delay":      "30s",
		"orchestrator.retry_max_delay":       "30m",
		"orchestrator.stale_after":           "2h",
		"calibration.catalog_path":           "./config/calibrators.yaml",
		"calibration.min_flux_jy":            "1.0",
		"calibration.validity_window":        "24h",
		"stages.scratch_dir":                 "./scratch",
		"stages.output_dir":                  "./products",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("CONTIMG_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "CONTIMG_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
