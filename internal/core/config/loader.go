package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Default returns the configuration used when no file is present.
func Default() *AppConfig {
	return &AppConfig{
		Server:  ServerConfig{Port: 9464},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Resolution: ResolutionConfig{
			PerStrategyTimeout: 2 * time.Second,
			TotalBudget:        10 * time.Second,
			HealingPolicy:      "report",
		},
		Diagnostics: DiagnosticsConfig{
			Ceiling:     2 * time.Second,
			ArtifactDir: "test-results/diagnostics",
			Screenshots: true,
		},
		Flakiness: FlakinessConfig{
			Window:              20,
			MinRuns:             3,
			QuarantineThreshold: 0.3,
			ReleaseAfterPasses:  5,
			AutoQuarantine:      true,
		},
		Runner: RunnerConfig{
			MaxAttempts:     3,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        5 * time.Second,
			BackoffMultiple: 2.0,
		},
		History: HistoryConfig{
			Backend:           "file",
			Dir:               ".flakeguard",
			SQLitePath:        ".flakeguard/history.db",
			AggregateInterval: 30 * time.Second,
			WorklogStaleAfter: time.Hour,
		},
		Redis: defaultRedis(),
		Browser: BrowserConfig{
			BaseURL:  "http://localhost:8080",
			Headless: true,
			Timeout:  30 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file on top of Default().
// A missing file is not an error; the defaults are returned.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for values explicitly zeroed in the file.
func applyDefaults(cfg *AppConfig) {
	def := Default()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Resolution.PerStrategyTimeout == 0 {
		cfg.Resolution.PerStrategyTimeout = def.Resolution.PerStrategyTimeout
	}
	if cfg.Resolution.TotalBudget == 0 {
		cfg.Resolution.TotalBudget = def.Resolution.TotalBudget
	}
	if cfg.Resolution.HealingPolicy == "" {
		cfg.Resolution.HealingPolicy = def.Resolution.HealingPolicy
	}
	if cfg.Diagnostics.Ceiling == 0 {
		cfg.Diagnostics.Ceiling = def.Diagnostics.Ceiling
	}
	if cfg.Flakiness.Window == 0 {
		cfg.Flakiness.Window = def.Flakiness.Window
	}
	if cfg.Flakiness.MinRuns == 0 {
		cfg.Flakiness.MinRuns = def.Flakiness.MinRuns
	}
	if cfg.Flakiness.ReleaseAfterPasses == 0 {
		cfg.Flakiness.ReleaseAfterPasses = def.Flakiness.ReleaseAfterPasses
	}
	if cfg.Runner.MaxAttempts == 0 {
		cfg.Runner.MaxAttempts = def.Runner.MaxAttempts
	}
	if cfg.Runner.BackoffMultiple == 0 {
		cfg.Runner.BackoffMultiple = def.Runner.BackoffMultiple
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = def.History.Backend
	}
	if cfg.History.Dir == "" {
		cfg.History.Dir = def.History.Dir
	}
	if cfg.History.AggregateInterval == 0 {
		cfg.History.AggregateInterval = def.History.AggregateInterval
	}
	if cfg.History.WorklogStaleAfter == 0 {
		cfg.History.WorklogStaleAfter = def.History.WorklogStaleAfter
	}
}

// Validate rejects combinations the tracker and resolver cannot work with.
func (c *AppConfig) Validate() error {
	f := c.Flakiness
	if f.MinRuns < 1 {
		return fmt.Errorf("flakiness.min_runs must be >= 1, got %d", f.MinRuns)
	}
	if f.Window < f.MinRuns {
		return fmt.Errorf("flakiness.window (%d) must be >= min_runs (%d)", f.Window, f.MinRuns)
	}
	if f.ReleaseAfterPasses < f.MinRuns {
		return fmt.Errorf("flakiness.release_after_passes (%d) must be >= min_runs (%d)", f.ReleaseAfterPasses, f.MinRuns)
	}
	if f.QuarantineThreshold < 0 || f.QuarantineThreshold > 1 {
		return fmt.Errorf("flakiness.quarantine_threshold must be in [0,1], got %v", f.QuarantineThreshold)
	}
	switch c.Resolution.HealingPolicy {
	case "report", "strict":
	default:
		return fmt.Errorf("resolution.healing_policy must be report or strict, got %q", c.Resolution.HealingPolicy)
	}
	switch c.History.Backend {
	case "memory", "file", "sqlite", "postgres", "redis":
	default:
		return fmt.Errorf("unknown history.backend %q", c.History.Backend)
	}
	return nil
}
