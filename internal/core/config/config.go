package config

import (
	"time"

	redisclient "github.com/vietddude/flakeguard/internal/infra/redis"
	"github.com/vietddude/flakeguard/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server      ServerConfig       `yaml:"server"`
	Logging     LoggingConfig      `yaml:"logging"`
	Resolution  ResolutionConfig   `yaml:"resolution"`
	Diagnostics DiagnosticsConfig  `yaml:"diagnostics"`
	Flakiness   FlakinessConfig    `yaml:"flakiness"`
	Runner      RunnerConfig       `yaml:"runner"`
	History     HistoryConfig      `yaml:"history"`
	Redis       redisclient.Config `yaml:"redis"`
	Database    postgres.Config    `yaml:"database"`
	Browser     BrowserConfig      `yaml:"browser"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ResolutionConfig holds defaults for strategy chains that do not set their own timeouts.
type ResolutionConfig struct {
	PerStrategyTimeout time.Duration `yaml:"per_strategy_timeout"`
	TotalBudget        time.Duration `yaml:"total_budget"`
	HealingPolicy      string        `yaml:"healing_policy"` // report, strict
}

// DiagnosticsConfig controls failed-attempt capture.
type DiagnosticsConfig struct {
	Ceiling     time.Duration `yaml:"ceiling"`
	ArtifactDir string        `yaml:"artifact_dir"`
	WorkerID    string        `yaml:"worker_id"`
	Screenshots bool          `yaml:"screenshots"`
}

// FlakinessConfig holds the classification window and quarantine thresholds.
type FlakinessConfig struct {
	Window              int     `yaml:"window"`
	MinRuns             int     `yaml:"min_runs"`
	QuarantineThreshold float64 `yaml:"quarantine_threshold"`
	ReleaseAfterPasses  int     `yaml:"release_after_passes"`
	AutoQuarantine      bool    `yaml:"auto_quarantine"`
}

// RunnerConfig controls attempts and backoff for the attempt runner.
type RunnerConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
}

// HistoryConfig selects and locates the persisted history store.
type HistoryConfig struct {
	Backend           string        `yaml:"backend"` // memory, file, sqlite, postgres, redis
	Dir               string        `yaml:"dir"`
	SQLitePath        string        `yaml:"sqlite_path"`
	AggregateInterval time.Duration `yaml:"aggregate_interval"`
	WatchWorklogs     bool          `yaml:"watch_worklogs"`
	WorklogStaleAfter time.Duration `yaml:"worklog_stale_after"`
}

// WorklogDir is where per-worker append logs are written.
func (h HistoryConfig) WorklogDir() string {
	return h.Dir + "/worklogs"
}

// BrowserConfig holds playwright launch settings.
type BrowserConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Headless bool          `yaml:"headless"`
	SlowMo   int           `yaml:"slow_mo"`
	Timeout  time.Duration `yaml:"timeout"`
}

func defaultRedis() redisclient.Config {
	return redisclient.Config{KeyPrefix: "flakeguard"}
}
