package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/flakeguard/internal/control"
	"github.com/vietddude/flakeguard/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "flakeguard",
	Short: "Flaky test tracking and quarantine",
	Long: `flakeguard tracks final test outcomes across runs, classifies tests as stable or flaky,
quarantines flaky tests and serves the quarantine list to CI gating.`,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "flakeguard.yaml", "config file")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// setup loads .env and the configuration file and initializes logging.
func setup() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	initLogging(cfg.Logging)
	return cfg
}

func initLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch {
	case isDebug || cfg.Level == "debug":
		level = slog.LevelDebug
	case cfg.Level == "warn":
		level = slog.LevelWarn
	case cfg.Level == "error":
		level = slog.LevelError
	}

	if cfg.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}
	stylelog.InitDefault(&tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})
}

// openApp sets up and wires the application for a one-shot command.
func openApp(ctx context.Context) *control.App {
	cfg := setup()
	app, err := control.NewApp(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("Failed to initialize flakeguard", "error", err)
		os.Exit(1)
	}
	return app
}

// exitOn logs err and exits non-zero after releasing app.
func exitOn(app *control.App, msg string, err error) {
	if err == nil {
		return
	}
	slog.Error(msg, "error", err)
	if app != nil {
		_ = app.Close()
	}
	os.Exit(1)
}
