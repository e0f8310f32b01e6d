package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/flakeguard/internal/core/config"
	"github.com/vietddude/flakeguard/internal/core/diagnostics"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/core/resolver"
	"github.com/vietddude/flakeguard/internal/core/worker"
	"github.com/vietddude/flakeguard/internal/health"
	"github.com/vietddude/flakeguard/internal/infra/storage/file"
	"github.com/vietddude/flakeguard/internal/runner"
)

// App wires the history store, tracker, resolver, collector and background workers.
type App struct {
	cfg          *config.AppConfig
	store        *Store
	tracker      *flakiness.Tracker
	engine       *resolver.Engine
	collector    *diagnostics.Collector
	aggregator   *worker.Aggregator
	healthMon    *health.Monitor
	healthServer *health.Server
	log          *slog.Logger

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Initialize Storage
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	// 2. Flakiness Tracker
	f := cfg.Flakiness
	tracker := flakiness.NewTracker(flakiness.Config{
		Window:              f.Window,
		MinRuns:             f.MinRuns,
		QuarantineThreshold: f.QuarantineThreshold,
		ReleaseAfterPasses:  f.ReleaseAfterPasses,
		AutoQuarantine:      f.AutoQuarantine,
	}, store, log)
	tracker.SetStateChangeCallback(flakiness.LogTransitions(log))

	// 3. Resolver and Diagnostics
	engine := resolver.NewEngine(resolver.Config{
		PerStrategyTimeout: cfg.Resolution.PerStrategyTimeout,
		TotalBudget:        cfg.Resolution.TotalBudget,
		Policy:             resolver.HealingPolicy(cfg.Resolution.HealingPolicy),
	}).WithLogger(log)

	collector := diagnostics.NewCollector(diagnostics.Config{
		Ceiling:            cfg.Diagnostics.Ceiling,
		WorkerID:           cfg.Diagnostics.WorkerID,
		DisableScreenshots: !cfg.Diagnostics.Screenshots,
	}, diagnostics.DirSink{Dir: cfg.Diagnostics.ArtifactDir}, log)

	// 4. Worklog Aggregator
	worklogDir := cfg.History.WorklogDir()
	aggregator := worker.NewAggregator(worker.AggregatorConfig{
		Dir:        worklogDir,
		Interval:   cfg.History.AggregateInterval,
		StaleAfter: cfg.History.WorklogStaleAfter,
		Watch:      cfg.History.WatchWorklogs,
	}, tracker, log)

	// 5. Health Monitor
	staleAfter := cfg.History.WorklogStaleAfter
	healthMon := health.NewMonitor(store, tracker, func() (int, error) {
		pending, err := file.PendingWorkLogs(worklogDir, staleAfter)
		return len(pending), err
	})
	healthServer := health.NewServer(healthMon, tracker, cfg.Server.Port)

	return &App{
		cfg:          cfg,
		store:        store,
		tracker:      tracker,
		engine:       engine,
		collector:    collector,
		aggregator:   aggregator,
		healthMon:    healthMon,
		healthServer: healthServer,
		log:          log,
	}, nil
}

// Tracker returns the flakiness tracker.
func (a *App) Tracker() *flakiness.Tracker { return a.tracker }

// Engine returns the locator resolution engine.
func (a *App) Engine() *resolver.Engine { return a.engine }

// EventSink returns the healing event sink used for resolve calls.
func (a *App) EventSink() resolver.EventSink {
	return resolver.MultiSink{resolver.LogSink{Logger: a.log}, resolver.MetricsSink{}}
}

// Collector returns the diagnostics collector.
func (a *App) Collector() *diagnostics.Collector { return a.collector }

// Aggregator returns the worklog aggregator.
func (a *App) Aggregator() *worker.Aggregator { return a.aggregator }

// Store returns the opened history store.
func (a *App) Store() *Store { return a.store }

// Runner builds an attempt runner that reports final outcomes to rec, or to the
// tracker when rec is nil.
func (a *App) Runner(rec flakiness.Recorder) *runner.Runner {
	if rec == nil {
		rec = a.tracker
	}
	r := a.cfg.Runner
	return runner.New(runner.RetryConfig{
		MaxAttempts:     r.MaxAttempts,
		InitialDelay:    r.InitialDelay,
		MaxDelay:        r.MaxDelay,
		BackoffMultiple: r.BackoffMultiple,
	}, a.collector, rec, a.tracker, a.log)
}

// OpenWorkLog opens this worker's outcome log for runID.
func (a *App) OpenWorkLog(runID string) (*file.WorkLog, error) {
	return file.OpenWorkLog(a.cfg.History.WorklogDir(), a.cfg.Diagnostics.WorkerID, runID)
}

// Start starts the health server and the aggregator. It does not block.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	// Start Health Server
	g.Go(func() error {
		a.log.Info("Starting health server", "port", a.cfg.Server.Port)
		if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	// Start Worklog Aggregator
	g.Go(func() error {
		a.log.Info("Starting worklog aggregator", "dir", a.cfg.History.WorklogDir())
		return a.aggregator.Start(gctx)
	})

	// Start DB Metrics Collector
	if a.store.DB != nil {
		a.store.DB.StartMetricsCollector(gctx)
	}
	return nil
}

// Wait blocks until a background component fails or the app is stopped.
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Stop stops the background components and closes the history store.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping flakeguard...")

	var errs []error
	if a.group != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		a.cancel()

		done := make(chan error, 1)
		go func() { done <- a.group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	if err := a.store.Close(); err != nil {
		a.log.Warn("Failed to close history store", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases the history store without starting anything. One-shot commands use it.
func (a *App) Close() error {
	return a.store.Close()
}
