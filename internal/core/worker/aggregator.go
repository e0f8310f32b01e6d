package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/file"
	"github.com/vietddude/flakeguard/internal/metrics"
)

const (
	defaultMergeInterval = 30 * time.Second
	debounceTick         = 100 * time.Millisecond
	debounceDelay        = 500 * time.Millisecond

	carryOverWorker = "aggregator"
)

// OutcomeSink receives merged outcome records. *flakiness.Tracker implements it.
type OutcomeSink interface {
	Record(ctx context.Context, rec domain.OutcomeRecord) error
}

// AggregatorConfig controls where worker logs are read from and how often.
type AggregatorConfig struct {
	Dir        string
	Interval   time.Duration
	StaleAfter time.Duration // open logs untouched this long belong to crashed workers
	Watch      bool          // merge as soon as a worker publishes its log
}

// MergeStats summarizes one merge pass.
type MergeStats struct {
	Files   int
	Records int
	Torn    int
}

// Aggregator merges per-worker outcome logs into the history store.
type Aggregator struct {
	cfg  AggregatorConfig
	sink OutcomeSink
	log  *slog.Logger

	mu sync.Mutex
}

// NewAggregator creates a new Aggregator worker.
func NewAggregator(cfg AggregatorConfig, sink OutcomeSink, log *slog.Logger) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultMergeInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{cfg: cfg, sink: sink, log: log}
}

// Start runs the merge loop until ctx is done.
func (a *Aggregator) Start(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if a.cfg.Watch {
		if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create worklog dir: %w", err)
		}
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		if err := watcher.Add(a.cfg.Dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", a.cfg.Dir, err)
		}
		events, errs = watcher.Events, watcher.Errors
	}

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	debouncer := time.NewTicker(debounceTick)
	defer debouncer.Stop()

	// Initial merge
	a.merge(ctx)

	var pendingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.merge(ctx)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if strings.HasSuffix(event.Name, ".jsonl") && event.Has(fsnotify.Create) {
				pendingSince = time.Now()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			a.log.Warn("Worklog watcher error", "error", err)
		case <-debouncer.C:
			if !pendingSince.IsZero() && time.Since(pendingSince) >= debounceDelay {
				pendingSince = time.Time{}
				a.merge(ctx)
			}
		}
	}
}

func (a *Aggregator) merge(ctx context.Context) {
	stats, err := a.MergeOnce(ctx)
	if err != nil {
		a.log.Error("Worklog merge failed", "dir", a.cfg.Dir, "error", err)
		return
	}
	if stats.Files > 0 {
		a.log.Info("Merged worker logs", "files", stats.Files, "records", stats.Records, "torn", stats.Torn)
	}
}

// MergeOnce replays every pending log into the sink in timestamp order and marks the
// logs merged. If the store fails part way, the records not yet applied are written to
// a carry-over log and the consumed logs are marked merged, so the next pass replays
// only what is left. When nothing was applied, or the carry-over cannot be written,
// the logs stay pending as they are; the tracker then skips records still in the window.
func (a *Aggregator) MergeOnce(ctx context.Context) (MergeStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var stats MergeStats
	paths, err := file.PendingWorkLogs(a.cfg.Dir, a.cfg.StaleAfter)
	if err != nil {
		return stats, err
	}

	var records []domain.OutcomeRecord
	consumed := make([]string, 0, len(paths))
	for _, path := range paths {
		recs, torn, err := file.ReadWorkLog(path)
		if err != nil {
			a.log.Warn("Rejecting unreadable worklog", "path", path, "error", err)
			if err := file.MarkRejected(path); err != nil {
				a.log.Warn("Failed to reject worklog", "path", path, "error", err)
			}
			continue
		}
		if torn {
			stats.Torn++
			a.log.Warn("Dropped torn record at end of worklog", "path", path)
		}
		records = append(records, recs...)
		consumed = append(consumed, path)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, a.carryOver(err, records[i:], consumed, i)
		}
		if err := a.sink.Record(ctx, rec); err != nil {
			var unavailable *storage.HistoryStoreUnavailableError
			if errors.As(err, &unavailable) {
				err = fmt.Errorf("failed to merge outcome for %s: %w", rec.TestID, err)
				return stats, a.carryOver(err, records[i:], consumed, i)
			}
			a.log.Warn("Skipping invalid outcome record", "test_id", rec.TestID, "outcome", rec.Outcome, "error", err)
			continue
		}
		stats.Records++
		metrics.WorklogRecordsMerged.Inc()
	}

	for _, path := range consumed {
		if err := file.MarkMerged(path); err != nil {
			return stats, err
		}
		stats.Files++
	}
	return stats, nil
}

// carryOver moves the unapplied tail of an interrupted pass into its own log and marks
// the consumed logs merged. It returns cause.
func (a *Aggregator) carryOver(cause error, rest []domain.OutcomeRecord, consumed []string, applied int) error {
	if applied == 0 || len(consumed) == 0 {
		return cause
	}
	wl, err := file.OpenWorkLog(a.cfg.Dir, carryOverWorker, "")
	if err != nil {
		a.log.Warn("Failed to open carry-over worklog", "error", err)
		return cause
	}
	for _, rec := range rest {
		if err := wl.Append(rec); err != nil {
			a.log.Warn("Failed to write carry-over worklog", "path", wl.Path(), "error", err)
			_ = wl.Discard()
			return cause
		}
	}
	if err := wl.Close(); err != nil {
		a.log.Warn("Failed to publish carry-over worklog", "path", wl.Path(), "error", err)
		_ = wl.Discard()
		return cause
	}
	for _, path := range consumed {
		if err := file.MarkMerged(path); err != nil {
			a.log.Warn("Failed to mark worklog merged", "path", path, "error", err)
		}
	}
	a.log.Info("Carried over unmerged outcomes", "path", wl.Path(), "records", len(rest), "applied", applied)
	return cause
}
