// Package flakiness tracks final test outcomes across runs and manages quarantine.
//
// Every test keeps a bounded window of its most recent outcomes. The window is
// classified as unknown, stable-pass, stable-fail or flaky; flaky tests whose failure
// rate exceeds the threshold are quarantined until they pass enough runs in a row.
// Quarantined tests keep running and keep being tracked; quarantine only tells CI
// gating that their failures are not blocking.
package flakiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/metrics"
)

// Recorder receives the final outcome of a test once all of its attempts concluded.
type Recorder interface {
	RecordOutcome(ctx context.Context, testID string, outcome domain.Outcome) error
}

// StateChangeFunc is called after a persisted state change.
type StateChangeFunc func(testID string, t Transition)

// Tracker applies outcomes to the history store and answers classification queries.
// It is safe for concurrent use; atomicity per test id comes from the store's Update.
type Tracker struct {
	cfg  Config
	repo storage.HistoryRepository
	log  *slog.Logger
	now  func() time.Time

	runID    string
	workerID string

	mu       sync.RWMutex
	onChange StateChangeFunc
}

// NewTracker creates a tracker over repo.
func NewTracker(cfg Config, repo storage.HistoryRepository, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:  cfg.normalized(),
		repo: repo,
		log:  log,
		now:  time.Now,
	}
}

// WithSource tags recorded outcomes with the run and worker that produced them.
func (t *Tracker) WithSource(runID, workerID string) *Tracker {
	t.runID = runID
	t.workerID = workerID
	return t
}

// Config returns the effective tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// SetStateChangeCallback registers a callback for state changes.
func (t *Tracker) SetStateChangeCallback(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// RecordOutcome records the final outcome of testID, stamped with the current time.
func (t *Tracker) RecordOutcome(ctx context.Context, testID string, outcome domain.Outcome) error {
	return t.Record(ctx, domain.OutcomeRecord{
		TestID:    testID,
		Timestamp: t.now().UTC(),
		Outcome:   outcome,
		RunID:     t.runID,
		WorkerID:  t.workerID,
	})
}

// Record applies rec to its test's history. A record carrying a run id that is already
// in the window is ignored, so replaying a partially merged worker log is harmless.
// Store failures are logged as warnings and returned as *storage.HistoryStoreUnavailableError.
func (t *Tracker) Record(ctx context.Context, rec domain.OutcomeRecord) error {
	if rec.TestID == "" {
		return errors.New("test id is required")
	}
	if _, err := domain.ParseOutcome(string(rec.Outcome)); err != nil {
		return err
	}

	var tr Transition
	var seen bool
	_, err := t.repo.Update(ctx, rec.TestID, func(entry *domain.TestHistoryEntry) error {
		if seen = rec.RunID != "" && containsRecord(entry.History, rec); seen {
			return nil
		}
		tr = Apply(entry, rec, t.cfg)
		return nil
	})
	if err != nil {
		return t.storeError("record", rec.TestID, err)
	}
	if seen {
		t.log.Debug("Outcome already recorded", "test_id", rec.TestID, "run_id", rec.RunID)
		return nil
	}

	metrics.OutcomesRecordedTotal.WithLabelValues(string(rec.Outcome)).Inc()
	t.notify(rec.TestID, tr)
	return nil
}

// Classify returns the current state of testID. Tests without history, and tests whose
// history cannot be read, classify as unknown.
func (t *Tracker) Classify(ctx context.Context, testID string) State {
	entry, err := t.repo.Get(ctx, testID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			_ = t.storeError("classify", testID, err)
		}
		return domain.StateUnknown
	}
	return Evaluate(entry, t.cfg)
}

// IsQuarantined reports whether failures of testID are currently non-blocking.
// An unreadable store reports false so that failures stay blocking.
func (t *Tracker) IsQuarantined(ctx context.Context, testID string) bool {
	return t.Classify(ctx, testID) == domain.StateQuarantined
}

// Quarantine puts testID into quarantine regardless of its score.
func (t *Tracker) Quarantine(ctx context.Context, testID string) error {
	if testID == "" {
		return errors.New("test id is required")
	}
	var tr Transition
	_, err := t.repo.Update(ctx, testID, func(entry *domain.TestHistoryEntry) error {
		now := t.now().UTC()
		tr = Transition{From: Evaluate(entry, t.cfg), Reason: ReasonManual, Timestamp: now}
		if !entry.Quarantined() {
			entry.QuarantinedSince = &now
			entry.PassStreak = 0
		}
		entry.State = Evaluate(entry, t.cfg)
		entry.UpdatedAt = now
		tr.To = entry.State
		return nil
	})
	if err != nil {
		return t.storeError("quarantine", testID, err)
	}
	t.notify(testID, tr)
	return nil
}

// Unquarantine lifts quarantine for testID and re-classifies it from its window.
// Auto quarantine may engage again on a later outcome if the test is still flaky.
func (t *Tracker) Unquarantine(ctx context.Context, testID string) error {
	var tr Transition
	_, err := t.repo.Update(ctx, testID, func(entry *domain.TestHistoryEntry) error {
		if !entry.Quarantined() && len(entry.History) == 0 {
			return storage.ErrNotFound
		}
		now := t.now().UTC()
		tr = Transition{From: Evaluate(entry, t.cfg), Reason: ReasonManual, Timestamp: now}
		entry.QuarantinedSince = nil
		entry.PassStreak = 0
		entry.State = Evaluate(entry, t.cfg)
		entry.UpdatedAt = now
		tr.To = entry.State
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("unquarantine %s: %w", testID, err)
	}
	if err != nil {
		return t.storeError("unquarantine", testID, err)
	}
	t.notify(testID, tr)
	return nil
}

// Entry returns the stored entry for testID with its state re-evaluated.
func (t *Tracker) Entry(ctx context.Context, testID string) (*domain.TestHistoryEntry, error) {
	entry, err := t.repo.Get(ctx, testID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, t.storeError("entry", testID, err)
	}
	entry.State = Evaluate(entry, t.cfg)
	return entry, nil
}

// List returns entries for testIDs (all entries when none given) with states re-evaluated.
func (t *Tracker) List(ctx context.Context, testIDs ...string) ([]*domain.TestHistoryEntry, error) {
	entries, err := t.repo.List(ctx, testIDs...)
	if err != nil {
		return nil, t.storeError("list", "", err)
	}
	for _, e := range entries {
		e.State = Evaluate(e, t.cfg)
	}
	return entries, nil
}

// Flaky returns every test that is flaky or quarantined.
func (t *Tracker) Flaky(ctx context.Context) ([]*domain.TestHistoryEntry, error) {
	entries, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(entries, func(e *domain.TestHistoryEntry) bool {
		return e.State != domain.StateFlaky && e.State != domain.StateQuarantined
	}), nil
}

// Quarantined returns the quarantine list consumed by CI gating.
func (t *Tracker) Quarantined(ctx context.Context) ([]domain.QuarantineRecord, error) {
	entries, err := t.repo.Quarantined(ctx)
	if err != nil {
		return nil, t.storeError("quarantined", "", err)
	}
	records := make([]domain.QuarantineRecord, 0, len(entries))
	for _, e := range entries {
		e.State = Evaluate(e, t.cfg)
		records = append(records, domain.QuarantineRecordOf(e))
	}
	metrics.QuarantinedTests.Set(float64(len(records)))
	return records, nil
}

func (t *Tracker) notify(testID string, tr Transition) {
	if !tr.Changed() {
		return
	}
	if !tr.IsValid() {
		t.log.Warn("Unexpected stability transition", "test_id", testID, "from", tr.From, "to", tr.To, "reason", tr.Reason)
	}
	metrics.StateTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()

	t.mu.RLock()
	fn := t.onChange
	t.mu.RUnlock()
	if fn != nil {
		fn(testID, tr)
	}
}

func (t *Tracker) storeError(op, testID string, err error) error {
	err = storage.Unavailable(op, testID, err)
	metrics.HistoryStoreErrorsTotal.WithLabelValues(op).Inc()
	t.log.Warn("History store unavailable", "op", op, "test_id", testID, "error", err)
	return err
}

func containsRecord(history []domain.OutcomeRecord, rec domain.OutcomeRecord) bool {
	return slices.ContainsFunc(history, func(h domain.OutcomeRecord) bool {
		return h.RunID == rec.RunID &&
			h.WorkerID == rec.WorkerID &&
			h.Outcome == rec.Outcome &&
			h.Timestamp.Equal(rec.Timestamp)
	})
}

// LogTransitions returns a state change callback that logs every transition.
func LogTransitions(log *slog.Logger) StateChangeFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(testID string, tr Transition) {
		log.Info("Test stability changed",
			"test_id", testID,
			"from", tr.From,
			"to", tr.To,
			"reason", tr.Reason,
		)
	}
}
