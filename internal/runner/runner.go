// Package runner executes a test body with retries and feeds the results to the
// diagnostics collector and the flakiness tracker.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/flakeguard/internal/core/diagnostics"
	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
)

// TestCase identifies a test across runs.
type TestCase struct {
	ID    string
	Title string
}

// AttemptFunc runs one attempt of a test. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// QuarantineChecker answers whether failures of a test are currently non-blocking.
type QuarantineChecker interface {
	IsQuarantined(ctx context.Context, testID string) bool
}

// Result is the outcome of all attempts of one test.
type Result struct {
	TestID   string
	Outcome  domain.Outcome
	Attempts []domain.AttemptRecord
	// Err is the error of the last failed attempt.
	Err error
	// Retried is set when the test passed only after failing at least once in this run.
	Retried     bool
	Quarantined bool
	// Blocking reports whether this result should fail the CI gate.
	Blocking bool
}

// Runner drives attempts of tests.
type Runner struct {
	cfg       RetryConfig
	collector *diagnostics.Collector
	recorder  flakiness.Recorder
	gate      QuarantineChecker
	log       *slog.Logger
	now       func() time.Time
}

// New creates a runner. collector, recorder and gate are optional.
func New(
	cfg RetryConfig,
	collector *diagnostics.Collector,
	recorder flakiness.Recorder,
	gate QuarantineChecker,
	log *slog.Logger,
) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiple <= 0 {
		cfg.BackoffMultiple = DefaultRetryConfig.BackoffMultiple
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		collector: collector,
		recorder:  recorder,
		gate:      gate,
		log:       log,
		now:       time.Now,
	}
}

// Run executes fn until it passes, MaxAttempts is reached, the error is fatal or ctx
// is done. Diagnostics are captured after every failed attempt before the next one
// starts. The final outcome is recorded once, after the last attempt.
func (r *Runner) Run(ctx context.Context, tc TestCase, capturer diagnostics.Capturer, fn AttemptFunc) *Result {
	res := &Result{TestID: tc.ID, Outcome: domain.OutcomeFailed}

	// Quarantine is decided from the state before this run so a failure cannot
	// silence itself.
	if r.gate != nil {
		res.Quarantined = r.gate.IsQuarantined(ctx, tc.ID)
	}

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		rec := domain.AttemptRecord{
			TestID:        tc.ID,
			Title:         tc.Title,
			AttemptNumber: attempt,
			StartedAt:     r.now(),
		}
		err := r.call(ctx, fn, attempt)
		rec.Duration = r.now().Sub(rec.StartedAt)

		if err == nil {
			rec.Outcome = domain.OutcomePassed
			res.Attempts = append(res.Attempts, rec)
			res.Outcome = domain.OutcomePassed
			res.Retried = attempt > 1
			break
		}

		rec.Outcome = domain.OutcomeFailed
		rec.Error = err
		res.Err = err
		if r.collector != nil {
			r.collector.OnAttemptFailure(ctx, &rec, capturer)
		}
		res.Attempts = append(res.Attempts, rec)

		r.log.Debug("Attempt failed", "test_id", tc.ID, "attempt", attempt, "error", err)

		if ClassifyError(err) == ActionFatal || ctx.Err() != nil || attempt == r.cfg.MaxAttempts {
			break
		}

		delay := calculateBackoff(attempt-1, r.cfg)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			break
		}
	}

	if r.recorder != nil {
		if err := r.recorder.RecordOutcome(ctx, tc.ID, res.Outcome); err != nil {
			r.log.Warn("Failed to record outcome", "test_id", tc.ID, "outcome", res.Outcome, "error", err)
		}
	}

	res.Blocking = res.Outcome == domain.OutcomeFailed && !res.Quarantined
	if res.Outcome == domain.OutcomeFailed && res.Quarantined {
		r.log.Info("Quarantined test failed, not blocking", "test_id", tc.ID, "attempts", len(res.Attempts))
	}
	return res
}

func (r *Runner) call(ctx context.Context, fn AttemptFunc, attempt int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("attempt panicked: %v", p)
		}
	}()
	return fn(ctx, attempt)
}
