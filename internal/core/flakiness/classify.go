package flakiness

import (
	"github.com/vietddude/flakeguard/internal/core/domain"
)

// Config holds the classification window and quarantine thresholds.
type Config struct {
	// Window is the number of most recent outcomes retained per test.
	Window int
	// MinRuns is the number of outcomes needed before a test leaves unknown.
	MinRuns int
	// QuarantineThreshold is the score a flaky test must exceed to be quarantined.
	QuarantineThreshold float64
	// ReleaseAfterPasses is the consecutive passes needed to leave quarantine.
	ReleaseAfterPasses int
	AutoQuarantine     bool
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	Window:              20,
	MinRuns:             3,
	QuarantineThreshold: 0.3,
	ReleaseAfterPasses:  5,
	AutoQuarantine:      true,
}

func (c Config) normalized() Config {
	if c.MinRuns < 1 {
		c.MinRuns = DefaultConfig.MinRuns
	}
	if c.Window < c.MinRuns {
		c.Window = max(DefaultConfig.Window, c.MinRuns)
	}
	c.ReleaseAfterPasses = max(c.ReleaseAfterPasses, c.MinRuns)
	return c
}

// Evaluate classifies entry from its retained window and quarantine bookkeeping.
// It is pure: the same entry and config always produce the same state.
func Evaluate(entry *domain.TestHistoryEntry, cfg Config) State {
	if entry == nil {
		return domain.StateUnknown
	}
	if entry.Quarantined() {
		return domain.StateQuarantined
	}
	cfg = cfg.normalized()
	return classifyWindow(window(entry.History, cfg.Window), cfg.MinRuns)
}

// Score is the failure rate of history, zero when it is empty.
func Score(history []domain.OutcomeRecord) float64 {
	if len(history) == 0 {
		return 0
	}
	return float64(failures(history)) / float64(len(history))
}

// Apply records rec on entry: the outcome is appended to the bounded window, the score
// recomputed and the state machine advanced. entry is mutated in place.
//
// While quarantined every pass extends the pass streak and every failure resets it.
// Reaching ReleaseAfterPasses releases the test and trims the window to the passing
// streak, so a released test classifies as stable-pass and cannot flap straight back in.
func Apply(entry *domain.TestHistoryEntry, rec domain.OutcomeRecord, cfg Config) Transition {
	cfg = cfg.normalized()
	from := entry.State
	if from == "" {
		from = domain.StateUnknown
	}
	reason := ReasonOutcome

	entry.History = window(append(entry.History, rec), cfg.Window)

	if entry.Quarantined() {
		if rec.Outcome == domain.OutcomePassed {
			entry.PassStreak++
		} else {
			entry.PassStreak = 0
		}
		if entry.PassStreak >= cfg.ReleaseAfterPasses {
			entry.History = window(entry.History, entry.PassStreak)
			entry.QuarantinedSince = nil
			entry.PassStreak = 0
			reason = ReasonReleased
		}
	}

	entry.FlakinessScore = Score(entry.History)

	if cfg.AutoQuarantine && !entry.Quarantined() &&
		classifyWindow(entry.History, cfg.MinRuns) == domain.StateFlaky &&
		entry.FlakinessScore > cfg.QuarantineThreshold {
		since := rec.Timestamp
		entry.QuarantinedSince = &since
		entry.PassStreak = 0
		reason = ReasonAutoQuarantine
	}

	entry.State = Evaluate(entry, cfg)
	entry.UpdatedAt = rec.Timestamp

	return Transition{From: from, To: entry.State, Reason: reason, Timestamp: rec.Timestamp}
}

// Replay builds an entry from scratch by applying records in order.
func Replay(testID string, records []domain.OutcomeRecord, cfg Config) *domain.TestHistoryEntry {
	entry := domain.NewTestHistoryEntry(testID)
	for _, rec := range records {
		Apply(entry, rec, cfg)
	}
	return entry
}

func classifyWindow(history []domain.OutcomeRecord, minRuns int) State {
	if len(history) < minRuns || len(history) == 0 {
		return domain.StateUnknown
	}
	switch failures(history) {
	case 0:
		return domain.StateStablePass
	case len(history):
		return domain.StateStableFail
	default:
		return domain.StateFlaky
	}
}

func failures(history []domain.OutcomeRecord) int {
	n := 0
	for _, r := range history {
		if r.Outcome == domain.OutcomeFailed {
			n++
		}
	}
	return n
}

// window returns the last n records, copying only when it has to drop some.
func window(history []domain.OutcomeRecord, n int) []domain.OutcomeRecord {
	if n <= 0 || len(history) <= n {
		return history
	}
	return append(make([]domain.OutcomeRecord, 0, n), history[len(history)-n:]...)
}
