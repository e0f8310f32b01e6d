package domain

import "time"

type StabilityState string

const (
	StateUnknown     StabilityState = "unknown"
	StateStablePass  StabilityState = "stable-pass"
	StateStableFail  StabilityState = "stable-fail"
	StateFlaky       StabilityState = "flaky"
	StateQuarantined StabilityState = "quarantined"
)

// OutcomeRecord is one persisted {timestamp, outcome} sample for a test.
type OutcomeRecord struct {
	TestID    string    `json:"test_id"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	RunID     string    `json:"run_id,omitempty"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// TestHistoryEntry aggregates final outcomes across runs for one test identity.
type TestHistoryEntry struct {
	TestID           string          `json:"test_id"`
	History          []OutcomeRecord `json:"history"`
	FlakinessScore   float64         `json:"flakiness_score"`
	State            StabilityState  `json:"state"`
	QuarantinedSince *time.Time      `json:"quarantined_since,omitempty"`
	PassStreak       int             `json:"pass_streak"` // consecutive passes while quarantined
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewTestHistoryEntry returns an empty entry in the unknown state.
func NewTestHistoryEntry(testID string) *TestHistoryEntry {
	return &TestHistoryEntry{
		TestID:  testID,
		History: make([]OutcomeRecord, 0),
		State:   StateUnknown,
	}
}

// Quarantined reports whether the entry is currently in quarantine.
func (e *TestHistoryEntry) Quarantined() bool {
	return e.QuarantinedSince != nil
}

// Clone returns a deep copy safe to hand out of a store.
func (e *TestHistoryEntry) Clone() *TestHistoryEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.History = append(make([]OutcomeRecord, 0, len(e.History)), e.History...)
	if e.QuarantinedSince != nil {
		since := *e.QuarantinedSince
		c.QuarantinedSince = &since
	}
	return &c
}

// QuarantineRecord is the per-test row consumed by CI gating tooling.
type QuarantineRecord struct {
	TestID           string         `json:"testId"`
	FlakinessScore   float64        `json:"flakinessScore"`
	QuarantinedSince *time.Time     `json:"quarantinedSince"`
	State            StabilityState `json:"state"`
}

// QuarantineRecordOf projects an entry onto the CI gating record.
func QuarantineRecordOf(e *TestHistoryEntry) QuarantineRecord {
	return QuarantineRecord{
		TestID:           e.TestID,
		FlakinessScore:   e.FlakinessScore,
		QuarantinedSince: e.QuarantinedSince,
		State:            e.State,
	}
}
