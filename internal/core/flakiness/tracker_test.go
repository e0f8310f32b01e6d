package flakiness

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/infra/storage"
	"github.com/vietddude/flakeguard/internal/infra/storage/memory"
)

const (
	pass = domain.OutcomePassed
	fail = domain.OutcomeFailed
)

// brokenRepo fails every operation like a corrupt or locked store.
type brokenRepo struct{ err error }

func (r brokenRepo) Get(context.Context, string) (*domain.TestHistoryEntry, error) {
	return nil, r.err
}

func (r brokenRepo) Update(context.Context, string, storage.UpdateFunc) (*domain.TestHistoryEntry, error) {
	return nil, r.err
}

func (r brokenRepo) List(context.Context, ...string) ([]*domain.TestHistoryEntry, error) {
	return nil, r.err
}

func (r brokenRepo) Quarantined(context.Context) ([]*domain.TestHistoryEntry, error) {
	return nil, r.err
}

func (r brokenRepo) Ping(context.Context) error { return r.err }
func (r brokenRepo) Close() error                { return nil }

func newTestTracker(cfg Config) *Tracker {
	tr := NewTracker(cfg, memory.NewHistoryRepo(), nil)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return tr
}

func recordAll(t *testing.T, tr *Tracker, testID string, outcomes ...domain.Outcome) {
	t.Helper()
	for _, o := range outcomes {
		require.NoError(t, tr.RecordOutcome(context.Background(), testID, o))
	}
}

func records(testID string, outcomes ...domain.Outcome) []domain.OutcomeRecord {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]domain.OutcomeRecord, len(outcomes))
	for i, o := range outcomes {
		out[i] = domain.OutcomeRecord{TestID: testID, Timestamp: base.Add(time.Duration(i) * time.Minute), Outcome: o}
	}
	return out
}

// =============================================================================
// Classification
// =============================================================================

func TestEvaluate(t *testing.T) {
	cfg := Config{Window: 5, MinRuns: 3, QuarantineThreshold: 1, ReleaseAfterPasses: 3}

	tests := []struct {
		name     string
		outcomes []domain.Outcome
		want     State
	}{
		{"no runs", nil, domain.StateUnknown},
		{"below min runs", []domain.Outcome{fail, pass}, domain.StateUnknown},
		{"all pass", []domain.Outcome{pass, pass, pass}, domain.StateStablePass},
		{"all fail", []domain.Outcome{fail, fail, fail, fail}, domain.StateStableFail},
		{"mixed", []domain.Outcome{pass, fail, pass}, domain.StateFlaky},
		{"failure evicted from window", []domain.Outcome{fail, pass, pass, pass, pass, pass}, domain.StateStablePass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := Replay("t", records("t", tt.outcomes...), cfg)
			assert.Equal(t, tt.want, Evaluate(entry, cfg))
			assert.Equal(t, tt.want, entry.State)
		})
	}
}

func TestApply_WindowIsBounded(t *testing.T) {
	cfg := Config{Window: 4, MinRuns: 2, QuarantineThreshold: 1, ReleaseAfterPasses: 2}
	entry := Replay("t", records("t", fail, fail, pass, pass, pass, fail), cfg)

	require.Len(t, entry.History, 4)
	assert.Equal(t, pass, entry.History[0].Outcome)
	assert.InDelta(t, 0.25, entry.FlakinessScore, 1e-9)
}

// Scenario B: N=5, minRuns=3, outcomes [P,F,P,F,P].
func TestScenarioB_FlakyThenQuarantined(t *testing.T) {
	outcomes := []domain.Outcome{pass, fail, pass, fail, pass}

	t.Run("below threshold stays flaky", func(t *testing.T) {
		tr := newTestTracker(Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.5, ReleaseAfterPasses: 3, AutoQuarantine: true})
		recordAll(t, tr, "checkout", outcomes...)

		entry, err := tr.Entry(context.Background(), "checkout")
		require.NoError(t, err)
		assert.InDelta(t, 0.4, entry.FlakinessScore, 1e-9)
		assert.Equal(t, domain.StateFlaky, tr.Classify(context.Background(), "checkout"))
	})

	t.Run("above threshold is quarantined", func(t *testing.T) {
		tr := newTestTracker(Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.1, ReleaseAfterPasses: 3, AutoQuarantine: true})
		var seen []Transition
		tr.SetStateChangeCallback(func(_ string, change Transition) { seen = append(seen, change) })
		recordAll(t, tr, "checkout", outcomes...)

		entry, err := tr.Entry(context.Background(), "checkout")
		require.NoError(t, err)
		assert.InDelta(t, 0.4, entry.FlakinessScore, 1e-9)
		assert.Equal(t, domain.StateQuarantined, tr.Classify(context.Background(), "checkout"))
		require.NotNil(t, entry.QuarantinedSince)

		require.NotEmpty(t, seen)
		last := seen[len(seen)-1]
		assert.Equal(t, domain.StateQuarantined, last.To)
		assert.Equal(t, ReasonAutoQuarantine, last.Reason)

		list, err := tr.Quarantined(context.Background())
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "checkout", list[0].TestID)
	})

	t.Run("auto quarantine disabled", func(t *testing.T) {
		tr := newTestTracker(Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.1, ReleaseAfterPasses: 3})
		recordAll(t, tr, "checkout", outcomes...)
		assert.Equal(t, domain.StateFlaky, tr.Classify(context.Background(), "checkout"))
	})
}

func TestReplayIsDeterministic(t *testing.T) {
	cfg := Config{Window: 6, MinRuns: 3, QuarantineThreshold: 0.2, ReleaseAfterPasses: 3, AutoQuarantine: true}
	seq := records("t", pass, fail, fail, pass, pass, pass, fail, pass, pass, pass, pass)

	a := Replay("t", seq, cfg)
	b := Replay("t", seq, cfg)
	assert.Equal(t, a, b)
	assert.Equal(t, Evaluate(a, cfg), Evaluate(b, cfg))
}

func TestJSONRoundTripPreservesClassification(t *testing.T) {
	cfg := Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.1, ReleaseAfterPasses: 3, AutoQuarantine: true}
	for _, seq := range [][]domain.Outcome{
		{pass, pass},
		{pass, pass, pass},
		{fail, fail, fail},
		{pass, fail, pass, fail, pass},
		{pass, fail, pass, pass, pass, pass},
	} {
		entry := Replay("t", records("t", seq...), cfg)
		before := Evaluate(entry, cfg)

		data, err := json.Marshal(entry)
		require.NoError(t, err)
		var loaded domain.TestHistoryEntry
		require.NoError(t, json.Unmarshal(data, &loaded))

		assert.Equal(t, before, Evaluate(&loaded, cfg), "sequence %v", seq)
	}
}

// =============================================================================
// Quarantine lifecycle
// =============================================================================

func TestRelease_AfterConsecutivePasses(t *testing.T) {
	cfg := Config{Window: 10, MinRuns: 3, QuarantineThreshold: 0.2, ReleaseAfterPasses: 3, AutoQuarantine: true}
	tr := newTestTracker(cfg)
	ctx := context.Background()

	recordAll(t, tr, "t", pass, fail, pass)
	require.Equal(t, domain.StateQuarantined, tr.Classify(ctx, "t"))

	// A failure resets the streak.
	recordAll(t, tr, "t", pass, pass, fail, pass, pass)
	require.Equal(t, domain.StateQuarantined, tr.Classify(ctx, "t"))

	recordAll(t, tr, "t", pass)
	assert.Equal(t, domain.StateStablePass, tr.Classify(ctx, "t"))

	entry, err := tr.Entry(ctx, "t")
	require.NoError(t, err)
	assert.Nil(t, entry.QuarantinedSince)
	assert.Len(t, entry.History, 3, "window is trimmed to the passing streak on release")
	assert.Zero(t, entry.FlakinessScore)

	// Further passes do not re-quarantine.
	recordAll(t, tr, "t", pass)
	assert.Equal(t, domain.StateStablePass, tr.Classify(ctx, "t"))
}

func TestQuarantinedTestsKeepBeingTracked(t *testing.T) {
	tr := newTestTracker(Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.1, ReleaseAfterPasses: 3, AutoQuarantine: true})
	recordAll(t, tr, "t", pass, fail, pass, fail)

	entry, err := tr.Entry(context.Background(), "t")
	require.NoError(t, err)
	assert.Len(t, entry.History, 4)
	assert.Equal(t, domain.StateQuarantined, entry.State)
}

func TestManualQuarantine(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(DefaultConfig)
	recordAll(t, tr, "t", pass, pass, pass)
	require.Equal(t, domain.StateStablePass, tr.Classify(ctx, "t"))

	require.NoError(t, tr.Quarantine(ctx, "t"))
	assert.True(t, tr.IsQuarantined(ctx, "t"))

	require.NoError(t, tr.Unquarantine(ctx, "t"))
	assert.Equal(t, domain.StateStablePass, tr.Classify(ctx, "t"))
}

func TestManualQuarantine_UnknownTest(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(DefaultConfig)

	require.NoError(t, tr.Quarantine(ctx, "new"))
	assert.Equal(t, domain.StateQuarantined, tr.Classify(ctx, "new"))

	require.NoError(t, tr.Unquarantine(ctx, "new"))
	assert.Equal(t, domain.StateUnknown, tr.Classify(ctx, "new"))
}

func TestUnquarantine_MissingTest(t *testing.T) {
	tr := newTestTracker(DefaultConfig)
	err := tr.Unquarantine(context.Background(), "ghost")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestFlaky_ListsFlakyAndQuarantined(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(Config{Window: 5, MinRuns: 3, QuarantineThreshold: 0.5, ReleaseAfterPasses: 3, AutoQuarantine: true})
	recordAll(t, tr, "a-stable", pass, pass, pass)
	recordAll(t, tr, "b-flaky", pass, fail, pass)
	recordAll(t, tr, "c-quarantined", fail, fail, pass)

	flaky, err := tr.Flaky(ctx)
	require.NoError(t, err)
	require.Len(t, flaky, 2)
	assert.Equal(t, "b-flaky", flaky[0].TestID)
	assert.Equal(t, "c-quarantined", flaky[1].TestID)
	assert.Equal(t, domain.StateQuarantined, flaky[1].State)
}

// =============================================================================
// Degradation
// =============================================================================

func TestStoreUnavailable_DegradesToUnknown(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(DefaultConfig, brokenRepo{err: errors.New("lock timeout")}, nil)

	assert.Equal(t, domain.StateUnknown, tr.Classify(ctx, "t"))
	assert.False(t, tr.IsQuarantined(ctx, "t"))

	err := tr.RecordOutcome(ctx, "t", fail)
	var unavailable *storage.HistoryStoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "record", unavailable.Op)
	assert.Equal(t, "t", unavailable.TestID)

	_, err = tr.Quarantined(ctx)
	assert.ErrorAs(t, err, &unavailable)
}

func TestRecord_IgnoresReplayedRecords(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(DefaultConfig)
	rec := domain.OutcomeRecord{
		TestID:    "cart/add",
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		Outcome:   fail,
		RunID:     "run-1",
		WorkerID:  "w1",
	}

	require.NoError(t, tr.Record(ctx, rec))
	require.NoError(t, tr.Record(ctx, rec))

	entry, err := tr.Entry(ctx, "cart/add")
	require.NoError(t, err)
	assert.Len(t, entry.History, 1)

	rec.WorkerID = "w2"
	require.NoError(t, tr.Record(ctx, rec))
	entry, err = tr.Entry(ctx, "cart/add")
	require.NoError(t, err)
	assert.Len(t, entry.History, 2)
}

func TestRecord_RejectsInvalidInput(t *testing.T) {
	tr := newTestTracker(DefaultConfig)
	assert.Error(t, tr.RecordOutcome(context.Background(), "", pass))
	assert.Error(t, tr.RecordOutcome(context.Background(), "t", domain.Outcome("skipped")))
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(domain.StateFlaky, domain.StateQuarantined))
	assert.True(t, CanTransition(domain.StateQuarantined, domain.StateStablePass))
	assert.False(t, CanTransition(domain.StateStablePass, domain.StateUnknown))
	assert.True(t, Transition{From: domain.StateFlaky, To: domain.StateFlaky}.IsValid())
	assert.Equal(t, "Unknown state", StateDescription("bogus"))
}
