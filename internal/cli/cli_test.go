package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/core/worker"
	"github.com/vietddude/flakeguard/internal/infra/storage/file"
	"github.com/vietddude/flakeguard/internal/infra/storage/memory"
)

func newTracker(t *testing.T) *flakiness.Tracker {
	t.Helper()
	cfg := flakiness.Config{Window: 10, MinRuns: 3, QuarantineThreshold: 0.3, ReleaseAfterPasses: 3, AutoQuarantine: true}
	return flakiness.NewTracker(cfg, memory.NewHistoryRepo(), nil)
}

func seed(t *testing.T, tr *flakiness.Tracker, testID string, outcomes ...string) {
	t.Helper()
	for _, o := range outcomes {
		require.NoError(t, recordOutcome(context.Background(), tr, testID, o))
	}
}

func TestWriteFlaky_JSON(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	seed(t, tr, "checkout", "pass", "fail", "pass")
	seed(t, tr, "login", "pass", "pass", "pass")

	var out bytes.Buffer
	require.NoError(t, writeFlaky(ctx, &out, tr, false, "json"))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "checkout", got[0]["testId"])
	assert.InDelta(t, 1.0/3, got[0]["flakinessScore"], 1e-9)
	assert.NotNil(t, got[0]["quarantinedSince"])
}

func TestWriteFlaky_EmptyListIsArray(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeFlaky(context.Background(), &out, newTracker(t), false, "json"))
	assert.JSONEq(t, `[]`, out.String())
}

func TestWriteFlaky_TableAll(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	seed(t, tr, "checkout", "pass", "fail", "pass")
	seed(t, tr, "login", "pass", "pass", "pass")

	var out bytes.Buffer
	require.NoError(t, writeFlaky(ctx, &out, tr, true, "table"))

	assert.Contains(t, out.String(), "TEST")
	assert.Contains(t, out.String(), "checkout")
	assert.Contains(t, out.String(), "quarantined")
	assert.NotContains(t, out.String(), "login")
}

func TestWriteFlaky_UnknownFormat(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, writeFlaky(context.Background(), &out, newTracker(t), false, "xml"))
}

func TestWriteClassification(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	seed(t, tr, "login", "fail", "fail", "fail")

	var out bytes.Buffer
	require.NoError(t, writeClassification(ctx, &out, tr, "login", "table"))
	assert.Contains(t, out.String(), "stable-fail")

	out.Reset()
	require.NoError(t, writeClassification(ctx, &out, tr, "never-ran", "json"))
	var entry domain.TestHistoryEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, domain.StateUnknown, entry.State)
	assert.Equal(t, "never-ran", entry.TestID)
}

func TestRecordOutcome_RejectsUnknownOutcome(t *testing.T) {
	assert.Error(t, recordOutcome(context.Background(), newTracker(t), "login", "skipped"))
}

func TestRecordThenAggregate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tr := newTracker(t)

	wl, err := file.OpenWorkLog(dir, "w1", "run-1")
	require.NoError(t, err)
	require.NoError(t, recordOutcome(ctx, wl, "login", "failed"))
	require.NoError(t, recordOutcome(ctx, wl, "login", "passed"))
	require.NoError(t, wl.Close())

	var out bytes.Buffer
	require.NoError(t, aggregate(ctx, &out, worker.NewAggregator(worker.AggregatorConfig{Dir: dir}, tr, nil)))
	assert.Equal(t, "merged 2 records from 1 logs (0 torn)\n", out.String())

	entry, err := tr.Entry(ctx, "login")
	require.NoError(t, err)
	assert.Len(t, entry.History, 2)
}
