package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/flakeguard/internal/core/domain"
	"github.com/vietddude/flakeguard/internal/core/flakiness"
	"github.com/vietddude/flakeguard/internal/infra/storage/memory"
)

// =============================================================================
// Stubs
// =============================================================================

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func backlog(n int, err error) BacklogFunc {
	return func() (int, error) { return n, err }
}

func quarantinedTracker(t *testing.T, ids ...string) *flakiness.Tracker {
	t.Helper()
	tr := flakiness.NewTracker(flakiness.DefaultConfig, memory.NewHistoryRepo(), nil)
	for _, id := range ids {
		require.NoError(t, tr.Quarantine(context.Background(), id))
	}
	return tr
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_Healthy(t *testing.T) {
	monitor := NewMonitor(stubPinger{}, quarantinedTracker(t, "a"), backlog(2, nil))

	report := monitor.CheckHealth(context.Background())

	assert.Equal(t, StatusHealthy, report.SystemStatus)
	assert.Equal(t, 1, report.QuarantinedTests)
	assert.Equal(t, 2, report.PendingWorklogs)
}

func TestMonitor_Degraded(t *testing.T) {
	monitor := NewMonitor(stubPinger{}, nil, backlog(backlogDegraded+1, nil))

	report := monitor.CheckHealth(context.Background())

	assert.Equal(t, StatusDegraded, report.SystemStatus)
	assert.Equal(t, StatusDegraded, report.Components["worklogs"].Status)
}

func TestMonitor_Critical(t *testing.T) {
	monitor := NewMonitor(stubPinger{err: errors.New("lock timeout")}, nil, nil)

	report := monitor.CheckHealth(context.Background())

	assert.Equal(t, StatusCritical, report.SystemStatus)
	assert.Equal(t, "lock timeout", report.Components["history_store"].Detail)
}

func TestMonitor_CachesReport(t *testing.T) {
	pinger := &countingPinger{}
	monitor := NewMonitor(pinger, nil, nil)

	monitor.CheckHealth(context.Background())
	monitor.CheckHealth(context.Background())
	assert.Equal(t, 1, pinger.calls)

	monitor.cacheFor = 0
	monitor.CheckHealth(context.Background())
	assert.Equal(t, 2, pinger.calls)
}

type countingPinger struct{ calls int }

func (p *countingPinger) Ping(context.Context) error {
	p.calls++
	return nil
}

// =============================================================================
// Server
// =============================================================================

func TestServer_Health(t *testing.T) {
	tr := quarantinedTracker(t)
	srv := NewServer(NewMonitor(stubPinger{err: errors.New("down")}, tr, nil), tr, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"critical"}`, rec.Body.String())
}

func TestServer_FlakyServesQuarantineList(t *testing.T) {
	tr := quarantinedTracker(t, "checkout/pay", "cart/add")
	srv := NewServer(NewMonitor(stubPinger{}, tr, nil), tr, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flaky", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "cart/add", got[0]["testId"])
	assert.Contains(t, got[0], "flakinessScore")
	assert.NotNil(t, got[0]["quarantinedSince"])
}

func TestServer_FlakyAll(t *testing.T) {
	ctx := context.Background()
	tr := quarantinedTracker(t)
	for _, o := range []domain.Outcome{domain.OutcomePassed, domain.OutcomeFailed, domain.OutcomePassed} {
		require.NoError(t, tr.RecordOutcome(ctx, "search", o))
	}
	srv := NewServer(NewMonitor(stubPinger{}, tr, nil), tr, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/flaky?all=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []domain.QuarantineRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "search", got[0].TestID)
	assert.Equal(t, domain.StateQuarantined, got[0].State)
}

func TestServer_FlakyRejectsPost(t *testing.T) {
	tr := quarantinedTracker(t)
	srv := NewServer(NewMonitor(stubPinger{}, tr, nil), tr, 0)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/flaky", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
