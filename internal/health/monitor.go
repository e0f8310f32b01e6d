package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

const (
	defaultCacheFor = 10 * time.Second

	// worklog backlog above which merging is considered stuck
	backlogDegraded = 50
)

// Pinger checks that the history store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QuarantineLister returns the current quarantine list.
type QuarantineLister interface {
	Quarantined(ctx context.Context) ([]domain.QuarantineRecord, error)
}

// BacklogFunc returns how many worker logs are waiting to be merged.
type BacklogFunc func() (int, error)

// Monitor aggregates health status from the history store and the worklog aggregator.
type Monitor struct {
	store      Pinger
	quarantine QuarantineLister
	backlog    BacklogFunc
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. quarantine and backlog are optional.
func NewMonitor(store Pinger, quarantine QuarantineLister, backlog BacklogFunc) *Monitor {
	return &Monitor{
		store:      store,
		quarantine: quarantine,
		backlog:    backlog,
		cacheFor:   defaultCacheFor,
	}
}

// CheckHealth checks every component. Results are cached briefly so probes do not
// hammer a shared store.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth),
		CheckedAt:    time.Now().UTC(),
	}

	// 1. History store
	store := ComponentHealth{Name: "history_store", Status: StatusHealthy}
	if err := m.store.Ping(ctx); err != nil {
		store.Status = StatusCritical
		store.Detail = err.Error()
	}
	report.Components[store.Name] = store

	// 2. Quarantine list
	if m.quarantine != nil && store.Status == StatusHealthy {
		q := ComponentHealth{Name: "quarantine", Status: StatusHealthy}
		records, err := m.quarantine.Quarantined(ctx)
		if err != nil {
			q.Status = StatusDegraded
			q.Detail = err.Error()
		}
		report.QuarantinedTests = len(records)
		report.Components[q.Name] = q
	}

	// 3. Worklog backlog
	if m.backlog != nil {
		w := ComponentHealth{Name: "worklogs", Status: StatusHealthy}
		n, err := m.backlog()
		switch {
		case err != nil:
			w.Status = StatusDegraded
			w.Detail = err.Error()
		case n > backlogDegraded:
			w.Status = StatusDegraded
			w.Detail = "worklog merge is falling behind"
		}
		report.PendingWorklogs = n
		report.Components[w.Name] = w
	}

	for _, c := range report.Components {
		report.SystemStatus = worst(report.SystemStatus, c.Status)
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
