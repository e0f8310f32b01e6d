package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolve calls by the strategy index that succeeded ("none" on failure)
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_resolutions_total",
			Help: "Total number of strategy chain resolutions",
		},
		[]string{"chain", "strategy_index", "result"},
	)

	// HealingEventsTotal tracks resolutions that needed a fallback descriptor
	HealingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_healing_events_total",
			Help: "Total number of healed element resolutions",
		},
		[]string{"chain"},
	)

	// ResolutionLatency tracks time spent inside resolve
	ResolutionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flakeguard_resolution_seconds",
			Help:    "Strategy chain resolution latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"chain", "result"},
	)

	// DiagnosticsFailuresTotal tracks swallowed capture errors per step
	DiagnosticsFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_diagnostics_failures_total",
			Help: "Total number of diagnostics capture failures",
		},
		[]string{"step"},
	)

	// OutcomesRecordedTotal tracks final test outcomes fed to the tracker
	OutcomesRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_outcomes_recorded_total",
			Help: "Total number of final test outcomes recorded",
		},
		[]string{"outcome"},
	)

	// HistoryStoreErrorsTotal tracks degraded history store operations
	HistoryStoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_history_store_errors_total",
			Help: "Total number of history store failures",
		},
		[]string{"op"},
	)

	// StateTransitionsTotal tracks stability state changes
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flakeguard_state_transitions_total",
			Help: "Total number of stability state transitions",
		},
		[]string{"from", "to"},
	)

	// QuarantinedTests tracks the number of currently quarantined tests
	QuarantinedTests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flakeguard_quarantined_tests",
			Help: "Number of tests currently in quarantine",
		},
	)

	// WorklogRecordsMerged tracks outcome records merged from worker logs
	WorklogRecordsMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flakeguard_worklog_records_merged_total",
			Help: "Total number of worker log records merged into the history store",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of open database connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flakeguard_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool limit",
		},
	)
)
