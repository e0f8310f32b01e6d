package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/flakeguard/internal/core/domain"
)

// FlakySource answers the quarantine queries served on /flaky.
type FlakySource interface {
	QuarantineLister
	Flaky(ctx context.Context) ([]*domain.TestHistoryEntry, error)
}

// Server provides HTTP endpoints for health monitoring and CI gating.
type Server struct {
	monitor *Monitor
	flaky   FlakySource
	server  *http.Server
}

// NewServer creates a new health server.
func NewServer(monitor *Monitor, flaky FlakySource, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		flaky:   flaky,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.HandleFunc("/flaky", s.handleFlaky)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	status := http.StatusOK
	if report.SystemStatus == StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"status": string(report.SystemStatus)})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.CheckHealth(r.Context()))
}

// handleFlaky serves the quarantine list, or every flaky test with ?all=true.
func (s *Server) handleFlaky(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	var records []domain.QuarantineRecord
	if all {
		entries, err := s.flaky.Flaky(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		records = make([]domain.QuarantineRecord, 0, len(entries))
		for _, e := range entries {
			records = append(records, domain.QuarantineRecordOf(e))
		}
	} else {
		var err error
		if records, err = s.flaky.Quarantined(r.Context()); err != nil {
			s.fail(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	slog.Warn("Flaky list unavailable", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
