package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/driftline/driftline/internal/health"
	"github.com/driftline/driftline/internal/sched"
	"github.com/driftline/driftline/internal/signal"
)

const (
	defaultSignalLimit = 20
	maxSignalLimit     = 500
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// handleHealth serves the full health report. Down reports carry 503
// so load balancer probes fail without parsing the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Health.Report(r.Context())
	status := http.StatusOK
	if rep.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

type tasksResponse struct {
	LastTickMs int64            `json:"last_tick_ms"`
	Tasks      []sched.TaskInfo `json:"tasks"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "scheduler not running"})
		return
	}
	tasks := s.deps.Tasks.Snapshot()
	if tasks == nil {
		tasks = []sched.TaskInfo{}
	}
	writeJSON(w, http.StatusOK, tasksResponse{
		LastTickMs: s.deps.Tasks.LastTickMs(),
		Tasks:      tasks,
	})
}

type signalsResponse struct {
	Count   int                       `json:"count"`
	Signals []signal.AggregatedSignal `json:"signals"`
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if s.deps.Signals == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "signal history not available"})
		return
	}
	limit := defaultSignalLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > maxSignalLimit {
		limit = maxSignalLimit
	}
	signals := s.deps.Signals.Latest(limit)
	if signals == nil {
		signals = []signal.AggregatedSignal{}
	}
	writeJSON(w, http.StatusOK, signalsResponse{Count: len(signals), Signals: signals})
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}
