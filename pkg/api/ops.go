package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type healthResponse struct {
	Status     string `json:"status"`
	UptimeSecs int64  `json:"uptime_seconds"`
	AllocBytes uint64 `json:"alloc_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

// handleHealth is a self-check-only liveness probe (spec.md §6): it never
// touches the database or Redis, so it cannot be dragged down by a
// dependency outage and falsely trigger a restart loop.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		UptimeSecs: int64(time.Since(s.StartedAt).Seconds()),
		AllocBytes: m.Alloc,
		NumGC:      m.NumGC,
	})
}

type depStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readyResponse struct {
	Status       string               `json:"status"` // ready, degraded, unhealthy
	Dependencies map[string]depStatus `json:"dependencies"`
}

// handleReady runs bounded-timeout checks of every dependency the
// request path touches (spec.md §6).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]depStatus{}
	healthyCount, total := 0, 0

	if s.Audit != nil {
		total++
		if _, err := s.Audit.TenantIDs(ctx); err != nil {
			deps["database"] = depStatus{Status: "unhealthy", Error: err.Error()}
		} else {
			deps["database"] = depStatus{Status: "healthy"}
			healthyCount++
		}
	}
	if s.Revocations != nil {
		total++
		if _, err := s.Revocations.GC(ctx); err != nil {
			deps["cache"] = depStatus{Status: "unhealthy", Error: err.Error()}
		} else {
			deps["cache"] = depStatus{Status: "healthy"}
			healthyCount++
		}
	}

	status := "ready"
	code := http.StatusOK
	switch {
	case total == 0 || healthyCount == total:
		status = "ready"
	case healthyCount == 0:
		status, code = "unhealthy", http.StatusServiceUnavailable
	default:
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, readyResponse{Status: status, Dependencies: deps})
}

func (s *Server) metricsHandler() http.Handler {
	return promhttp.Handler()
}

type schedulerStatusResponse struct {
	Leader bool        `json:"leader"`
	Tasks  interface{} `json:"tasks"`
}

// handleSchedulerStatus surfaces leader state and per-task run history
// (spec.md §6 "/scheduler").
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		writeJSON(w, http.StatusOK, schedulerStatusResponse{Leader: false, Tasks: []interface{}{}})
		return
	}
	leader, tasks := s.Scheduler.Status()
	writeJSON(w, http.StatusOK, schedulerStatusResponse{Leader: leader, Tasks: tasks})
}
