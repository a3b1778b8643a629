package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// HealthStatus is the overall health verdict.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResponse is the /health body.
type HealthCheckResponse struct {
	Status        HealthStatus           `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	EngineVersion string                 `json:"engine_version"`
	GitCommit     string                 `json:"git_commit,omitempty"`
	BuildTime     string                 `json:"build_time,omitempty"`
	Uptime        string                 `json:"uptime"`
	Checks        map[string]HealthCheck `json:"checks"`
	System        SystemInfo             `json:"system"`
	RequestID     string                 `json:"request_id,omitempty"`
}

// HealthCheck is one component check.
type HealthCheck struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	LastChecked string       `json:"last_checked"`
	Duration    string       `json:"duration,omitempty"`
}

// SystemInfo contains runtime information.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	GOMAXPROCS    int    `json:"gomaxprocs"`
	MemoryAlloc   uint64 `json:"memory_alloc_bytes"`
	MemorySys     uint64 `json:"memory_sys_bytes"`
	GCCycles      uint32 `json:"gc_cycles"`
}

// handleHealthCheck reports protocol, database and session health.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	checks := map[string]HealthCheck{
		"protocols": s.checkProtocols(),
		"database":  s.checkDatabase(r.Context()),
		"sessions":  s.checkSessions(),
	}
	overall := HealthStatusHealthy
	for _, c := range checks {
		switch c.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, HealthCheckResponse{
		Status:        overall,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		EngineVersion: EngineVersion,
		GitCommit:     GitCommit,
		BuildTime:     BuildTime,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		Checks:        checks,
		System:        systemInfo(),
		RequestID:     middleware.GetReqID(r.Context()),
	})
}

// handleReadiness is ready once protocols are loaded.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := len(s.svc.Protocols()) > 0
	message := "Ready"
	status := http.StatusOK
	if !ready {
		message = "No protocols loaded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"ready":          ready,
		"message":        message,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"engine_version": EngineVersion,
		"request_id":     middleware.GetReqID(r.Context()),
	})
}

// handleLiveness answers whenever the server is running.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"alive":          true,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"engine_version": EngineVersion,
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) checkProtocols() HealthCheck {
	start := time.Now()
	n := len(s.svc.Protocols())
	c := HealthCheck{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d protocols available", n)}
	if n == 0 {
		c.Status, c.Message = HealthStatusUnhealthy, "No protocols available"
	}
	return stamp(c, start)
}

func (s *Server) checkDatabase(ctx context.Context) HealthCheck {
	start := time.Now()
	st := s.svc.Store()
	if st == nil {
		return stamp(HealthCheck{Status: HealthStatusDegraded, Message: "Progress store disabled"}, start)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := st.Ping(ctx); err != nil {
		return stamp(HealthCheck{Status: HealthStatusUnhealthy, Message: err.Error()}, start)
	}
	return stamp(HealthCheck{Status: HealthStatusHealthy, Message: "Database connection healthy"}, start)
}

func (s *Server) checkSessions() HealthCheck {
	start := time.Now()
	n := len(s.svc.Active())
	return stamp(HealthCheck{Status: HealthStatusHealthy, Message: fmt.Sprintf("%d active sessions", n)}, start)
}

func stamp(c HealthCheck, start time.Time) HealthCheck {
	c.LastChecked = time.Now().UTC().Format(time.RFC3339)
	c.Duration = time.Since(start).String()
	return c
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		GOMAXPROCS:    runtime.GOMAXPROCS(0),
		MemoryAlloc:   m.Alloc,
		MemorySys:     m.Sys,
		GCCycles:      m.NumGC,
	}
}
