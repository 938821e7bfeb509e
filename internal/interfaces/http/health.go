package http

import (
	"net/http"
	"runtime"
	"time"

	"github.com/sawpanic/alphaforge/internal/persistence"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	startTime time.Time
	version   string
	runs      Runs
	db        persistence.RepositoryHealth
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                   `json:"status"`
	Timestamp  time.Time                `json:"timestamp"`
	Uptime     string                   `json:"uptime"`
	Version    string                   `json:"version"`
	ActiveRuns int                      `json:"active_runs"`
	System     SystemInfo               `json:"system"`
	Database   *persistence.HealthCheck `json:"database,omitempty"`
}

// SystemInfo provides runtime information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
	MemSysMB      uint64 `json:"mem_sys_mb"`
	NumGC         uint32 `json:"num_gc"`
}

// NewHealthHandler creates a new health handler; db may be nil
func NewHealthHandler(runs Runs, db persistence.RepositoryHealth, version string) *HealthHandler {
	if version == "" {
		version = "dev"
	}
	return &HealthHandler{startTime: time.Now(), version: version, runs: runs, db: db}
}

// ServeHTTP answers 200 when healthy and 503 when the database check fails
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Uptime:     time.Since(h.startTime).Truncate(time.Second).String(),
		Version:    h.version,
		ActiveRuns: len(h.runs.Active()),
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAllocMB:    mem.Alloc / 1024 / 1024,
			MemSysMB:      mem.Sys / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
	}

	code := http.StatusOK
	if h.db != nil {
		check := h.db.Health(r.Context())
		resp.Database = &check
		if !check.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}
