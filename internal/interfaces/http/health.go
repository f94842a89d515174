package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

// Source is the read side of the engine.
type Source interface {
	Status(now time.Time) scheduler.Status
	Signals(limit int) []models.Signal
}

// HealthHandler provides system health status endpoint
type HealthHandler struct {
	source     Source
	db         persistence.RepositoryHealth
	clock      func() time.Time
	startTime  time.Time
	version    string
	buildStamp string
}

// NewHealthHandler creates a new health handler. db may be nil when the journal is disabled.
func NewHealthHandler(source Source, db persistence.RepositoryHealth, version, buildStamp string) *HealthHandler {
	return &HealthHandler{
		source:     source,
		db:         db,
		clock:      time.Now,
		startTime:  time.Now(),
		version:    version,
		buildStamp: buildStamp,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status     string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     string                 `json:"uptime"`
	Version    string                 `json:"version"`
	BuildStamp string                 `json:"build_stamp"`
	System     SystemInfo             `json:"system"`
	Checks     map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
	NumGC         uint32 `json:"num_gc"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status  string `json:"status"` // "pass", "warn", "fail"
	Message string `json:"message"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.gather(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if response.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (h *HealthHandler) gather(ctx context.Context) HealthResponse {
	now := h.clock()
	resp := HealthResponse{
		Timestamp:  now.UTC(),
		Uptime:     now.Sub(h.startTime).Round(time.Second).String(),
		Version:    h.version,
		BuildStamp: h.buildStamp,
		System:     systemInfo(),
		Checks:     make(map[string]CheckResult),
	}

	st := h.source.Status(now)
	switch {
	case st.Stopped:
		resp.Checks["engine"] = CheckResult{"fail", "state persistence failed, control loop stopped"}
	default:
		resp.Checks["engine"] = CheckResult{"pass", fmt.Sprintf("%d pending, %d open", len(st.Pending), len(st.Open))}
	}

	switch {
	case st.Degraded:
		resp.Checks["market_data"] = CheckResult{"warn", st.LastError}
	case st.Breaker.State != models.BreakerClosed:
		resp.Checks["market_data"] = CheckResult{"warn", fmt.Sprintf("circuit %s", st.Breaker.State)}
	case st.Breaker.Remaining == 0:
		resp.Checks["market_data"] = CheckResult{"warn", "daily call budget exhausted"}
	default:
		resp.Checks["market_data"] = CheckResult{"pass", fmt.Sprintf("%d calls remaining", st.Breaker.Remaining)}
	}

	if h.db != nil {
		dbh := h.db.Health(ctx)
		if dbh.Healthy {
			resp.Checks["journal"] = CheckResult{"pass", fmt.Sprintf("%dms", dbh.ResponseTimeMS)}
		} else {
			// The journal is an audit copy; losing it does not stop trading.
			resp.Checks["journal"] = CheckResult{"warn", fmt.Sprint(dbh.Errors)}
		}
	}

	resp.Status = overall(resp.Checks)
	return resp
}

func systemInfo() SystemInfo {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		NumGoroutines: runtime.NumGoroutine(),
		MemAlloc:      mem.Alloc,
		NumGC:         mem.NumGC,
	}
}

func overall(checks map[string]CheckResult) string {
	status := "healthy"
	for _, c := range checks {
		switch c.Status {
		case "fail":
			return "unhealthy"
		case "warn":
			status = "degraded"
		}
	}
	return status
}
