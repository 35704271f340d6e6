package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kon-rad/tviz"
)

type StatsProvider interface {
	Stats(ctx context.Context) (tviz.StoreStats, error)
}

type HealthResponse struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Version       string   `json:"version"`
	DBStatus      string   `json:"db_status"`
	DBSizeBytes   int64    `json:"db_size_bytes"`
	WALSizeBytes  int64    `json:"wal_size_bytes"`
	OpenRuns      int      `json:"open_runs"`
	Runs          int64    `json:"runs"`
	Steps         int64    `json:"steps"`
	Rollouts      int64    `json:"rollouts"`
	Trajectories  int64    `json:"trajectories"`
	GeneratedAt   string   `json:"generated_at"`
	Warnings      []string `json:"warnings,omitempty"`
}

type HealthHandler struct {
	stats     StatsProvider
	startTime time.Time
	version   string
	openRuns  func() int
}

func NewHealthHandler(stats StatsProvider, start time.Time, version string, openRuns func() int) *HealthHandler {
	return &HealthHandler{
		stats:     stats,
		startTime: start,
		version:   version,
		openRuns:  openRuns,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Stats(r.Context())

	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Version:       h.version,
		DBStatus:      stats.Status,
		DBSizeBytes:   stats.SizeBytes,
		WALSizeBytes:  stats.WALSizeBytes,
		Runs:          stats.Runs,
		Steps:         stats.Steps,
		Rollouts:      stats.Rollouts,
		Trajectories:  stats.Trajectories,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if h.openRuns != nil {
		resp.OpenRuns = h.openRuns()
	}

	if err != nil {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "row_counts_unavailable")
	}
	if resp.DBStatus != "ok" {
		resp.Status = "degraded"
	}

	respondJSON(w, http.StatusOK, resp)
}
