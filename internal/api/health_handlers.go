package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/casepilot/casepilot/internal/database"
)

type queueStatsProvider interface {
	QueueStats(ctx context.Context) (database.QueueStats, error)
}

type dbStatsProvider interface {
	DBStats() sql.DBStats
}

type healthResponse struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Runner    healthRunner   `json:"runner"`
	Queue     healthQueue    `json:"queue"`
	Database  healthDatabase `json:"database"`
	Errors    []string       `json:"errors,omitempty"`
}

type healthRunner struct {
	Running       bool `json:"running"`
	StopRequested bool `json:"stop_requested"`
}

type healthQueue struct {
	Depth                  int64   `json:"depth"`
	PendingItems           int64   `json:"pending_items"`
	RunningBatches         int64   `json:"running_batches"`
	OldestQueuedAgeSeconds float64 `json:"oldest_queued_age_seconds"`
}

type healthDatabase struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}

	runnerStatus := s.runner.Status(r.Context())
	resp.Runner = healthRunner{
		Running:       runnerStatus.Running,
		StopRequested: runnerStatus.StopRequested,
	}
	if runnerStatus.StoreError != "" {
		resp.Errors = append(resp.Errors, "queue_status")
	}

	if provider, ok := s.db.(queueStatsProvider); ok {
		stats, err := provider.QueueStats(r.Context())
		if err != nil {
			resp.Errors = append(resp.Errors, "queue_stats")
		} else {
			resp.Queue.Depth = stats.QueuedBatches
			resp.Queue.PendingItems = stats.PendingItems
			resp.Queue.RunningBatches = stats.RunningBatches
			if stats.OldestQueuedAt != nil {
				age := time.Since(stats.OldestQueuedAt.UTC()).Seconds()
				if age < 0 {
					age = 0
				}
				resp.Queue.OldestQueuedAgeSeconds = age
			}
		}
	}

	if provider, ok := s.db.(dbStatsProvider); ok {
		stats := provider.DBStats()
		resp.Database = healthDatabase{
			OpenConnections: stats.OpenConnections,
			InUse:           stats.InUse,
			Idle:            stats.Idle,
			WaitCount:       stats.WaitCount,
			WaitDurationMS:  stats.WaitDuration.Milliseconds(),
		}
	}

	if len(resp.Errors) > 0 {
		resp.Status = "degraded"
		jsonResponse(w, http.StatusServiceUnavailable, resp)
		return
	}
	jsonResponse(w, http.StatusOK, resp)
}
