package queue

import (
	"context"

	"github.com/casepilot/casepilot/internal/models"
)

// Status is the live view of the global queue: the local runner flags, every
// queued batch in position order with per-status item counts recomputed from
// the store, and the in-memory stats snapshot.
type Status struct {
	Running           bool                     `json:"running"`
	StopRequested     bool                     `json:"stop_requested"`
	CurrentBatchID    int64                    `json:"current_batch_id,omitempty"`
	QueuedBatches     []models.QueuedBatchView `json:"queued_batches"`
	TotalQueued       int                      `json:"total_queued"`
	TotalPendingItems int                      `json:"total_pending_items"`
	Stats             models.RunnerStats       `json:"stats"`
	StoreError        string                   `json:"store_error,omitempty"`
}

// Status composes the queue view. It is read-only and best-effort: a store
// failure is reported inline instead of being returned, so callers always
// get at least the local runner flags.
func (r *Runner) Status(ctx context.Context) Status {
	r.mu.Lock()
	status := Status{
		Running:        r.running,
		StopRequested:  r.stopRequested,
		CurrentBatchID: r.currentBatchID,
		Stats:          r.stats,
	}
	r.mu.Unlock()

	batches, err := r.db.ListQueuedBatches(ctx)
	if err != nil {
		status.StoreError = err.Error()
		return status
	}

	views := make([]models.QueuedBatchView, 0, len(batches))
	for _, batch := range batches {
		counts, err := r.db.ItemStatusCounts(ctx, batch.ID)
		if err != nil {
			status.StoreError = err.Error()
			return status
		}
		position := 0
		if batch.QueuePosition != nil {
			position = *batch.QueuePosition
		}
		view := models.QueuedBatchView{
			ID:            batch.ID,
			Reference:     batch.Reference,
			QueuePosition: position,
			Status:        batch.Status,
			Total:         batch.TotalCount,
			Ready:         counts.Ready,
			Running:       counts.Running,
			Completed:     counts.Completed,
			Error:         counts.Error,
			IsCurrent:     batch.ID == status.CurrentBatchID,
		}
		views = append(views, view)
		if batch.Status == models.BatchQueued || batch.Status == models.BatchReady {
			status.TotalPendingItems += counts.Ready
		}
	}

	status.QueuedBatches = views
	status.TotalQueued = len(views)
	return status
}
