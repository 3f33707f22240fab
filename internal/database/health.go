package database

import "time"

// QueueStats summarizes global queue state for health and observability endpoints.
type QueueStats struct {
	QueuedBatches  int64      `json:"queued_batches"`
	PendingItems   int64      `json:"pending_items"`
	RunningBatches int64      `json:"running_batches"`
	OldestQueuedAt *time.Time `json:"oldest_queued_at,omitempty"`
}
