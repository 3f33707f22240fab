package models

import "time"

type BatchStatus string

const (
	BatchPending          BatchStatus = "pending"
	BatchExtracting       BatchStatus = "extracting"
	BatchReady            BatchStatus = "ready"
	BatchQueued           BatchStatus = "queued"
	BatchRunning          BatchStatus = "running"
	BatchCompleted        BatchStatus = "completed"
	BatchPartialCompleted BatchStatus = "partial_completed"
	BatchError            BatchStatus = "error"
)

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemReady     ItemStatus = "ready"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemError     ItemStatus = "error"
)

// Batch is a group of case-registration work items submitted together.
// QueuePosition is nil unless the batch is waiting in the global queue;
// positions are unique and contiguous (1..N) across all queued batches.
type Batch struct {
	ID             int64       `json:"id"`
	Reference      string      `json:"reference"`
	Status         BatchStatus `json:"status"`
	QueuePosition  *int        `json:"queue_position,omitempty"`
	TotalCount     int         `json:"total_count"`
	ProcessedCount int         `json:"processed_count"`
	QueuedAt       *time.Time  `json:"queued_at,omitempty"`
	QueuedBy       string      `json:"queued_by,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// BatchItem is one unit of work inside a batch. CaseRef points at the
// case to register; an empty CaseRef means the item can never execute.
type BatchItem struct {
	ID         int64      `json:"id"`
	BatchID    int64      `json:"batch_id"`
	CaseRef    string     `json:"case_ref"`
	Status     ItemStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ItemStatusCounts holds live per-status item counts for one batch.
type ItemStatusCounts struct {
	Ready     int `json:"ready"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
}

// QueuedBatchView is one row of the runner status view: a queued batch
// with its position and live item counts.
type QueuedBatchView struct {
	ID            int64       `json:"id"`
	Reference     string      `json:"reference"`
	QueuePosition int         `json:"queue_position"`
	Status        BatchStatus `json:"status"`
	Total         int         `json:"total"`
	Ready         int         `json:"ready"`
	Running       int         `json:"running"`
	Completed     int         `json:"completed"`
	Error         int         `json:"error"`
	IsCurrent     bool        `json:"is_current"`
}

// RunnerStats is the in-memory counters snapshot for the current (or most
// recent) run of the queue loop. It is process-local and resets on Start.
type RunnerStats struct {
	BatchesCompleted int        `json:"batches_completed"`
	BatchesFailed    int        `json:"batches_failed"`
	ItemsCompleted   int        `json:"items_completed"`
	ItemsFailed      int        `json:"items_failed"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	LastUpdate       *time.Time `json:"last_update,omitempty"`
}
