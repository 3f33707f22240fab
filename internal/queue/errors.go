package queue

import "errors"

// Operation errors returned to callers. All are validation or coordination
// failures surfaced synchronously; none leaves partial state behind.
var (
	ErrBatchNotFound    = errors.New("batch not found")
	ErrAlreadyQueued    = errors.New("batch is already queued")
	ErrNoEligibleItems  = errors.New("batch has no ready items")
	ErrNotQueued        = errors.New("batch is not queued")
	ErrBatchInUse       = errors.New("batch is currently being processed")
	ErrAlreadyRunning   = errors.New("queue runner is already running in this process")
	ErrLeaseUnavailable = errors.New("queue is being processed by another worker")
	ErrQueueEmpty       = errors.New("no batches queued for processing")
	ErrNotRunning       = errors.New("queue runner is not running")
)
