package database

import (
	"context"

	"github.com/casepilot/casepilot/internal/models"
)

// DB defines the data access interface. Implemented by SQLite and PostgreSQL backends.
//
// Queue positions and batch/item statuses live here and nowhere else; every
// mutation is a discrete committed transaction so that concurrent service
// processes observe a consistent queue.
type DB interface {
	Close() error
	Migrate(ctx context.Context) error

	// Batches
	CreateBatch(ctx context.Context, batch *models.Batch, items []models.BatchItem) error
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	GetBatchByReference(ctx context.Context, reference string) (*models.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]models.Batch, error)
	StartBatchRun(ctx context.Context, id int64) error
	FinishBatchRun(ctx context.Context, id int64, status models.BatchStatus, processed int) error
	SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus) error
	IncrementBatchProcessed(ctx context.Context, id int64) error

	// Items
	ListBatchItems(ctx context.Context, batchID int64) ([]models.BatchItem, error)
	ListReadyItems(ctx context.Context, batchID int64) ([]models.BatchItem, error)
	CountReadyItems(ctx context.Context, batchID int64) (int, error)
	MarkItemRunning(ctx context.Context, itemID int64) error
	FinishItem(ctx context.Context, itemID int64, status models.ItemStatus, lastError string) error
	ItemStatusCounts(ctx context.Context, batchID int64) (models.ItemStatusCounts, error)

	// Queue ordering. AssignQueuePosition appends the batch at the tail
	// (max position + 1). RemoveFromQueue and ClearQueuePosition both shift
	// every higher position down by one so positions stay contiguous;
	// RemoveFromQueue additionally resets the batch to ready (manual
	// dequeue), while ClearQueuePosition preserves the terminal status set
	// by the loop. Both return sql.ErrNoRows when the batch is not queued.
	AssignQueuePosition(ctx context.Context, batchID int64, actor string) (int, error)
	RemoveFromQueue(ctx context.Context, batchID int64) error
	ClearQueuePosition(ctx context.Context, batchID int64) error
	NextQueuedBatch(ctx context.Context) (*models.Batch, error)
	ListQueuedBatches(ctx context.Context) ([]models.Batch, error)
	CountQueuedBatches(ctx context.Context) (int, error)

	// Scheduler lease: fleet-wide mutual exclusion keyed by one fixed
	// identifier. TryAcquireLease never blocks; ReleaseLease is idempotent
	// and safe to call when the lease was never held.
	TryAcquireLease(ctx context.Context, key int64) (bool, error)
	ReleaseLease(ctx context.Context, key int64) error
}
