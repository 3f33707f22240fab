package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/casepilot/casepilot/internal/models"
	"golang.org/x/sync/semaphore"
)

type batchResult struct {
	succeeded int
	failed    int
}

func (b batchResult) processed() int { return b.succeeded + b.failed }

// executeBatch runs every ready item of the batch through the worker pool
// and persists the aggregate outcome. Item failures never abort siblings;
// only store failures around the batch itself are returned as errors.
func (r *Runner) executeBatch(ctx context.Context, batch *models.Batch) (batchResult, error) {
	var result batchResult

	if err := r.db.StartBatchRun(ctx, batch.ID); err != nil {
		return result, fmt.Errorf("start batch run: %w", err)
	}

	items, err := r.db.ListReadyItems(ctx, batch.ID)
	if err != nil {
		return result, fmt.Errorf("list ready items: %w", err)
	}

	if len(items) == 0 {
		if err := r.db.FinishBatchRun(ctx, batch.ID, models.BatchCompleted, 0); err != nil {
			return result, fmt.Errorf("finish empty batch: %w", err)
		}
		r.logger.Info("batch had no ready items", "batch_id", batch.ID)
		return result, nil
	}

	// Items without a case reference can never execute; fail them up front
	// without consuming a worker slot.
	runnable := make([]models.BatchItem, 0, len(items))
	var succeeded, failed atomic.Int64
	for _, item := range items {
		if item.CaseRef == "" {
			if err := r.db.FinishItem(ctx, item.ID, models.ItemError, "case reference missing"); err != nil {
				r.logger.Error("fail invalid item", "item_id", item.ID, "error", err)
			}
			r.recordItemDone(ctx, batch.ID, false)
			failed.Add(1)
			continue
		}
		runnable = append(runnable, item)
	}

	r.logger.Info("dispatching batch items", "batch_id", batch.ID, "items", len(runnable), "workers", r.workers)

	sem := semaphore.NewWeighted(int64(r.workers))
	var wg sync.WaitGroup
	for idx, item := range runnable {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Only possible if ctx is cancelled; count the item as failed
			// rather than leaving it untracked.
			if dbErr := r.db.FinishItem(ctx, item.ID, models.ItemError, err.Error()); dbErr != nil {
				r.logger.Error("fail undispatched item", "item_id", item.ID, "error", dbErr)
			}
			r.recordItemDone(ctx, batch.ID, false)
			failed.Add(1)
			continue
		}
		wg.Add(1)
		go func(slot int, item models.BatchItem) {
			defer wg.Done()
			defer sem.Release(1)
			if r.executeItem(ctx, batch.ID, item, slot) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
		}(idx%r.workers, item)
	}
	wg.Wait()

	result.succeeded = int(succeeded.Load())
	result.failed = int(failed.Load())

	status := models.BatchCompleted
	if result.failed > 0 {
		status = models.BatchPartialCompleted
	}
	if err := r.db.FinishBatchRun(ctx, batch.ID, status, result.processed()); err != nil {
		return result, fmt.Errorf("finish batch run: %w", err)
	}

	r.logger.Info("batch finished",
		"batch_id", batch.ID,
		"status", status,
		"succeeded", result.succeeded,
		"failed", result.failed)
	return result, nil
}

// executeItem runs one item on a worker slot and records its terminal state.
// Returns true on success. A panic escaping the processor is contained here
// and treated as an item failure.
func (r *Runner) executeItem(ctx context.Context, batchID int64, item models.BatchItem, slot int) bool {
	if err := r.db.MarkItemRunning(ctx, item.ID); err != nil {
		r.logger.Error("mark item running", "item_id", item.ID, "error", err)
	}

	err := r.safeExecute(ctx, item.CaseRef, slot)

	if err != nil {
		if dbErr := r.db.FinishItem(ctx, item.ID, models.ItemError, err.Error()); dbErr != nil {
			r.logger.Error("record item failure", "item_id", item.ID, "error", dbErr)
		}
		r.recordItemDone(ctx, batchID, false)
		r.logger.Warn("item failed", "item_id", item.ID, "slot", slot, "error", err)
		return false
	}

	if dbErr := r.db.FinishItem(ctx, item.ID, models.ItemCompleted, ""); dbErr != nil {
		r.logger.Error("record item success", "item_id", item.ID, "error", dbErr)
	}
	r.recordItemDone(ctx, batchID, true)
	return true
}

func (r *Runner) safeExecute(ctx context.Context, caseRef string, slot int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("processor panic: %v", p)
		}
	}()
	return r.proc.Execute(ctx, caseRef, slot)
}

// recordItemDone bumps the live progress counter on the batch and the item
// metrics. Progress is written per item so observers polling Status see the
// batch advance, not just the final snapshot.
func (r *Runner) recordItemDone(ctx context.Context, batchID int64, ok bool) {
	if err := r.db.IncrementBatchProcessed(ctx, batchID); err != nil {
		r.logger.Error("increment processed count", "batch_id", batchID, "error", err)
	}
	if ok {
		r.metrics.itemsTotal.WithLabelValues("completed").Inc()
	} else {
		r.metrics.itemsTotal.WithLabelValues("error").Inc()
	}
}
