package queue

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/casepilot/casepilot/internal/database"
	"github.com/casepilot/casepilot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Processor executes one work item to completion and reports the outcome.
// Implementations must be safe for concurrent use: the runner calls Execute
// from up to Workers goroutines at once, each with a distinct slot id.
type Processor interface {
	Execute(ctx context.Context, caseRef string, slot int) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, caseRef string, slot int) error

func (f ProcessorFunc) Execute(ctx context.Context, caseRef string, slot int) error {
	return f(ctx, caseRef, slot)
}

const (
	defaultWorkers  = 5
	defaultLeaseKey = 999999
)

type Options struct {
	Workers    int
	LeaseKey   int64
	BatchPause time.Duration // pause between batches; 0 disables
	Logger     *slog.Logger
	Registerer prometheus.Registerer // nil uses the default registry
}

// Runner sequences queued batches and fans each one out to a bounded pool
// of item workers. One Runner is constructed per process at startup; the
// database lease guarantees that at most one process in the fleet has an
// active loop, so in-memory state here is only ever authoritative for the
// lease-holding process.
type Runner struct {
	db         database.DB
	proc       Processor
	workers    int
	leaseKey   int64
	batchPause time.Duration
	logger     *slog.Logger
	metrics    *runnerMetrics

	mu             sync.Mutex
	running        bool
	stopRequested  bool
	currentBatchID int64
	stats          models.RunnerStats
	done           chan struct{}
}

func NewRunner(db database.DB, proc Processor, opts Options) *Runner {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	leaseKey := opts.LeaseKey
	if leaseKey == 0 {
		leaseKey = defaultLeaseKey
	}
	batchPause := opts.BatchPause
	if batchPause < 0 {
		batchPause = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics *runnerMetrics
	if opts.Registerer != nil {
		metrics = newRunnerMetrics(opts.Registerer)
	} else {
		metrics = getDefaultRunnerMetrics()
	}
	return &Runner{
		db:         db,
		proc:       proc,
		workers:    workers,
		leaseKey:   leaseKey,
		batchPause: batchPause,
		logger:     logger,
		metrics:    metrics,
	}
}

// Enqueue appends the batch at the tail of the global queue and returns its
// position.
func (r *Runner) Enqueue(ctx context.Context, batchID int64, actor string) (int, error) {
	batch, err := r.db.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrBatchNotFound
		}
		return 0, err
	}
	if batch.QueuePosition != nil {
		return 0, ErrAlreadyQueued
	}

	ready, err := r.db.CountReadyItems(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if ready == 0 {
		return 0, ErrNoEligibleItems
	}

	position, err := r.db.AssignQueuePosition(ctx, batchID, actor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Lost a race with a concurrent enqueue of the same batch.
			return 0, ErrAlreadyQueued
		}
		return 0, err
	}

	r.refreshQueueDepth(ctx)
	r.logger.Info("batch enqueued", "batch_id", batchID, "position", position, "actor", actor)
	return position, nil
}

// Dequeue removes a waiting batch from the queue. The batch currently being
// executed by the loop cannot be removed.
func (r *Runner) Dequeue(ctx context.Context, batchID int64) error {
	batch, err := r.db.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBatchNotFound
		}
		return err
	}
	if batch.QueuePosition == nil {
		return ErrNotQueued
	}

	r.mu.Lock()
	inUse := r.running && r.currentBatchID == batchID
	r.mu.Unlock()
	if inUse {
		return ErrBatchInUse
	}

	if err := r.db.RemoveFromQueue(ctx, batchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotQueued
		}
		return err
	}

	r.refreshQueueDepth(ctx)
	r.logger.Info("batch dequeued", "batch_id", batchID, "position", *batch.QueuePosition)
	return nil
}

// Start acquires the fleet-wide lease and spawns the scheduling loop. It
// returns the number of queued batches without waiting for any of them; the
// caller observes progress through Status.
func (r *Runner) Start(ctx context.Context, actor string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return 0, ErrAlreadyRunning
	}

	acquired, err := r.db.TryAcquireLease(ctx, r.leaseKey)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, ErrLeaseUnavailable
	}

	queued, err := r.db.CountQueuedBatches(ctx)
	if err != nil {
		r.releaseLease()
		return 0, err
	}
	if queued == 0 {
		r.releaseLease()
		return 0, ErrQueueEmpty
	}

	now := time.Now().UTC()
	r.stats = models.RunnerStats{StartedAt: &now}
	r.running = true
	r.stopRequested = false
	r.currentBatchID = 0
	r.done = make(chan struct{})

	go r.runLoop(r.done)

	r.logger.Info("queue processing started", "actor", actor, "queued_batches", queued)
	return queued, nil
}

// Stop requests a cooperative stop. The batch being executed is never
// interrupted; the loop exits before picking the next one.
func (r *Runner) Stop() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return 0, ErrNotRunning
	}
	r.stopRequested = true
	r.logger.Info("queue stop requested", "current_batch_id", r.currentBatchID)
	return r.currentBatchID, nil
}

// Shutdown requests a stop and waits for the loop to finish the batch in
// flight and exit. It is a no-op when the loop is not running.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.stopRequested = true
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runLoop(done chan struct{}) {
	// The loop outlives the Start request, so it runs on its own context.
	ctx := context.Background()
	defer close(done)

	r.logger.Info("queue loop started")

	defer func() {
		r.mu.Lock()
		r.running = false
		r.currentBatchID = 0
		r.stopRequested = false
		completed := r.stats.BatchesCompleted
		failed := r.stats.BatchesFailed
		r.mu.Unlock()

		r.releaseLease()
		r.logger.Info("queue loop finished", "batches_completed", completed, "batches_failed", failed)
	}()

	for {
		if r.stopping() {
			r.logger.Info("queue loop stopping on request")
			return
		}

		batch, err := r.db.NextQueuedBatch(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				r.logger.Info("queue empty, loop exiting")
				return
			}
			// A store failure here is fatal for this run; the queue itself
			// is left intact so a later Start resumes from the same point.
			r.logger.Error("queue loop fatal error", "error", err)
			return
		}

		r.setCurrentBatch(batch.ID)
		position := 0
		if batch.QueuePosition != nil {
			position = *batch.QueuePosition
		}
		r.logger.Info("processing batch", "batch_id", batch.ID, "position", position)

		started := time.Now()
		result, execErr := r.executeBatch(ctx, batch)
		r.metrics.batchDuration.Observe(time.Since(started).Seconds())

		r.mu.Lock()
		if execErr != nil {
			r.stats.BatchesFailed++
		} else {
			r.stats.BatchesCompleted++
			r.stats.ItemsCompleted += result.succeeded
			r.stats.ItemsFailed += result.failed
		}
		now := time.Now().UTC()
		r.stats.LastUpdate = &now
		r.mu.Unlock()

		if execErr != nil {
			r.metrics.batchesTotal.WithLabelValues("error").Inc()
			r.logger.Error("batch execution failed", "batch_id", batch.ID, "error", execErr)
			if err := r.db.FinishBatchRun(ctx, batch.ID, models.BatchError, result.processed()); err != nil {
				r.logger.Error("mark batch error failed", "batch_id", batch.ID, "error", err)
			}
		} else if result.failed > 0 {
			r.metrics.batchesTotal.WithLabelValues("partial_completed").Inc()
		} else {
			r.metrics.batchesTotal.WithLabelValues("completed").Inc()
		}

		if err := r.db.ClearQueuePosition(ctx, batch.ID); err != nil && !errors.Is(err, sql.ErrNoRows) {
			r.logger.Error("dequeue after processing failed", "batch_id", batch.ID, "error", err)
		}
		r.setCurrentBatch(0)
		r.refreshQueueDepth(ctx)

		if r.batchPause > 0 {
			time.Sleep(r.batchPause)
		}
	}
}

func (r *Runner) stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *Runner) setCurrentBatch(id int64) {
	r.mu.Lock()
	r.currentBatchID = id
	r.mu.Unlock()
}

func (r *Runner) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.ReleaseLease(ctx, r.leaseKey); err != nil {
		r.logger.Error("release scheduler lease failed", "error", err)
	}
}

func (r *Runner) refreshQueueDepth(ctx context.Context) {
	count, err := r.db.CountQueuedBatches(ctx)
	if err != nil {
		return
	}
	r.metrics.queueDepth.Set(float64(count))
}
