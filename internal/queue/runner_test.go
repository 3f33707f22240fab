package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/casepilot/casepilot/internal/database"
	"github.com/casepilot/casepilot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

func openTestDB(t *testing.T) (*database.SQLiteDB, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	return db, dbPath
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, db database.DB, proc Processor) *Runner {
	t.Helper()
	return NewRunner(db, proc, Options{
		Workers:    2,
		LeaseKey:   555,
		Logger:     discardLogger(),
		Registerer: prometheus.NewRegistry(),
	})
}

func createReadyBatch(t *testing.T, db database.DB, refs ...string) *models.Batch {
	t.Helper()
	items := make([]models.BatchItem, len(refs))
	for i, ref := range refs {
		items[i] = models.BatchItem{CaseRef: ref, Status: models.ItemReady}
	}
	batch := &models.Batch{Status: models.BatchReady}
	if err := db.CreateBatch(context.Background(), batch, items); err != nil {
		t.Fatal(err)
	}
	return batch
}

func waitForLoopExit(t *testing.T, r *Runner) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Status(context.Background()).Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for queue loop to exit")
}

func waitForLeaseFree(t *testing.T, db database.DB, key int64) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ok, err := db.TryAcquireLease(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			if err := db.ReleaseLease(ctx, key); err != nil {
				t.Fatal(err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for lease release")
}

// recordingProcessor remembers every executed case ref in completion order
// and fails the refs it was told to fail.
type recordingProcessor struct {
	mu       sync.Mutex
	executed []string
	failRefs map[string]bool
}

func (p *recordingProcessor) Execute(ctx context.Context, caseRef string, slot int) error {
	p.mu.Lock()
	p.executed = append(p.executed, caseRef)
	fail := p.failRefs[caseRef]
	p.mu.Unlock()
	if fail {
		return fmt.Errorf("registration rejected for %s", caseRef)
	}
	return nil
}

func (p *recordingProcessor) refs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.executed...)
}

// blockingProcessor blocks every execution until released.
type blockingProcessor struct {
	started  chan string
	release  chan struct{}
	executed sync.Map
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (p *blockingProcessor) Execute(ctx context.Context, caseRef string, slot int) error {
	p.executed.Store(caseRef, true)
	p.started <- caseRef
	<-p.release
	return nil
}

func TestStartProcessesBatchesInPositionOrder(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	x := createReadyBatch(t, db, "x-1", "x-2", "x-3")
	y := createReadyBatch(t, db, "y-1", "y-2")

	proc := &recordingProcessor{failRefs: map[string]bool{"x-2": true}}
	r := newTestRunner(t, db, proc)

	if pos, err := r.Enqueue(ctx, x.ID, "alice"); err != nil || pos != 1 {
		t.Fatalf("enqueue x: pos=%d err=%v", pos, err)
	}
	if pos, err := r.Enqueue(ctx, y.ID, "alice"); err != nil || pos != 2 {
		t.Fatalf("enqueue y: pos=%d err=%v", pos, err)
	}

	queued, err := r.Start(ctx, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if queued != 2 {
		t.Fatalf("queued_count = %d, want 2", queued)
	}
	waitForLoopExit(t, r)

	// Batch X: one failure out of three.
	loadedX, err := db.GetBatch(ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loadedX.Status != models.BatchPartialCompleted {
		t.Fatalf("x status = %q, want partial_completed", loadedX.Status)
	}
	if loadedX.ProcessedCount != 3 {
		t.Fatalf("x processed_count = %d, want 3", loadedX.ProcessedCount)
	}
	if loadedX.QueuePosition != nil {
		t.Fatal("x still queued after processing")
	}
	if loadedX.StartedAt == nil || loadedX.FinishedAt == nil {
		t.Fatal("x missing started_at/finished_at")
	}

	// Batch Y: clean completion.
	loadedY, err := db.GetBatch(ctx, y.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loadedY.Status != models.BatchCompleted {
		t.Fatalf("y status = %q, want completed", loadedY.Status)
	}
	if loadedY.ProcessedCount != 2 {
		t.Fatalf("y processed_count = %d, want 2", loadedY.ProcessedCount)
	}

	// All of X executed before any of Y.
	refs := proc.refs()
	if len(refs) != 5 {
		t.Fatalf("executed %d items, want 5", len(refs))
	}
	seenY := false
	for _, ref := range refs {
		if ref[0] == 'y' {
			seenY = true
		} else if seenY {
			t.Fatalf("x item executed after y started: %v", refs)
		}
	}

	status := r.Status(ctx)
	if status.Running {
		t.Fatal("runner still running")
	}
	if status.Stats.BatchesCompleted != 2 {
		t.Fatalf("batches_completed = %d, want 2", status.Stats.BatchesCompleted)
	}
	if status.Stats.ItemsCompleted != 4 || status.Stats.ItemsFailed != 1 {
		t.Fatalf("item stats = %d/%d, want 4/1", status.Stats.ItemsCompleted, status.Stats.ItemsFailed)
	}
	if status.TotalQueued != 0 {
		t.Fatalf("total_queued = %d, want 0", status.TotalQueued)
	}

	waitForLeaseFree(t, db, 555)
}

func TestStartFailsWhenLeaseHeldElsewhere(t *testing.T) {
	db, dbPath := openTestDB(t)
	ctx := context.Background()

	b := createReadyBatch(t, db, "case-1")
	r := newTestRunner(t, db, &recordingProcessor{})
	if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	// Another process holds the lease.
	other, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = other.Close() })
	ok, err := other.TryAcquireLease(ctx, 555)
	if err != nil || !ok {
		t.Fatalf("other acquire: ok=%v err=%v", ok, err)
	}

	if _, err := r.Start(ctx, "alice"); err != ErrLeaseUnavailable {
		t.Fatalf("err = %v, want ErrLeaseUnavailable", err)
	}

	status := r.Status(ctx)
	if status.Running {
		t.Fatal("runner must stay idle when the lease is unavailable")
	}
	loaded, err := db.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.BatchQueued || loaded.QueuePosition == nil {
		t.Fatalf("queued batch mutated: %+v", loaded)
	}
}

func TestStartFailsOnEmptyQueueAndReleasesLease(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	r := newTestRunner(t, db, &recordingProcessor{})
	if _, err := r.Start(ctx, "alice"); err != ErrQueueEmpty {
		t.Fatalf("err = %v, want ErrQueueEmpty", err)
	}
	waitForLeaseFree(t, db, 555)
}

func TestStartFailsWhenAlreadyRunningLocally(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	b := createReadyBatch(t, db, "case-1")
	proc := newBlockingProcessor()
	r := newTestRunner(t, db, proc)
	if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	<-proc.started

	if _, err := r.Start(ctx, "bob"); err != ErrAlreadyRunning {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}

	close(proc.release)
	waitForLoopExit(t, r)
}

func TestStopIsCooperativeAndNonPreemptive(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	x := createReadyBatch(t, db, "x-1")
	y := createReadyBatch(t, db, "y-1")
	proc := newBlockingProcessor()
	r := newTestRunner(t, db, proc)

	for _, b := range []*models.Batch{x, y} {
		if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	<-proc.started

	current, err := r.Stop()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if current != x.ID {
		t.Fatalf("current_batch_id = %d, want %d", current, x.ID)
	}

	// The in-flight batch runs to completion.
	close(proc.release)
	waitForLoopExit(t, r)

	loadedX, err := db.GetBatch(ctx, x.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loadedX.Status != models.BatchCompleted || loadedX.ProcessedCount != 1 {
		t.Fatalf("x = %q/%d, want completed/1", loadedX.Status, loadedX.ProcessedCount)
	}

	// The next batch was never started and moved up to position 1.
	if _, executed := proc.executed.Load("y-1"); executed {
		t.Fatal("y-1 executed despite stop request")
	}
	loadedY, err := db.GetBatch(ctx, y.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loadedY.QueuePosition == nil || *loadedY.QueuePosition != 1 {
		t.Fatalf("y queue_position = %v, want 1", loadedY.QueuePosition)
	}
	if loadedY.Status != models.BatchQueued {
		t.Fatalf("y status = %q, want queued", loadedY.Status)
	}

	waitForLeaseFree(t, db, 555)
}

func TestStopWhenNotRunning(t *testing.T) {
	db, _ := openTestDB(t)
	r := newTestRunner(t, db, &recordingProcessor{})
	if _, err := r.Stop(); err != ErrNotRunning {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestDequeueRejectsCurrentlyRunningBatch(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	x := createReadyBatch(t, db, "x-1")
	y := createReadyBatch(t, db, "y-1")
	proc := newBlockingProcessor()
	r := newTestRunner(t, db, proc)

	for _, b := range []*models.Batch{x, y} {
		if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	<-proc.started

	if err := r.Dequeue(ctx, x.ID); err != ErrBatchInUse {
		t.Fatalf("err = %v, want ErrBatchInUse", err)
	}

	// A batch that is merely waiting can still be removed.
	if err := r.Dequeue(ctx, y.ID); err != nil {
		t.Fatalf("dequeue y: %v", err)
	}

	close(proc.release)
	waitForLoopExit(t, r)
}

func TestStatusReportsStoreErrorInline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.OpenSQLite(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := newTestRunner(t, db, &recordingProcessor{})

	// A closed store must degrade the view, not crash it.
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}
	status := r.Status(context.Background())
	if status.StoreError == "" {
		t.Fatal("expected store_error to be reported")
	}
	if status.Running {
		t.Fatal("local flags must still be reported")
	}
}

func TestShutdownWaitsForLoopExit(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	b := createReadyBatch(t, db, "case-1")
	proc := newBlockingProcessor()
	r := newTestRunner(t, db, proc)
	if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	<-proc.started
	close(proc.release)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if r.Status(ctx).Running {
		t.Fatal("runner still running after shutdown")
	}
	waitForLeaseFree(t, db, 555)
}
