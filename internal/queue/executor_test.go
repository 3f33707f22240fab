package queue

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/casepilot/casepilot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

func TestExecuteBatchIsolatesPanickingItems(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	b := createReadyBatch(t, db, "good-1", "boom", "good-2")
	proc := ProcessorFunc(func(ctx context.Context, caseRef string, slot int) error {
		if caseRef == "boom" {
			panic("registration client crashed")
		}
		return nil
	})
	r := newTestRunner(t, db, proc)

	if _, err := r.Enqueue(ctx, b.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Start(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	waitForLoopExit(t, r)

	loaded, err := db.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.BatchPartialCompleted {
		t.Fatalf("status = %q, want partial_completed", loaded.Status)
	}
	if loaded.ProcessedCount != 3 {
		t.Fatalf("processed_count = %d, want 3", loaded.ProcessedCount)
	}

	items, err := db.ListBatchItems(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range items {
		switch item.CaseRef {
		case "boom":
			if item.Status != models.ItemError {
				t.Fatalf("boom status = %q, want error", item.Status)
			}
			if !strings.Contains(item.LastError, "processor panic") {
				t.Fatalf("boom last_error = %q, want panic message", item.LastError)
			}
		default:
			if item.Status != models.ItemCompleted {
				t.Fatalf("%s status = %q, want completed", item.CaseRef, item.Status)
			}
		}
	}
}

func TestExecuteBatchWithNoReadyItemsCompletes(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	// Items already in a terminal state are not re-run.
	batch := &models.Batch{Status: models.BatchReady}
	items := []models.BatchItem{
		{CaseRef: "done-1", Status: models.ItemCompleted},
		{CaseRef: "done-2", Status: models.ItemError},
	}
	if err := db.CreateBatch(ctx, batch, items); err != nil {
		t.Fatal(err)
	}

	var calls int
	var mu sync.Mutex
	proc := ProcessorFunc(func(ctx context.Context, caseRef string, slot int) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	r := newTestRunner(t, db, proc)

	result, err := r.executeBatch(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.processed() != 0 {
		t.Fatalf("processed = %d, want 0", result.processed())
	}
	if calls != 0 {
		t.Fatalf("processor called %d times, want 0", calls)
	}

	loaded, err := db.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.BatchCompleted {
		t.Fatalf("status = %q, want completed", loaded.Status)
	}
	if loaded.ProcessedCount != 0 {
		t.Fatalf("processed_count = %d, want 0", loaded.ProcessedCount)
	}
}

func TestExecuteBatchFailsItemsWithoutCaseRef(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	batch := &models.Batch{Status: models.BatchReady}
	items := []models.BatchItem{
		{CaseRef: "case-1", Status: models.ItemReady},
		{CaseRef: "", Status: models.ItemReady},
	}
	if err := db.CreateBatch(ctx, batch, items); err != nil {
		t.Fatal(err)
	}

	proc := &recordingProcessor{}
	r := newTestRunner(t, db, proc)

	result, err := r.executeBatch(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if result.succeeded != 1 || result.failed != 1 {
		t.Fatalf("result = %d/%d, want 1/1", result.succeeded, result.failed)
	}

	// The blank item never reached the processor.
	for _, ref := range proc.refs() {
		if ref == "" {
			t.Fatal("blank case ref dispatched to processor")
		}
	}

	listed, err := db.ListBatchItems(ctx, batch.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range listed {
		if item.CaseRef == "" {
			if item.Status != models.ItemError || item.LastError != "case reference missing" {
				t.Fatalf("blank item = %q/%q", item.Status, item.LastError)
			}
		}
	}
}

func TestExecuteBatchBoundsWorkerSlots(t *testing.T) {
	db, _ := openTestDB(t)
	ctx := context.Background()

	refs := make([]string, 12)
	for i := range refs {
		refs[i] = "case-" + string(rune('a'+i))
	}
	b := createReadyBatch(t, db, refs...)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	proc := ProcessorFunc(func(ctx context.Context, caseRef string, slot int) error {
		if slot < 0 || slot >= 3 {
			t.Errorf("slot %d out of range", slot)
		}
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		return nil
	})
	r := NewRunner(db, proc, Options{Workers: 3, LeaseKey: 555, Logger: discardLogger(), Registerer: prometheus.NewRegistry()})

	result, err := r.executeBatch(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if result.processed() != len(refs) {
		t.Fatalf("processed = %d, want %d", result.processed(), len(refs))
	}
	if peak > 3 {
		t.Fatalf("peak concurrency %d exceeds 3 workers", peak)
	}

	loaded, err := db.GetBatch(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != models.BatchCompleted {
		t.Fatalf("status = %q, want completed", loaded.Status)
	}
}
