package outbox

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/warehouselabs/sortsync/internal/model"
	"github.com/warehouselabs/sortsync/internal/store"
)

func newTestOutbox(t *testing.T) (*Outbox, *store.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logger), st
}

func task(id string, status model.TaskStatus, syncedAt *time.Time) model.Task {
	now := time.Now().UTC()
	return model.Task{
		ID:        id,
		TaskNo:    "ST-" + id,
		Priority:  model.PriorityMedium,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
		SyncedAt:  syncedAt,
	}
}

func TestComputePending(t *testing.T) {
	now := time.Now().UTC()
	tasks := []model.Task{
		task("task-1", model.StatusCompleted, nil),  // pending upload
		task("task-2", model.StatusInProgress, nil), // not finished
		task("task-3", model.StatusCompleted, &now), // already uploaded
		task("task-4", model.StatusPending, nil),
	}
	records := []model.ScanRecord{
		{ID: "rec-1", TaskID: "task-1", IsValid: true},
		{ID: "rec-2", TaskID: "task-2", IsValid: false},
	}

	pending := ComputePending(tasks, records)

	if len(pending.Tasks) != 1 || pending.Tasks[0].ID != "task-1" {
		t.Errorf("pending tasks = %+v, want only task-1", pending.Tasks)
	}
	// Every scan record stays queued until a confirmed batch upload,
	// including invalid ones: they are audit facts.
	if len(pending.ScanRecords) != 2 {
		t.Errorf("pending records = %d, want 2", len(pending.ScanRecords))
	}
	if pending.Count() != 3 {
		t.Errorf("Count() = %d, want 3", pending.Count())
	}
}

func TestRefreshPersistsSnapshot(t *testing.T) {
	ob, st := newTestOutbox(t)
	ctx := context.Background()

	done := task("task-1", model.StatusCompleted, nil)
	if err := st.SaveTask(ctx, &done); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	rec := model.ScanRecord{ID: "rec-1", TaskID: "task-1", ScannedAt: time.Now().UTC(), IsValid: true}
	if err := st.AppendScanRecord(ctx, &rec); err != nil {
		t.Fatalf("AppendScanRecord() error = %v", err)
	}

	count, err := ob.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if count != 2 {
		t.Errorf("Refresh() count = %d, want 2", count)
	}

	// The snapshot must be durable, not just in memory.
	persisted := st.PendingSet(ctx)
	if persisted == nil || persisted.Count() != 2 {
		t.Errorf("persisted snapshot = %+v, want count 2", persisted)
	}
	if got := ob.Count(ctx); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestPendingNeverNil(t *testing.T) {
	ob, _ := newTestOutbox(t)

	pending := ob.Pending(context.Background())
	if pending == nil {
		t.Fatal("Pending() returned nil")
	}
	if !pending.IsEmpty() {
		t.Errorf("fresh outbox Pending() = %+v, want empty", pending)
	}
}

func TestRemoveTask(t *testing.T) {
	ob, st := newTestOutbox(t)
	ctx := context.Background()

	for _, id := range []string{"task-1", "task-2"} {
		done := task(id, model.StatusCompleted, nil)
		if err := st.SaveTask(ctx, &done); err != nil {
			t.Fatalf("SaveTask(%s) error = %v", id, err)
		}
	}
	if _, err := ob.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := ob.RemoveTask(ctx, "task-1"); err != nil {
		t.Fatalf("RemoveTask() error = %v", err)
	}

	// Removed from both the store and the snapshot: a crash between
	// uploads must not re-upload task-1.
	if got := st.TaskByID(ctx, "task-1"); got != nil {
		t.Error("acknowledged task still in store")
	}
	pending := ob.Pending(ctx)
	if len(pending.Tasks) != 1 || pending.Tasks[0].ID != "task-2" {
		t.Errorf("pending after removal = %+v, want only task-2", pending.Tasks)
	}
}

func TestClearScanRecords(t *testing.T) {
	ob, st := newTestOutbox(t)
	ctx := context.Background()

	for _, id := range []string{"rec-1", "rec-2"} {
		rec := model.ScanRecord{ID: id, TaskID: "task-1", ScannedAt: time.Now().UTC()}
		if err := st.AppendScanRecord(ctx, &rec); err != nil {
			t.Fatalf("AppendScanRecord(%s) error = %v", id, err)
		}
	}
	if _, err := ob.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := ob.ClearScanRecords(ctx); err != nil {
		t.Fatalf("ClearScanRecords() error = %v", err)
	}

	if got := st.ScanRecords(ctx); len(got) != 0 {
		t.Errorf("store still holds %d records", len(got))
	}
	if got := ob.Count(ctx); got != 0 {
		t.Errorf("Count() after clear = %d, want 0", got)
	}
}
