// Package scan implements the task and scan state machine: applying a
// scanned code to a task's items, deriving item and task status, and
// durably recording the outcome.
//
// Mutations are serialized per task id: two concurrent scans against the
// same task never interleave their read-modify-write of sortedQuantity.
// Every invocation, valid or not, persists its scan record before
// returning; the task is persisted whenever it changed.
package scan

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warehouselabs/sortsync/internal/event"
	"github.com/warehouselabs/sortsync/internal/model"
	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/store"
)

// Reasons recorded on invalid scan records.
const (
	ReasonNoMatchingItem = "barcode does not match any item"
	ReasonItemComplete   = "item already fully sorted"
)

// ValidationError marks a scan rejected by the state machine. It is never
// retried and never blocks the task; the rejection is itself recorded as an
// invalid scan record.
type ValidationError struct {
	Barcode string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scan %q rejected: %s", e.Barcode, e.Reason)
}

// ItemUpdate is a partial edit to an item. Nil fields are left unchanged.
type ItemUpdate struct {
	ProductName *string
	Location    *string
	Notes       *string
}

// Event describes the outcome of one applied scan, published to observers
// after the outcome has been durably recorded.
type Event struct {
	TaskID    string    `json:"taskId"`
	ItemID    string    `json:"itemId,omitempty"`
	Barcode   string    `json:"barcode"`
	IsValid   bool      `json:"isValid"`
	Reason    string    `json:"reason,omitempty"`
	ScannedAt time.Time `json:"scannedAt"`
}

// Machine applies scans and task edits against the durable store.
type Machine struct {
	store  *store.Store
	outbox *outbox.Outbox
	hub    *event.Hub[Event]
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-task serialization
}

// New creates a Machine over the given store and outbox.
func New(st *store.Store, ob *outbox.Outbox, logger *log.Logger) *Machine {
	if logger == nil {
		logger = log.New(os.Stderr, "[scan] ", log.LstdFlags)
	}
	return &Machine{
		store:  st,
		outbox: ob,
		hub:    event.NewHub[Event](),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Hub exposes the scan event stream for observers.
func (m *Machine) Hub() *event.Hub[Event] {
	return m.hub
}

// taskLock returns the mutex serializing mutations for one task id.
func (m *Machine) taskLock(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[taskID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[taskID] = lock
	}
	return lock
}

// Apply processes one scanned code against a task.
//
// The scan record describing the outcome is always persisted, and returned
// alongside the updated item when the scan was valid. Invalid scans return
// a *ValidationError; storage failures return the storage error and the
// caller must not assume the mutation is durable.
func (m *Machine) Apply(ctx context.Context, taskID, barcode string) (*model.ScanRecord, *model.Item, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read the latest snapshot under the lock.
	task := m.store.TaskByID(ctx, taskID)
	if task == nil {
		return nil, nil, fmt.Errorf("task %s not found", taskID)
	}

	code := strings.TrimSpace(barcode)
	now := time.Now().UTC()
	record := &model.ScanRecord{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Barcode:   code,
		ScannedAt: now,
	}

	item := task.ItemByCode(code)
	if item == nil {
		return m.reject(ctx, record, code, ReasonNoMatchingItem)
	}
	if item.Complete() {
		return m.reject(ctx, record, code, ReasonItemComplete)
	}

	item.SortedQuantity++
	item.Status = item.DeriveStatus()
	item.ScannedAt = &now
	record.ItemID = item.ID
	record.IsValid = true

	task.UpdatedAt = now
	if task.AllItemsCompleted() {
		task.Status = model.StatusCompleted
		task.CompletedAt = &now
	} else {
		task.Status = model.StatusInProgress
	}

	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, nil, err
	}
	if err := m.store.AppendScanRecord(ctx, record); err != nil {
		return nil, nil, err
	}
	if _, err := m.outbox.Refresh(ctx); err != nil {
		m.logger.Printf("Warning: failed to refresh outbox after scan: %v", err)
	}
	m.hub.Publish(Event{
		TaskID:    taskID,
		ItemID:    item.ID,
		Barcode:   code,
		IsValid:   true,
		ScannedAt: now,
	})

	updated := *item
	return record, &updated, nil
}

// reject records an invalid scan without touching the task.
func (m *Machine) reject(ctx context.Context, record *model.ScanRecord, code, reason string) (*model.ScanRecord, *model.Item, error) {
	record.IsValid = false
	record.ErrorMessage = reason
	if err := m.store.AppendScanRecord(ctx, record); err != nil {
		return nil, nil, err
	}
	if _, err := m.outbox.Refresh(ctx); err != nil {
		m.logger.Printf("Warning: failed to refresh outbox after scan: %v", err)
	}
	m.hub.Publish(Event{
		TaskID:    record.TaskID,
		Barcode:   code,
		IsValid:   false,
		Reason:    reason,
		ScannedAt: record.ScannedAt,
	})
	return record, nil, &ValidationError{Barcode: code, Reason: reason}
}

// Select marks a pending task as in progress, the transition performed when
// an operator opens a task. Tasks already past pending are left alone.
func (m *Machine) Select(ctx context.Context, taskID string) (*model.Task, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task := m.store.TaskByID(ctx, taskID)
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if task.Status != model.StatusPending {
		return task, nil
	}

	task.Status = model.StatusInProgress
	task.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateItem applies a partial edit to one item and bumps the task's
// updated timestamp so the edit participates in last-writer-wins merge.
func (m *Machine) UpdateItem(ctx context.Context, taskID, itemID string, update ItemUpdate) (*model.Task, error) {
	lock := m.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	task := m.store.TaskByID(ctx, taskID)
	if task == nil {
		return nil, fmt.Errorf("task %s not found", taskID)
	}

	var item *model.Item
	for i := range task.Items {
		if task.Items[i].ID == itemID {
			item = &task.Items[i]
			break
		}
	}
	if item == nil {
		return nil, fmt.Errorf("item %s not found on task %s", itemID, taskID)
	}

	if update.ProductName != nil {
		item.ProductName = *update.ProductName
	}
	if update.Location != nil {
		item.Location = *update.Location
	}
	if update.Notes != nil {
		item.Notes = *update.Notes
	}

	task.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, task); err != nil {
		return nil, err
	}
	if _, err := m.outbox.Refresh(ctx); err != nil {
		m.logger.Printf("Warning: failed to refresh outbox after item update: %v", err)
	}
	return task, nil
}
