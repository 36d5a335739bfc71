// Package model defines the data structures shared by the sortsync engine:
// sorting tasks and their items, append-only scan records, the pending-set
// snapshot, and the session user.
//
// Task records carry flat fields with last-write-wins semantics: the
// UpdatedAt timestamp resolves whole-record conflicts during merge, no
// field-level combination is ever performed.
package model

import (
	"fmt"
	"time"
)

// TaskStatus enumerates the lifecycle states of a sorting task and its items.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusSynced     TaskStatus = "synced"
)

// Priority levels for sorting tasks, 1 (low) through 4 (urgent).
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
	PriorityUrgent = 4
)

// Task is a sorting task assigned to an operator. A task owns its items;
// the whole record (items included) is replaced as a unit on merge.
type Task struct {
	ID            string     `json:"id"`
	TaskNo        string     `json:"taskNo"`
	WarehouseID   string     `json:"warehouseId"`
	WarehouseName string     `json:"warehouseName,omitempty"`
	Priority      int        `json:"priority"`
	Status        TaskStatus `json:"status"`
	Items         []Item     `json:"items"`
	AssignedTo    string     `json:"assignedTo,omitempty"`
	Notes         string     `json:"notes,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	SyncedAt    *time.Time `json:"syncedAt,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Item is one product line within a sorting task. SortedQuantity only
// grows while the task is active; Status is derived from the quantity pair.
type Item struct {
	ID             string     `json:"id"`
	TaskID         string     `json:"taskId"`
	SKU            string     `json:"sku"`
	Barcode        string     `json:"barcode"`
	ProductName    string     `json:"productName,omitempty"`
	Quantity       int        `json:"quantity"`
	SortedQuantity int        `json:"sortedQuantity"`
	Location       string     `json:"location,omitempty"`
	Status         TaskStatus `json:"status"`
	ScannedAt      *time.Time `json:"scannedAt,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// ScanRecord is an append-only fact describing one scan attempt, valid or
// not. Records are never mutated after creation and never merged: local and
// remote copies are unioned by identity.
type ScanRecord struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"taskId"`
	ItemID       string    `json:"itemId"`
	Barcode      string    `json:"barcode"`
	ScannedAt    time.Time `json:"scannedAt"`
	IsValid      bool      `json:"isValid"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// PendingSet is the outbox snapshot: locally made changes not yet
// acknowledged by the remote authority.
type PendingSet struct {
	Tasks        []Task       `json:"tasks"`
	ScanRecords  []ScanRecord `json:"scanRecords"`
	LastSyncTime string       `json:"lastSyncTime,omitempty"`
}

// Count returns the number of pending entries (tasks plus scan records).
func (p *PendingSet) Count() int {
	if p == nil {
		return 0
	}
	return len(p.Tasks) + len(p.ScanRecords)
}

// IsEmpty reports whether there is nothing to upload.
func (p *PendingSet) IsEmpty() bool {
	return p.Count() == 0
}

// User is the authenticated operator session persisted locally.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	WarehouseID string `json:"warehouseId"`
}

// Validate checks that the Task has usable field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.TaskNo == "" {
		return fmt.Errorf("taskNo is required")
	}
	if t.Priority < PriorityLow || t.Priority > PriorityUrgent {
		return fmt.Errorf("priority must be between %d and %d (got %d)", PriorityLow, PriorityUrgent, t.Priority)
	}
	switch t.Status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusSynced:
	default:
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	for i := range t.Items {
		item := &t.Items[i]
		if item.SortedQuantity < 0 || item.SortedQuantity > item.Quantity {
			return fmt.Errorf("item %s: sortedQuantity %d outside [0, %d]", item.ID, item.SortedQuantity, item.Quantity)
		}
	}
	return nil
}

// ItemByCode finds the item whose barcode or SKU equals code.
// Returns nil if no item matches.
func (t *Task) ItemByCode(code string) *Item {
	for i := range t.Items {
		if t.Items[i].Barcode == code || t.Items[i].SKU == code {
			return &t.Items[i]
		}
	}
	return nil
}

// AllItemsCompleted reports whether every item has reached its target
// quantity. A task with no items is never considered completed by scanning.
func (t *Task) AllItemsCompleted() bool {
	if len(t.Items) == 0 {
		return false
	}
	for i := range t.Items {
		if t.Items[i].SortedQuantity < t.Items[i].Quantity {
			return false
		}
	}
	return true
}

// DeriveStatus returns the status implied by the quantity pair:
// completed when the target is reached, in_progress after the first scan,
// pending otherwise.
func (it *Item) DeriveStatus() TaskStatus {
	switch {
	case it.SortedQuantity >= it.Quantity:
		return StatusCompleted
	case it.SortedQuantity > 0:
		return StatusInProgress
	default:
		return StatusPending
	}
}

// Complete reports whether the item has reached its target quantity.
func (it *Item) Complete() bool {
	return it.SortedQuantity >= it.Quantity
}

// Clone returns a deep copy of the task, including its items.
func (t *Task) Clone() Task {
	out := *t
	out.Items = make([]Item, len(t.Items))
	copy(out.Items, t.Items)
	return out
}
