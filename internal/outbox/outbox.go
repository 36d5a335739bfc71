// Package outbox maintains the pending-set snapshot: the locally made
// mutations not yet acknowledged by the remote authority.
//
// The snapshot is recomputed from the durable store whenever new unsynced
// mutations appear, and consumed by the synchronization engine's upload
// phase. Entries are removed only after a confirmed upload, never
// speculatively: tasks individually, scan records as a whole batch.
package outbox

import (
	"context"
	"log"
	"os"

	"github.com/warehouselabs/sortsync/internal/model"
	"github.com/warehouselabs/sortsync/internal/store"
)

// Outbox computes and persists the pending-set snapshot.
type Outbox struct {
	store  *store.Store
	logger *log.Logger
}

// New creates an Outbox over the given store.
func New(st *store.Store, logger *log.Logger) *Outbox {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	return &Outbox{store: st, logger: logger}
}

// ComputePending selects the mutations awaiting upload: completed tasks
// without a sync stamp, and every scan record not yet confirmed uploaded.
func ComputePending(tasks []model.Task, records []model.ScanRecord) *model.PendingSet {
	pending := &model.PendingSet{ScanRecords: records}
	for i := range tasks {
		if tasks[i].Status == model.StatusCompleted && tasks[i].SyncedAt == nil {
			pending.Tasks = append(pending.Tasks, tasks[i])
		}
	}
	return pending
}

// Refresh recomputes the pending set from the store, persists the snapshot,
// and returns the pending count.
func (o *Outbox) Refresh(ctx context.Context) (int, error) {
	pending := ComputePending(o.store.Tasks(ctx), o.store.PendingScanRecords(ctx))
	if err := o.store.SavePendingSet(ctx, pending); err != nil {
		return 0, err
	}
	return pending.Count(), nil
}

// Pending returns the current persisted snapshot, or an empty set.
func (o *Outbox) Pending(ctx context.Context) *model.PendingSet {
	if pending := o.store.PendingSet(ctx); pending != nil {
		return pending
	}
	return &model.PendingSet{}
}

// Count returns the number of pending entries in the persisted snapshot.
func (o *Outbox) Count(ctx context.Context) int {
	return o.Pending(ctx).Count()
}

// RemoveTask drops one task from the snapshot and from the local task
// collection after its individual upload succeeded.
func (o *Outbox) RemoveTask(ctx context.Context, taskID string) error {
	if err := o.store.RemoveTask(ctx, taskID); err != nil {
		return err
	}
	pending := o.Pending(ctx)
	kept := pending.Tasks[:0]
	for i := range pending.Tasks {
		if pending.Tasks[i].ID != taskID {
			kept = append(kept, pending.Tasks[i])
		}
	}
	pending.Tasks = kept
	return o.store.SavePendingSet(ctx, pending)
}

// ClearScanRecords drops all scan records from the snapshot and the store
// after the whole batch upload succeeded.
func (o *Outbox) ClearScanRecords(ctx context.Context) error {
	if err := o.store.ClearScanRecords(ctx); err != nil {
		return err
	}
	pending := o.Pending(ctx)
	pending.ScanRecords = nil
	return o.store.SavePendingSet(ctx, pending)
}
