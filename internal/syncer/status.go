package syncer

import (
	"time"

	"github.com/warehouselabs/sortsync/internal/event"
)

// Status is the snapshot published to observers on every phase transition
// of the synchronization engine.
type Status struct {
	IsOnline     bool   `json:"isOnline"`
	IsSyncing    bool   `json:"isSyncing"`
	LastSyncTime string `json:"lastSyncTime,omitempty"`
	PendingCount int    `json:"pendingCount"`
	Error        string `json:"error,omitempty"`
}

// formatSyncTime renders a last-sync timestamp for observers; the zero time
// (never synced) renders empty.
func formatSyncTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// Hub fans Status snapshots out to subscribers. Delivery is non-blocking:
// a subscriber that stops draining its channel loses updates but never
// stalls the engine or the other subscribers.
type Hub = event.Hub[Status]

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return event.NewHub[Status]()
}
