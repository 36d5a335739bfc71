// Package syncer implements the synchronization engine that reconciles the
// device's local state with the remote sorting authority.
//
// A synchronization run executes four phases in strict order:
//
//  1. Upload: drain the outbox, pushing each completed task individually
//     (partial progress preserved), then the scan-record batch
//     (all-or-nothing).
//  2. Download: fetch remote state changed since the last committed sync.
//  3. Merge: whole-record last-writer-wins over tasks; downloaded scan
//     records appended verbatim.
//  4. Commit: stamp the last-sync time and reset the retry counter.
//
// At most one run executes at any instant. Concurrent triggers are
// coalesced: a trigger during a run is a no-op unless forced, and a forced
// trigger waits for the in-flight run to finish rather than running beside
// it. Failures schedule a linearly backed-off retry until the attempt
// budget is exhausted, after which the engine waits passively for the next
// external trigger. Every transition is published to the status hub.
package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/warehouselabs/sortsync/internal/api"
	"github.com/warehouselabs/sortsync/internal/model"
	"github.com/warehouselabs/sortsync/internal/outbox"
	"github.com/warehouselabs/sortsync/internal/store"
)

// Authority is the slice of the remote API the engine needs. *api.Client
// satisfies it; tests substitute fakes.
type Authority interface {
	UpdateTask(ctx context.Context, task *model.Task) error
	SubmitScanRecords(ctx context.Context, recs []model.ScanRecord) error
	SyncDownload(ctx context.Context, lastSyncTime time.Time) (*api.SyncPayload, error)
}

// Config holds engine configuration.
type Config struct {
	// BaseDelay is the unit of the linear retry backoff: attempt n waits
	// BaseDelay × n.
	BaseDelay time.Duration

	// MaxRetryAttempts bounds automatic retries; past it the engine waits
	// for an external trigger.
	MaxRetryAttempts int

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:        5 * time.Second,
		MaxRetryAttempts: 3,
		Logger:           log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Engine orchestrates synchronization runs.
type Engine struct {
	authority Authority
	store     *store.Store
	outbox    *outbox.Outbox
	hub       *Hub
	config    *Config

	runMu sync.Mutex // mutual exclusion across sync runs

	mu         sync.Mutex // guards the fields below
	online     bool
	syncing    bool
	attempts   int
	retryTimer *time.Timer
	stopped    bool
}

// New creates an Engine. The hub may be shared with other publishers; a
// nil hub gets a private one.
func New(authority Authority, st *store.Store, ob *outbox.Outbox, hub *Hub, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = DefaultConfig().MaxRetryAttempts
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Engine{
		authority: authority,
		store:     st,
		outbox:    ob,
		hub:       hub,
		config:    config,
		online:    true,
	}
}

// Hub returns the status hub observers subscribe to.
func (e *Engine) Hub() *Hub { return e.hub }

// SetOnline records a connectivity transition and notifies observers.
// Triggering a sync on the offline→online edge is the daemon's job.
func (e *Engine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if changed {
		e.publish(ctx, "")
	}
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Syncing reports whether a run is currently executing.
func (e *Engine) Syncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Status returns the current observer snapshot.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	online, syncing := e.online, e.syncing
	e.mu.Unlock()
	return Status{
		IsOnline:     online,
		IsSyncing:    syncing,
		LastSyncTime: formatSyncTime(e.store.LastSyncTime(ctx)),
		PendingCount: e.outbox.Count(ctx),
	}
}

// ForceSync resets the retry counter and runs a forced synchronization,
// waiting for any in-flight run to finish first.
func (e *Engine) ForceSync(ctx context.Context) error {
	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()
	_, err := e.Sync(ctx, true)
	return err
}

// Sync runs one synchronization. A non-forced call while another run is in
// flight is a no-op and returns false. A forced call waits for the
// in-flight run; two runs never execute in parallel.
func (e *Engine) Sync(ctx context.Context, force bool) (bool, error) {
	if force {
		e.runMu.Lock()
	} else if !e.runMu.TryLock() {
		e.config.Logger.Println("Sync already in progress, skipping")
		return false, nil
	}
	defer e.runMu.Unlock()

	if !e.Online() {
		e.config.Logger.Println("Offline, sync not attempted")
		e.publish(ctx, "device is offline")
		return false, nil
	}

	e.setSyncing(true)
	e.publish(ctx, "")

	err := e.run(ctx)

	e.setSyncing(false)
	if err != nil {
		e.config.Logger.Printf("Sync failed: %v", err)
		e.publish(ctx, err.Error())
		e.scheduleRetry()
		return false, err
	}

	e.mu.Lock()
	e.attempts = 0
	e.mu.Unlock()
	e.publish(ctx, "")
	e.config.Logger.Println("Sync complete")
	return true, nil
}

// run executes the four phases. A failure in any phase aborts the run
// there; progress already committed (uploaded tasks, cleared records) is
// not rolled back.
func (e *Engine) run(ctx context.Context) error {
	if err := e.uploadPhase(ctx); err != nil {
		return fmt.Errorf("upload phase: %w", err)
	}

	payload, err := e.authority.SyncDownload(ctx, e.store.LastSyncTime(ctx))
	if err != nil {
		return fmt.Errorf("download phase: %w", err)
	}

	if err := e.mergePhase(ctx, payload); err != nil {
		return fmt.Errorf("merge phase: %w", err)
	}

	if err := e.store.SaveLastSyncTime(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("commit phase: %w", err)
	}
	if _, err := e.outbox.Refresh(ctx); err != nil {
		return fmt.Errorf("commit phase: %w", err)
	}
	return nil
}

// uploadPhase drains the outbox: completed tasks one by one, then the scan
// records as a single batch.
func (e *Engine) uploadPhase(ctx context.Context) error {
	pending := e.outbox.Pending(ctx)
	if pending.IsEmpty() {
		return nil
	}

	for i := range pending.Tasks {
		task := &pending.Tasks[i]
		if err := e.authority.UpdateTask(ctx, task); err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		// This task is acknowledged; drop it even if a later one fails.
		if err := e.outbox.RemoveTask(ctx, task.ID); err != nil {
			return err
		}
		e.config.Logger.Printf("Uploaded task %s", task.TaskNo)
	}

	if len(pending.ScanRecords) > 0 {
		if err := e.authority.SubmitScanRecords(ctx, pending.ScanRecords); err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		if err := e.outbox.ClearScanRecords(ctx); err != nil {
			return err
		}
		e.config.Logger.Printf("Uploaded %d scan records", len(pending.ScanRecords))
	}
	return nil
}

// mergePhase resolves downloaded tasks against local state and appends the
// downloaded scan records verbatim. Records are facts: no deduplication,
// no conflict check.
func (e *Engine) mergePhase(ctx context.Context, payload *api.SyncPayload) error {
	merged := Merge(e.store.Tasks(ctx), payload.Tasks)
	if err := e.store.ReplaceTasks(ctx, merged); err != nil {
		return err
	}
	if err := e.store.AppendScanRecords(ctx, payload.ScanRecords, true); err != nil {
		return err
	}
	return nil
}

// scheduleRetry arms a linearly backed-off retry while the attempt budget
// lasts; past it the engine goes passive until an external trigger.
func (e *Engine) scheduleRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.attempts++
	if e.stopped {
		return
	}
	if e.attempts >= e.config.MaxRetryAttempts {
		e.config.Logger.Printf("Giving up after %d attempts; waiting for external trigger", e.attempts)
		return
	}

	delay := time.Duration(e.attempts) * e.config.BaseDelay
	e.config.Logger.Printf("Retrying in %v (attempt %d/%d)", delay, e.attempts, e.config.MaxRetryAttempts)
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, func() {
		_, _ = e.Sync(context.Background(), false)
	})
}

// Attempts returns the consecutive-failure count.
func (e *Engine) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Stop cancels any armed retry. An in-flight run finishes naturally.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

// publish sends the current snapshot to all observers.
func (e *Engine) publish(ctx context.Context, errMsg string) {
	status := e.Status(ctx)
	status.Error = errMsg
	e.hub.Publish(status)
}
