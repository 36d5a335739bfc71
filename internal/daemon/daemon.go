// Package daemon runs the background half of the device agent.
//
// The daemon:
// 1. Triggers a synchronization on a fixed interval
// 2. Probes authority reachability and syncs on the offline-to-online edge
// 3. Watches a wake file so other processes can request an immediate sync
// 4. Sweeps stale cache entries
// 5. Serves status over HTTP and WebSocket
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/warehouselabs/sortsync/internal/cache"
	"github.com/warehouselabs/sortsync/internal/netmon"
	"github.com/warehouselabs/sortsync/internal/statusd"
	"github.com/warehouselabs/sortsync/internal/syncer"
)

// WakeFileName is the file whose creation or modification inside the wake
// directory requests an immediate forced sync. The CLI's `sync --wake`
// touches it instead of talking to the status server.
const WakeFileName = "sync.wake"

// Config holds daemon configuration.
type Config struct {
	// SyncInterval is how often a periodic sync is triggered.
	SyncInterval time.Duration

	// WakeDir is the directory watched for the wake file. Empty disables
	// the watcher.
	WakeDir string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		Logger:       log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon wires the engine, network monitor, cache sweeper, wake watcher
// and status server into one lifecycle.
type Daemon struct {
	engine  *syncer.Engine
	monitor *netmon.Monitor
	cache   *cache.Layer
	status  *statusd.Server
	config  *Config

	watcher *fsnotify.Watcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. monitor, cacheLayer and status may each be nil to
// disable that component.
func New(engine *syncer.Engine, monitor *netmon.Monitor, cacheLayer *cache.Layer, status *statusd.Server, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = DefaultConfig().SyncInterval
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:  engine,
		monitor: monitor,
		cache:   cacheLayer,
		status:  status,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// An initial sync is attempted immediately, then the periodic trigger,
// reachability monitor, wake watcher and status server run until ctx is
// cancelled. This blocks until shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.status != nil {
		if err := d.status.Start(); err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		d.wg.Add(1)
		go d.bridgeStatus()
	}

	if d.config.WakeDir != "" {
		if err := d.startWakeWatcher(); err != nil {
			return fmt.Errorf("wake watcher failed: %w", err)
		}
	}

	if d.monitor != nil {
		d.monitor.Start(d.ctx)
	}
	if d.cache != nil {
		d.cache.StartSweeper()
	}

	// First sync before the first tick so a freshly started device
	// converges without waiting out the interval.
	if _, err := d.engine.Sync(d.ctx, false); err != nil {
		d.config.Logger.Printf("Initial sync failed: %v", err)
	}

	d.wg.Add(1)
	go d.syncLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon and all its components.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	if d.monitor != nil {
		d.monitor.Stop()
	}
	if d.cache != nil {
		d.cache.Stop()
	}
	d.engine.Stop()
	if d.status != nil {
		if err := d.status.Stop(); err != nil {
			d.config.Logger.Printf("Error stopping status server: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// syncLoop triggers a periodic synchronization.
func (d *Daemon) syncLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if _, err := d.engine.Sync(d.ctx, false); err != nil {
				d.config.Logger.Printf("Periodic sync failed: %v", err)
			}
		}
	}
}

// bridgeStatus forwards engine status transitions to the status server.
func (d *Daemon) bridgeStatus() {
	defer d.wg.Done()

	sub := d.engine.Hub().Subscribe()
	defer d.engine.Hub().Unsubscribe(sub)

	for {
		select {
		case <-d.ctx.Done():
			return

		case status, ok := <-sub:
			if !ok {
				return
			}
			d.status.Broadcast(status)
		}
	}
}

// startWakeWatcher watches the wake directory for the wake file.
func (d *Daemon) startWakeWatcher() error {
	if err := os.MkdirAll(d.config.WakeDir, 0o755); err != nil {
		return fmt.Errorf("failed to create wake directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(d.config.WakeDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", d.config.WakeDir, err)
	}
	d.watcher = watcher

	d.config.Logger.Printf("Watching for wake file in %s", d.config.WakeDir)

	d.wg.Add(1)
	go d.watchWakeEvents()
	return nil
}

// watchWakeEvents reacts to wake file events with a forced sync.
func (d *Daemon) watchWakeEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Base(event.Name) != WakeFileName {
				continue
			}

			d.config.Logger.Println("Wake file touched, forcing sync")
			// Consume the wake file so the next touch fires a fresh event.
			_ = os.Remove(event.Name)

			// A wake usually means connectivity came back; probe first so
			// the engine sees the fresh state.
			if d.monitor != nil {
				d.engine.SetOnline(d.ctx, d.monitor.Probe(d.ctx))
			}
			if err := d.engine.ForceSync(d.ctx); err != nil {
				d.config.Logger.Printf("Forced sync failed: %v", err)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}
