// Package netmon tracks whether the sorting authority is reachable.
//
// The PDA has no reliable OS-level connectivity signal on the warehouse
// floor (APs drop, the backend restarts), so reachability is probed
// directly: a periodic health check against the API. Observers are told
// only about edges, not every probe.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Checker reports whether the authority answered a health probe.
// *api.Client satisfies it.
type Checker interface {
	Health(ctx context.Context) bool
}

// Config holds monitor configuration.
type Config struct {
	// Interval between probes.
	Interval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// OnChange is invoked on every online/offline edge, from the
	// monitor's goroutine.
	OnChange func(ctx context.Context, online bool)

	// Logger for transitions.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     15 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Logger:       log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor polls the authority and tracks reachability.
type Monitor struct {
	checker Checker
	config  *Config

	mu     sync.Mutex
	online bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor. The device is assumed online until the first
// probe says otherwise.
func New(checker Checker, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	return &Monitor{
		checker: checker,
		config:  config,
		online:  true,
	}
}

// IsOnline reports the last probed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start launches the probe loop. An immediate probe runs before the first
// tick so callers get a real answer quickly.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx)
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Probe runs a single health check immediately and reports the result.
// The daemon calls this after a wake event instead of waiting for the
// next tick.
func (m *Monitor) Probe(ctx context.Context) bool {
	return m.probe(ctx)
}

func (m *Monitor) probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	online := m.checker.Health(pctx)
	cancel()

	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			m.config.Logger.Println("Authority reachable, device online")
		} else {
			m.config.Logger.Println("Authority unreachable, device offline")
		}
		if m.config.OnChange != nil {
			m.config.OnChange(ctx, online)
		}
	}
	return online
}
