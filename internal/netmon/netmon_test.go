package netmon

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

// fakeChecker reports a settable health state.
type fakeChecker struct {
	mu      sync.Mutex
	healthy bool
}

func (f *fakeChecker) Health(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeChecker) set(healthy bool) {
	f.mu.Lock()
	f.healthy = healthy
	f.mu.Unlock()
}

func TestProbeDetectsEdges(t *testing.T) {
	checker := &fakeChecker{healthy: true}

	var mu sync.Mutex
	var edges []bool
	monitor := New(checker, &Config{
		Interval:     time.Hour, // ticks never fire, Probe drives the test
		ProbeTimeout: time.Second,
		Logger:       log.New(io.Discard, "", 0),
		OnChange: func(ctx context.Context, online bool) {
			mu.Lock()
			edges = append(edges, online)
			mu.Unlock()
		},
	})

	ctx := context.Background()

	// Healthy probe on an assumed-online monitor: no edge.
	if !monitor.Probe(ctx) {
		t.Error("Probe() = false, want true")
	}
	mu.Lock()
	if len(edges) != 0 {
		t.Errorf("edges = %v, want none for a steady state", edges)
	}
	mu.Unlock()

	// Drop: one offline edge, repeated probes stay silent.
	checker.set(false)
	monitor.Probe(ctx)
	monitor.Probe(ctx)
	if monitor.IsOnline() {
		t.Error("IsOnline() = true after failed probes")
	}

	// Recover: one online edge.
	checker.set(true)
	monitor.Probe(ctx)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{false, true}
	if len(edges) != len(want) {
		t.Fatalf("edges = %v, want %v", edges, want)
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Errorf("edges[%d] = %v, want %v", i, edges[i], want[i])
		}
	}
}

func TestStartProbesImmediately(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	monitor := New(checker, &Config{
		Interval:     time.Hour,
		ProbeTimeout: time.Second,
		Logger:       log.New(io.Discard, "", 0),
	})

	monitor.Start(context.Background())
	defer monitor.Stop()

	// The initial probe runs before the first tick.
	deadline := time.Now().Add(2 * time.Second)
	for monitor.IsOnline() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if monitor.IsOnline() {
		t.Error("monitor still online after the initial probe failed")
	}
}
