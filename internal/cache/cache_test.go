package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/warehouselabs/sortsync/internal/store"
)

// fakeTransport is a scriptable base round tripper.
type fakeTransport struct {
	calls int
	// offline makes every call fail as if the network dropped.
	offline bool
	// respond maps URL paths to response bodies.
	respond map[string]string
	status  int
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.offline {
		return nil, errors.New("dial tcp: no route to host")
	}
	body, ok := f.respond[req.URL.Path]
	if !ok {
		body = "default"
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func newTestLayer(t *testing.T, transport *fakeTransport) (*Layer, *store.Store) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	layer := New(st, transport, &Config{
		VersionTag:      "v1",
		APIPrefixes:     []string{"/api/tasks", "/api/products", "/api/user"},
		ExcludePrefixes: []string{"/api/sync", "/api/upload", "/api/auth/login"},
		AppShellPath:    "/index.html",
		MaxAge:          7 * 24 * time.Hour,
		SweepInterval:   24 * time.Hour,
		Logger:          logger,
	})
	t.Cleanup(func() {
		layer.Stop()
		st.Close()
	})
	return layer, st
}

func get(t *testing.T, layer *Layer, url string, header http.Header) (*http.Response, string, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if header != nil {
		req.Header = header
	}
	resp, err := layer.RoundTrip(req)
	if err != nil {
		return nil, "", err
	}
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		t.Fatalf("reading body: %v", readErr)
	}
	return resp, string(body), nil
}

func TestNetworkFirstStoresAndServes(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{"/api/tasks": `{"success":true,"data":[]}`}}
	layer, _ := newTestLayer(t, transport)

	resp, body, err := get(t, layer, "http://pms.internal/api/tasks", nil)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || body != `{"success":true,"data":[]}` {
		t.Errorf("live response = %d %q", resp.StatusCode, body)
	}

	// The network drops: the cached copy must be served.
	transport.offline = true
	resp, body, err = get(t, layer, "http://pms.internal/api/tasks", nil)
	if err != nil {
		t.Fatalf("RoundTrip() offline error = %v", err)
	}
	if body != `{"success":true,"data":[]}` {
		t.Errorf("cached body = %q, want the stored copy", body)
	}
	if resp.Header.Get("X-Sortsync-Cache") != "hit" {
		t.Error("cached response not marked as a cache hit")
	}
}

func TestNetworkFirstPrefersLiveResponse(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{"/api/tasks": "one"}}
	layer, _ := newTestLayer(t, transport)

	if _, _, err := get(t, layer, "http://pms.internal/api/tasks", nil); err != nil {
		t.Fatalf("first RoundTrip() error = %v", err)
	}

	// While online the cache never shadows fresher data.
	transport.respond["/api/tasks"] = "two"
	_, body, err := get(t, layer, "http://pms.internal/api/tasks", nil)
	if err != nil {
		t.Fatalf("second RoundTrip() error = %v", err)
	}
	if body != "two" {
		t.Errorf("body = %q, want the live response", body)
	}
}

func TestOfflineWithoutCacheReturnsStructuredPayload(t *testing.T) {
	transport := &fakeTransport{offline: true}
	layer, _ := newTestLayer(t, transport)

	resp, body, err := get(t, layer, "http://pms.internal/api/tasks", nil)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v, offline must not surface a transport error", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	var payload struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		t.Fatalf("offline payload not JSON: %v", err)
	}
	if payload.Success || payload.Error != OfflineCode {
		t.Errorf("payload = %+v, want success=false error=%s", payload, OfflineCode)
	}
}

func TestExcludedPathsBypassCache(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{"/api/sync/download": "fresh"}}
	layer, _ := newTestLayer(t, transport)

	if _, _, err := get(t, layer, "http://pms.internal/api/sync/download", nil); err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}

	// Offline: an excluded path must fail, never serve stale sync data.
	transport.offline = true
	if _, _, err := get(t, layer, "http://pms.internal/api/sync/download", nil); err == nil {
		t.Error("excluded path served from cache")
	}
}

func TestNonGETNeverCached(t *testing.T) {
	transport := &fakeTransport{}
	layer, _ := newTestLayer(t, transport)

	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost,
		"http://pms.internal/api/tasks/task-1/status", bytes.NewReader([]byte("{}")))
	resp, err := layer.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	transport.offline = true
	req2, _ := http.NewRequestWithContext(context.Background(), http.MethodPost,
		"http://pms.internal/api/tasks/task-1/status", bytes.NewReader([]byte("{}")))
	if _, err := layer.RoundTrip(req2); err == nil {
		t.Error("offline POST served from cache")
	}
}

func TestCacheFirstForStaticAssets(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{"/assets/app.js": "console.log(1)"}}
	layer, _ := newTestLayer(t, transport)

	if _, _, err := get(t, layer, "http://pms.internal/assets/app.js", nil); err != nil {
		t.Fatalf("first RoundTrip() error = %v", err)
	}
	calls := transport.calls

	// The second request must come from cache without touching the
	// network.
	_, body, err := get(t, layer, "http://pms.internal/assets/app.js", nil)
	if err != nil {
		t.Fatalf("second RoundTrip() error = %v", err)
	}
	if body != "console.log(1)" {
		t.Errorf("body = %q", body)
	}
	if transport.calls != calls {
		t.Errorf("cache-first hit still called the network (%d -> %d)", calls, transport.calls)
	}
}

func TestDocumentFallbackToAppShell(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{"/index.html": "<html>shell</html>"}}
	layer, _ := newTestLayer(t, transport)

	// Prime the shell.
	if _, _, err := get(t, layer, "http://pms.internal/index.html", nil); err != nil {
		t.Fatalf("shell fetch error = %v", err)
	}

	transport.offline = true
	header := http.Header{"Accept": []string{"text/html,application/xhtml+xml"}}
	_, body, err := get(t, layer, "http://pms.internal/tasks/task-1", header)
	if err != nil {
		t.Fatalf("document request error = %v, want app shell fallback", err)
	}
	if body != "<html>shell</html>" {
		t.Errorf("body = %q, want the cached shell", body)
	}

	// Non-document requests get the real error instead.
	if _, _, err := get(t, layer, "http://pms.internal/assets/missing.js", nil); err == nil {
		t.Error("non-document request served the app shell")
	}
}

func TestActivateDropsOldNamespaces(t *testing.T) {
	layer, st := newTestLayer(t, &fakeTransport{})
	ctx := context.Background()

	for _, ns := range []string{"api-v0", "static-v0", "api-v1"} {
		entry := &store.CacheEntry{Namespace: ns, Key: "GET http://pms/x", Status: 200, Body: []byte("x"), CapturedAt: time.Now()}
		if err := st.CachePut(ctx, entry); err != nil {
			t.Fatalf("CachePut(%s) error = %v", ns, err)
		}
	}

	if err := layer.Activate(ctx); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	namespaces := st.CacheNamespaces(ctx)
	if len(namespaces) != 1 || namespaces[0] != "api-v1" {
		t.Errorf("namespaces after activate = %v, want only api-v1", namespaces)
	}
}

func TestSweepEvictsOnlyStaleEntries(t *testing.T) {
	layer, st := newTestLayer(t, &fakeTransport{})
	ctx := context.Background()
	now := time.Now()

	entries := []*store.CacheEntry{
		{Namespace: "api-v1", Key: "two days", Status: 200, Body: []byte("a"), CapturedAt: now.Add(-2 * 24 * time.Hour)},
		{Namespace: "api-v1", Key: "eight days", Status: 200, Body: []byte("b"), CapturedAt: now.Add(-8 * 24 * time.Hour)},
		// Static assets are version-managed, not freshness-managed.
		{Namespace: "static-v1", Key: "old asset", Status: 200, Body: []byte("c"), CapturedAt: now.Add(-30 * 24 * time.Hour)},
	}
	for _, entry := range entries {
		if err := st.CachePut(ctx, entry); err != nil {
			t.Fatalf("CachePut(%s) error = %v", entry.Key, err)
		}
	}

	evicted, err := layer.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if st.CacheGet(ctx, "api-v1", "two days") == nil {
		t.Error("fresh API entry evicted")
	}
	if st.CacheGet(ctx, "api-v1", "eight days") != nil {
		t.Error("stale API entry survived")
	}
	if st.CacheGet(ctx, "static-v1", "old asset") == nil {
		t.Error("static entry evicted by the API sweep")
	}
}

func TestPrime(t *testing.T) {
	transport := &fakeTransport{respond: map[string]string{
		"/index.html":    "<html>shell</html>",
		"/assets/app.js": "js",
	}}
	layer, st := newTestLayer(t, transport)
	ctx := context.Background()

	err := layer.Prime(ctx, []string{
		"http://pms.internal/index.html",
		"http://pms.internal/assets/app.js",
	})
	if err != nil {
		t.Fatalf("Prime() error = %v", err)
	}

	for _, key := range []string{
		"GET http://pms.internal/index.html",
		"GET http://pms.internal/assets/app.js",
	} {
		if st.CacheGet(ctx, "static-v1", key) == nil {
			t.Errorf("primed entry missing: %s", key)
		}
	}
}

func TestPartialConfigFillsDefaults(t *testing.T) {
	// The daemon constructs the layer with only a logger; every other
	// field must take its default or the layer silently degrades.
	logger := log.New(io.Discard, "", 0)
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	transport := &fakeTransport{respond: map[string]string{"/api/tasks": `{"success":true,"data":[]}`}}
	layer := New(st, transport, &Config{Logger: logger})
	t.Cleanup(func() {
		layer.Stop()
		st.Close()
	})

	// Default sweep cadence, not a zero-interval ticker.
	layer.StartSweeper()

	// Default API prefixes still cache network-first and serve stale.
	if _, _, err := get(t, layer, "http://pda.local/api/tasks", nil); err != nil {
		t.Fatalf("live GET error = %v", err)
	}
	transport.offline = true
	resp, _, err := get(t, layer, "http://pda.local/api/tasks", nil)
	if err != nil {
		t.Fatalf("offline GET error = %v", err)
	}
	if resp.Header.Get("X-Sortsync-Cache") != "hit" {
		t.Error("offline GET not served from cache under default prefixes")
	}

	// Default version tag keeps the production namespace.
	if e := st.CacheGet(context.Background(), "api-v1", "GET http://pda.local/api/tasks"); e == nil {
		t.Error("entry not stored under the api-v1 namespace")
	}

	// Default seven-day window: a two-day-old entry is retained.
	if err := st.CachePut(context.Background(), &store.CacheEntry{
		Namespace:  "api-v1",
		Key:        "GET http://pda.local/api/products",
		Status:     http.StatusOK,
		Body:       []byte("[]"),
		CapturedAt: time.Now().Add(-2 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("CachePut() error = %v", err)
	}
	evicted, err := layer.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if evicted != 0 {
		t.Errorf("SweepOnce() evicted %d entries inside the freshness window", evicted)
	}
}
