// Package cache implements the response cache layer at the network
// boundary.
//
// The layer is an http.RoundTripper interceptor: the authority client is
// constructed with it as transport, so every outbound call passes through
// regardless of which component issued it. Two strategies apply by request
// class:
//
//   - Network-first for GET requests under the configured API prefixes:
//     live responses are stored and returned; on transport failure the most
//     recent stored copy is served, else a structured OFFLINE payload.
//   - Cache-first for static assets: cached copies win, misses are fetched
//     and stored, and a failed document request falls back to the cached
//     application shell.
//
// Writes are never read from cache, and a configured set of sensitive paths
// (login, uploads, sync endpoints) bypasses the layer entirely.
//
// Entries persist in the durable store under versioned namespaces;
// Activate deletes namespaces left behind by previous versions, and a
// periodic sweep evicts API entries past the freshness window.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/warehouselabs/sortsync/internal/store"
)

// OfflineCode is the error code carried by the synthesized payload returned
// when a request cannot be served from network or cache.
const OfflineCode = "OFFLINE"

// Config holds cache layer configuration.
type Config struct {
	// VersionTag suffixes the cache namespaces. Entries under namespaces
	// with a different tag are deleted on Activate.
	VersionTag string

	// APIPrefixes lists the read-endpoint path prefixes cached
	// network-first. Only GET requests are ever cached.
	APIPrefixes []string

	// ExcludePrefixes lists paths that bypass the layer entirely.
	ExcludePrefixes []string

	// AppShellPath is the document served when a document-type request
	// fails entirely, e.g. "/index.html".
	AppShellPath string

	// MaxAge is the freshness window for API entries; older entries are
	// evicted by the sweep.
	MaxAge time.Duration

	// SweepInterval is how often the sweep runs.
	SweepInterval time.Duration

	// Logger for cache activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults matching the handheld app.
func DefaultConfig() *Config {
	return &Config{
		VersionTag:      "v1",
		APIPrefixes:     []string{"/api/tasks", "/api/products", "/api/user"},
		ExcludePrefixes: []string{"/api/sync", "/api/upload", "/api/auth/login"},
		AppShellPath:    "/index.html",
		MaxAge:          7 * 24 * time.Hour,
		SweepInterval:   24 * time.Hour,
		Logger:          log.New(os.Stderr, "[cache] ", log.LstdFlags),
	}
}

// Layer is the caching round tripper.
type Layer struct {
	base   http.RoundTripper
	store  *store.Store
	config *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache layer over the given base transport. A nil base uses
// http.DefaultTransport. Unset config fields take their defaults, so a
// caller overriding only the logger still gets the production strategy
// lists, freshness window and sweep cadence.
func New(st *store.Store, base http.RoundTripper, config *Config) *Layer {
	if base == nil {
		base = http.DefaultTransport
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		base:   base,
		store:  st,
		config: withDefaults(config),
		ctx:    ctx,
		cancel: cancel,
	}
}

// withDefaults copies config with zero fields filled from DefaultConfig.
func withDefaults(config *Config) *Config {
	def := DefaultConfig()
	if config == nil {
		return def
	}
	cfg := *config
	if cfg.VersionTag == "" {
		cfg.VersionTag = def.VersionTag
	}
	if cfg.APIPrefixes == nil {
		cfg.APIPrefixes = def.APIPrefixes
	}
	if cfg.ExcludePrefixes == nil {
		cfg.ExcludePrefixes = def.ExcludePrefixes
	}
	if cfg.AppShellPath == "" {
		cfg.AppShellPath = def.AppShellPath
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return &cfg
}

func (l *Layer) apiNamespace() string    { return "api-" + l.config.VersionTag }
func (l *Layer) staticNamespace() string { return "static-" + l.config.VersionTag }

func requestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func (l *Layer) excluded(path string) bool {
	for _, prefix := range l.config.ExcludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (l *Layer) cacheableAPI(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	for _, prefix := range l.config.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (l *Layer) RoundTrip(req *http.Request) (*http.Response, error) {
	path := req.URL.Path

	if l.excluded(path) {
		return l.base.RoundTrip(req)
	}

	if strings.HasPrefix(path, "/api/") {
		if !l.cacheableAPI(req) {
			// Writes and unlisted reads go straight to the network.
			return l.base.RoundTrip(req)
		}
		return l.networkFirst(req)
	}

	if req.Method != http.MethodGet {
		return l.base.RoundTrip(req)
	}
	return l.cacheFirst(req)
}

// networkFirst tries the live call, stores successful responses, and falls
// back to the newest cached copy (stale-if-error) or an OFFLINE payload.
func (l *Layer) networkFirst(req *http.Request) (*http.Response, error) {
	resp, err := l.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			l.storeResponse(req, resp, l.apiNamespace())
		}
		return resp, nil
	}

	if entry := l.store.CacheGet(req.Context(), l.apiNamespace(), requestKey(req)); entry != nil {
		l.config.Logger.Printf("Serving cached response for %s", req.URL.Path)
		return entryResponse(req, entry), nil
	}

	l.config.Logger.Printf("Offline and no cached response for %s", req.URL.Path)
	return offlineResponse(req), nil
}

// cacheFirst serves static assets from cache, fetching and storing on miss.
func (l *Layer) cacheFirst(req *http.Request) (*http.Response, error) {
	key := requestKey(req)
	if entry := l.store.CacheGet(req.Context(), l.staticNamespace(), key); entry != nil {
		return entryResponse(req, entry), nil
	}

	resp, err := l.base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			l.storeResponse(req, resp, l.staticNamespace())
		}
		return resp, nil
	}

	// A failed document request falls back to the cached app shell.
	if isDocumentRequest(req) {
		shell := *req.URL
		shell.Path = l.config.AppShellPath
		shell.RawQuery = ""
		shellKey := http.MethodGet + " " + shell.String()
		if entry := l.store.CacheGet(req.Context(), l.staticNamespace(), shellKey); entry != nil {
			l.config.Logger.Printf("Serving app shell for %s", req.URL.Path)
			return entryResponse(req, entry), nil
		}
	}
	return nil, err
}

func isDocumentRequest(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// storeResponse captures the response body and persists it, leaving the
// response readable by the caller.
func (l *Layer) storeResponse(req *http.Request, resp *http.Response, namespace string) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		l.config.Logger.Printf("Warning: failed to capture response for %s: %v", req.URL.Path, err)
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &store.CacheEntry{
		Namespace:   namespace,
		Key:         requestKey(req),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		CapturedAt:  time.Now(),
	}
	if err := l.store.CachePut(req.Context(), entry); err != nil {
		l.config.Logger.Printf("Warning: failed to cache response for %s: %v", req.URL.Path, err)
	}
}

// entryResponse synthesizes an http.Response from a cache entry.
func entryResponse(req *http.Request, entry *store.CacheEntry) *http.Response {
	header := make(http.Header)
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	header.Set("X-Sortsync-Cache", "hit")
	return &http.Response{
		StatusCode:    entry.Status,
		Status:        fmt.Sprintf("%d %s", entry.Status, http.StatusText(entry.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Body)),
		ContentLength: int64(len(entry.Body)),
		Request:       req,
	}
}

// offlineResponse synthesizes the structured payload returned when neither
// network nor cache can serve the request.
func offlineResponse(req *http.Request) *http.Response {
	body := []byte(fmt.Sprintf(`{"success":false,"error":%q,"message":"device is offline, request not served"}`, OfflineCode))
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode:    http.StatusServiceUnavailable,
		Status:        "503 Service Unavailable",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Prime pre-populates the static namespace with the given absolute URLs.
// Fetch failures are logged and skipped so a partial prime still helps.
func (l *Layer) Prime(ctx context.Context, urls []string) error {
	client := &http.Client{Transport: l.base}
	for _, u := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("failed to build prime request for %s: %w", u, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			l.config.Logger.Printf("Warning: failed to prime %s: %v", u, err)
			continue
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			l.storeResponse(req, resp, l.staticNamespace())
		}
		_ = resp.Body.Close()
	}
	return nil
}

// Activate deletes every cache namespace that does not match the current
// version tag. Called once at startup before the layer serves traffic.
func (l *Layer) Activate(ctx context.Context) error {
	keep := map[string]bool{
		l.apiNamespace():    true,
		l.staticNamespace(): true,
	}
	for _, ns := range l.store.CacheNamespaces(ctx) {
		if keep[ns] {
			continue
		}
		l.config.Logger.Printf("Dropping stale cache namespace %s", ns)
		if err := l.store.CacheDropNamespace(ctx, ns); err != nil {
			return err
		}
	}
	return nil
}

// SweepOnce evicts API entries older than the freshness window and returns
// the number evicted.
func (l *Layer) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-l.config.MaxAge)
	evicted, err := l.store.CacheSweep(ctx, l.apiNamespace(), cutoff)
	if err != nil {
		return 0, err
	}
	if evicted > 0 {
		l.config.Logger.Printf("Swept %d stale cache entries", evicted)
	}
	return evicted, nil
}

// StartSweeper runs the periodic freshness sweep until Stop is called.
func (l *Layer) StartSweeper() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.SweepOnce(l.ctx); err != nil {
					l.config.Logger.Printf("Error sweeping cache: %v", err)
				}
			}
		}
	}()
}

// Stop cancels the sweeper and waits for it to exit.
func (l *Layer) Stop() {
	l.cancel()
	l.wg.Wait()
}
