package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/warehouselabs/sortsync/internal/model"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(&Config{BaseURL: server.URL + "/api", Timeout: 2 * time.Second})
	return client, server
}

func envelope(w http.ResponseWriter, data interface{}) {
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(Envelope{Success: true, Data: raw})
}

func TestLogin(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/login" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "chen" {
			t.Errorf("username = %q", creds["username"])
		}
		envelope(w, model.User{ID: "u-1", Username: "chen", Name: "Chen Wei"})
	}))
	defer server.Close()

	user, err := client.Login(context.Background(), "chen", "secret")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if user.ID != "u-1" || user.Username != "chen" {
		t.Errorf("user = %+v", user)
	}
}

func TestRejectedEnvelopeIsNetworkError(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Envelope{Success: false, Message: "invalid credentials"})
	}))
	defer server.Close()

	_, err := client.Login(context.Background(), "chen", "wrong")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v, want *NetworkError", err)
	}
	if netErr.Op != "login" {
		t.Errorf("op = %q, want login", netErr.Op)
	}
}

func TestUnreachableServerIsNetworkError(t *testing.T) {
	// A server that is immediately closed leaves a refused port.
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewClient(&Config{BaseURL: url + "/api", Timeout: time.Second})
	_, err := client.ListTasks(context.Background(), "u-1")

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v, want *NetworkError", err)
	}
}

func TestSyncDownloadQuery(t *testing.T) {
	var gotQuery string
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		envelope(w, SyncPayload{Tasks: []model.Task{{ID: "task-1"}}})
	}))
	defer server.Close()

	ctx := context.Background()

	// Zero time requests everything.
	if _, err := client.SyncDownload(ctx, time.Time{}); err != nil {
		t.Fatalf("SyncDownload(zero) error = %v", err)
	}
	if gotQuery != "" {
		t.Errorf("query = %q, want none for a full fetch", gotQuery)
	}

	since := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	payload, err := client.SyncDownload(ctx, since)
	if err != nil {
		t.Fatalf("SyncDownload(since) error = %v", err)
	}
	if gotQuery == "" {
		t.Error("incremental fetch sent no lastSyncTime")
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].ID != "task-1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestHealth(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Envelope{Success: true})
	}))
	defer server.Close()

	if !client.Health(context.Background()) {
		t.Error("Health() = false against a live server")
	}

	server.Close()
	if client.Health(context.Background()) {
		t.Error("Health() = true against a closed server")
	}
}

func TestPartialConfigKeepsDefaultTimeout(t *testing.T) {
	// Production callers set only BaseURL; the fixed request timeout must
	// survive, or a hung call stalls its sync run indefinitely.
	client := NewClient(&Config{BaseURL: "http://localhost:8080/api"})
	if got := client.rc.GetClient().Timeout; got != 10*time.Second {
		t.Errorf("timeout = %v, want the 10s default", got)
	}
}

func TestSlowServerSurfacesAsNetworkError(t *testing.T) {
	_, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()
	slow := NewClient(&Config{BaseURL: server.URL + "/api", Timeout: 20 * time.Millisecond})

	_, err := slow.ListTasks(context.Background(), "u-1")
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("error = %v, want *NetworkError on timeout expiry", err)
	}
}
