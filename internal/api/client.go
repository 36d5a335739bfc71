// Package api implements the HTTP client for the remote sorting authority.
//
// Every request carries a fixed timeout and passes through the transport
// installed at construction time, which is how the response cache layer
// intercepts traffic regardless of which component issued the call.
// Endpoint failures surface as *NetworkError so callers can route them into
// the retry/backoff path rather than treating them as fatal.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/warehouselabs/sortsync/internal/model"
)

// NetworkError wraps a failed call to the remote authority: timeouts,
// connectivity loss, and non-success responses all land here.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Envelope is the response wrapper used by every authority endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Code    int             `json:"code,omitempty"`
}

// SyncPayload is the body exchanged by the sync endpoints.
type SyncPayload struct {
	Tasks        []model.Task       `json:"tasks"`
	ScanRecords  []model.ScanRecord `json:"scanRecords"`
	LastSyncTime string             `json:"lastSyncTime,omitempty"`
}

// BarcodeValidation is the authority's answer to a barcode check.
type BarcodeValidation struct {
	IsValid bool        `json:"isValid"`
	Item    *model.Item `json:"item,omitempty"`
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the remote authority, e.g. http://pms.internal:8080/api
	BaseURL string

	// Timeout bounds every request; expiry is treated as a network failure.
	Timeout time.Duration

	// Transport, when non-nil, is installed as the HTTP round tripper.
	// The response cache layer plugs in here.
	Transport http.RoundTripper
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// Client talks to the remote sorting authority.
type Client struct {
	rc *resty.Client
}

// NewClient creates a Client from the given configuration. Unset fields
// take their defaults; in particular a partial config still gets the fixed
// request timeout, so no call can hang a sync run indefinitely.
func NewClient(config *Config) *Client {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = def.BaseURL
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if config.Transport != nil {
		rc.SetTransport(config.Transport)
	}
	return &Client{rc: rc}
}

// call performs one request and decodes the envelope, converting every
// failure mode into a *NetworkError.
func (c *Client) call(ctx context.Context, op, method, path string, body interface{}) (*Envelope, error) {
	req := c.rc.R().SetContext(ctx)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.IsError() {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.Status())}
	}

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request rejected"
		}
		return nil, &NetworkError{Op: op, Err: fmt.Errorf("%s", msg)}
	}
	return &env, nil
}

func decode(env *Envelope, out interface{}) error {
	if len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// Login authenticates the operator and returns the session user.
func (c *Client) Login(ctx context.Context, username, password string) (*model.User, error) {
	env, err := c.call(ctx, "login", http.MethodPost, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	var user model.User
	if err := decode(env, &user); err != nil {
		return nil, &NetworkError{Op: "login", Err: err}
	}
	return &user, nil
}

// Logout ends the authority-side session. Best effort.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, "logout", http.MethodPost, "/auth/logout", nil)
	return err
}

// ListTasks returns the tasks assigned to the given operator.
func (c *Client) ListTasks(ctx context.Context, userID string) ([]model.Task, error) {
	env, err := c.call(ctx, "list tasks", http.MethodGet, "/tasks?userId="+userID, nil)
	if err != nil {
		return nil, err
	}
	var tasks []model.Task
	if err := decode(env, &tasks); err != nil {
		return nil, &NetworkError{Op: "list tasks", Err: err}
	}
	return tasks, nil
}

// GetTask returns one task by id.
func (c *Client) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	env, err := c.call(ctx, "get task", http.MethodGet, "/tasks/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var task model.Task
	if err := decode(env, &task); err != nil {
		return nil, &NetworkError{Op: "get task", Err: err}
	}
	return &task, nil
}

// UpdateTaskStatus reports a status change for a task.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID string, status model.TaskStatus, completedAt *time.Time) error {
	body := map[string]interface{}{"status": status}
	if completedAt != nil {
		body["completedAt"] = completedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := c.call(ctx, "update task status", http.MethodPut, "/tasks/"+taskID+"/status", body)
	return err
}

// UpdateTask pushes a whole task record to the authority.
func (c *Client) UpdateTask(ctx context.Context, task *model.Task) error {
	_, err := c.call(ctx, "update task", http.MethodPut, "/tasks/"+task.ID, task)
	return err
}

// UpdateItem pushes a partial item edit to the authority.
func (c *Client) UpdateItem(ctx context.Context, itemID string, fields map[string]interface{}) error {
	_, err := c.call(ctx, "update item", http.MethodPut, "/sorting-items/"+itemID, fields)
	return err
}

// ValidateBarcode asks the authority whether a barcode belongs to the task.
func (c *Client) ValidateBarcode(ctx context.Context, taskID, barcode string) (*BarcodeValidation, error) {
	env, err := c.call(ctx, "validate barcode", http.MethodPost, "/tasks/"+taskID+"/validate-barcode",
		map[string]string{"barcode": barcode})
	if err != nil {
		return nil, err
	}
	var result BarcodeValidation
	if err := decode(env, &result); err != nil {
		return nil, &NetworkError{Op: "validate barcode", Err: err}
	}
	return &result, nil
}

// SubmitScanRecord uploads a single scan record.
func (c *Client) SubmitScanRecord(ctx context.Context, rec *model.ScanRecord) error {
	_, err := c.call(ctx, "submit scan record", http.MethodPost, "/scan-records", rec)
	return err
}

// SubmitScanRecords uploads a batch of scan records. The batch is
// all-or-nothing on the authority side.
func (c *Client) SubmitScanRecords(ctx context.Context, recs []model.ScanRecord) error {
	_, err := c.call(ctx, "submit scan records", http.MethodPost, "/scan-records/batch",
		map[string]interface{}{"records": recs})
	return err
}

// SyncUpload pushes a whole pending set in one call.
func (c *Client) SyncUpload(ctx context.Context, payload *SyncPayload) error {
	_, err := c.call(ctx, "sync upload", http.MethodPost, "/sync/upload", payload)
	return err
}

// SyncDownload fetches remote state changed since lastSyncTime. A zero
// lastSyncTime requests everything.
func (c *Client) SyncDownload(ctx context.Context, lastSyncTime time.Time) (*SyncPayload, error) {
	path := "/sync/download"
	if !lastSyncTime.IsZero() {
		path += "?lastSyncTime=" + lastSyncTime.UTC().Format(time.RFC3339Nano)
	}
	env, err := c.call(ctx, "sync download", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var payload SyncPayload
	if err := decode(env, &payload); err != nil {
		return nil, &NetworkError{Op: "sync download", Err: err}
	}
	return &payload, nil
}

// Health reports whether the authority is reachable.
func (c *Client) Health(ctx context.Context) bool {
	_, err := c.call(ctx, "health", http.MethodGet, "/health", nil)
	return err == nil
}
