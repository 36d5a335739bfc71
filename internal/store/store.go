// Package store provides the durable local store for the sortsync engine.
//
// The store is an embedded SQLite database (WAL mode for concurrent reads)
// holding the named collections the device works from while offline: sorting
// tasks, append-only scan records, the session user, the pending-set
// snapshot, the last-sync timestamp, and cached network responses.
//
// Every operation is atomic at single-collection granularity: replacing the
// task list happens inside one transaction, so no partial-list corruption
// can result from one call. Read failures degrade to empty results (logged,
// treated as "nothing persisted yet"); write failures propagate to the
// caller, which must not assume the mutation is durable.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/warehouselabs/sortsync/internal/model"
)

// Keys of the single-value kv collection.
const (
	keyUser         = "current_user"
	keyLastSyncTime = "last_sync_time"
	keyPendingSet   = "pending_set"
)

// Store wraps the SQLite connection with the collections the engine needs.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
}

// CacheEntry is one cached network response, owned by the response cache
// layer but persisted here so cached reads survive restarts.
type CacheEntry struct {
	Namespace   string
	Key         string
	Status      int
	ContentType string
	Body        []byte
	CapturedAt  time.Time
}

// Open creates a store at the given path, creating parent directories and
// the schema as needed. ":memory:" opens an ephemeral store; the pool is
// pinned to a single connection there so every caller sees the same
// in-memory database.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		connStr = fmt.Sprintf("file:%s", path)
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	s := &Store{conn: conn, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,          -- whole task record, items included
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS scan_records (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		barcode TEXT NOT NULL,
		scanned_at TEXT NOT NULL,
		is_valid INTEGER NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		uploaded INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_scan_records_task ON scan_records(task_id);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		namespace TEXT NOT NULL,
		request_key TEXT NOT NULL,
		status INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		body BLOB NOT NULL,
		captured_at TEXT NOT NULL,
		PRIMARY KEY (namespace, request_key)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_captured ON cache_entries(namespace, captured_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// ===== Tasks =====

// Tasks returns all locally stored tasks. Read failures yield an empty
// slice: the device treats an unreadable collection as not yet persisted.
func (s *Store) Tasks(ctx context.Context) []model.Task {
	rows, err := s.conn.QueryContext(ctx, `SELECT doc FROM tasks ORDER BY updated_at ASC`)
	if err != nil {
		s.logger.Printf("Warning: failed to read tasks: %v", err)
		return nil
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			s.logger.Printf("Warning: failed to scan task row: %v", err)
			continue
		}
		var task model.Task
		if err := json.Unmarshal([]byte(doc), &task); err != nil {
			s.logger.Printf("Warning: skipping corrupt task record: %v", err)
			continue
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		s.logger.Printf("Warning: error iterating tasks: %v", err)
	}
	return tasks
}

// TaskByID returns the stored task with the given id, or nil if absent.
func (s *Store) TaskByID(ctx context.Context, id string) *model.Task {
	var doc string
	err := s.conn.QueryRowContext(ctx, `SELECT doc FROM tasks WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.logger.Printf("Warning: failed to read task %s: %v", id, err)
		return nil
	}
	var task model.Task
	if err := json.Unmarshal([]byte(doc), &task); err != nil {
		s.logger.Printf("Warning: corrupt task record %s: %v", id, err)
		return nil
	}
	return &task
}

// SaveTask inserts or replaces a single task record.
func (s *Store) SaveTask(ctx context.Context, task *model.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	query := `
	INSERT INTO tasks (id, doc, status, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		doc = excluded.doc,
		status = excluded.status,
		updated_at = excluded.updated_at
	`
	_, err = s.conn.ExecContext(ctx, query,
		task.ID, string(doc), string(task.Status), task.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, err)
	}
	return nil
}

// ReplaceTasks atomically replaces the whole task collection.
func (s *Store) ReplaceTasks(ctx context.Context, tasks []model.Task) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	for i := range tasks {
		task := &tasks[i]
		doc, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, doc, status, updated_at) VALUES (?, ?, ?, ?)`,
			task.ID, string(doc), string(task.Status), task.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task replacement: %w", err)
	}
	return nil
}

// RemoveTask deletes a task record. Idempotent.
func (s *Store) RemoveTask(ctx context.Context, id string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove task %s: %w", id, err)
	}
	return nil
}

// ===== Scan records =====

// ScanRecords returns all locally stored scan records in scan order.
func (s *Store) ScanRecords(ctx context.Context) []model.ScanRecord {
	return s.queryScanRecords(ctx, `
		SELECT id, task_id, item_id, barcode, scanned_at, is_valid, error_message
		FROM scan_records ORDER BY scanned_at ASC, id ASC`)
}

// PendingScanRecords returns the scan records not yet acknowledged by the
// authority, the set the next batch upload carries.
func (s *Store) PendingScanRecords(ctx context.Context) []model.ScanRecord {
	return s.queryScanRecords(ctx, `
		SELECT id, task_id, item_id, barcode, scanned_at, is_valid, error_message
		FROM scan_records WHERE uploaded = 0 ORDER BY scanned_at ASC, id ASC`)
}

func (s *Store) queryScanRecords(ctx context.Context, query string) []model.ScanRecord {
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		s.logger.Printf("Warning: failed to read scan records: %v", err)
		return nil
	}
	defer rows.Close()

	var records []model.ScanRecord
	for rows.Next() {
		var rec model.ScanRecord
		var scannedAt string
		var isValid int
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.ItemID, &rec.Barcode, &scannedAt, &isValid, &rec.ErrorMessage); err != nil {
			s.logger.Printf("Warning: failed to scan record row: %v", err)
			continue
		}
		if t, err := time.Parse(time.RFC3339Nano, scannedAt); err == nil {
			rec.ScannedAt = t
		}
		rec.IsValid = isValid != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		s.logger.Printf("Warning: error iterating scan records: %v", err)
	}
	return records
}

// AppendScanRecord persists one scan record. Records with an id already
// present are kept as-is: scan records are immutable facts.
func (s *Store) AppendScanRecord(ctx context.Context, rec *model.ScanRecord) error {
	isValid := 0
	if rec.IsValid {
		isValid = 1
	}
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO scan_records (id, task_id, item_id, barcode, scanned_at, is_valid, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.TaskID, rec.ItemID, rec.Barcode,
		rec.ScannedAt.UTC().Format(time.RFC3339Nano), isValid, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to append scan record %s: %w", rec.ID, err)
	}
	return nil
}

// AppendScanRecords persists a batch of scan records in one transaction.
// uploaded marks records the authority already has (downloaded copies), so
// they never enter the pending set.
func (s *Store) AppendScanRecords(ctx context.Context, recs []model.ScanRecord, uploaded bool) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	uploadedFlag := 0
	if uploaded {
		uploadedFlag = 1
	}
	for i := range recs {
		rec := &recs[i]
		isValid := 0
		if rec.IsValid {
			isValid = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO scan_records (id, task_id, item_id, barcode, scanned_at, is_valid, error_message, uploaded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rec.ID, rec.TaskID, rec.ItemID, rec.Barcode,
			rec.ScannedAt.UTC().Format(time.RFC3339Nano), isValid, rec.ErrorMessage, uploadedFlag)
		if err != nil {
			return fmt.Errorf("failed to append scan record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit scan records: %w", err)
	}
	return nil
}

// ClearScanRecords removes the not-yet-uploaded scan records, called after
// a confirmed batch upload. Records the authority already acknowledged stay
// for the local audit view.
func (s *Store) ClearScanRecords(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM scan_records WHERE uploaded = 0`); err != nil {
		return fmt.Errorf("failed to clear scan records: %w", err)
	}
	return nil
}

// ===== Session user =====

// User returns the persisted session user, or nil if nobody is logged in.
func (s *Store) User(ctx context.Context) *model.User {
	var user model.User
	if !s.getJSON(ctx, keyUser, &user) {
		return nil
	}
	return &user
}

// SaveUser persists the session user.
func (s *Store) SaveUser(ctx context.Context, user *model.User) error {
	return s.putJSON(ctx, keyUser, user)
}

// ClearUser removes the persisted session user.
func (s *Store) ClearUser(ctx context.Context) error {
	return s.deleteKey(ctx, keyUser)
}

// ===== Sync bookkeeping =====

// LastSyncTime returns the timestamp of the last committed synchronization,
// or the zero time if no sync has completed yet.
func (s *Store) LastSyncTime(ctx context.Context) time.Time {
	var raw string
	if !s.getValue(ctx, keyLastSyncTime, &raw) {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Printf("Warning: corrupt last-sync timestamp %q: %v", raw, err)
		return time.Time{}
	}
	return t
}

// SaveLastSyncTime stamps the last committed synchronization time.
func (s *Store) SaveLastSyncTime(ctx context.Context, t time.Time) error {
	return s.putValue(ctx, keyLastSyncTime, t.UTC().Format(time.RFC3339Nano))
}

// PendingSet returns the persisted outbox snapshot, or nil if none exists.
func (s *Store) PendingSet(ctx context.Context) *model.PendingSet {
	var pending model.PendingSet
	if !s.getJSON(ctx, keyPendingSet, &pending) {
		return nil
	}
	return &pending
}

// SavePendingSet persists the outbox snapshot.
func (s *Store) SavePendingSet(ctx context.Context, pending *model.PendingSet) error {
	return s.putJSON(ctx, keyPendingSet, pending)
}

// ClearPendingSet removes the outbox snapshot.
func (s *Store) ClearPendingSet(ctx context.Context) error {
	return s.deleteKey(ctx, keyPendingSet)
}

// ===== Response cache =====

// CacheGet returns the cached response for (namespace, key), or nil.
func (s *Store) CacheGet(ctx context.Context, namespace, key string) *CacheEntry {
	entry := CacheEntry{Namespace: namespace, Key: key}
	var capturedAt string
	err := s.conn.QueryRowContext(ctx, `
		SELECT status, content_type, body, captured_at
		FROM cache_entries WHERE namespace = ? AND request_key = ?`,
		namespace, key).Scan(&entry.Status, &entry.ContentType, &entry.Body, &capturedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		s.logger.Printf("Warning: failed to read cache entry %s/%s: %v", namespace, key, err)
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, capturedAt); err == nil {
		entry.CapturedAt = t
	}
	return &entry
}

// CachePut inserts or replaces a cached response.
func (s *Store) CachePut(ctx context.Context, entry *CacheEntry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cache_entries (namespace, request_key, status, content_type, body, captured_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, request_key) DO UPDATE SET
			status = excluded.status,
			content_type = excluded.content_type,
			body = excluded.body,
			captured_at = excluded.captured_at`,
		entry.Namespace, entry.Key, entry.Status, entry.ContentType, entry.Body,
		entry.CapturedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put cache entry %s/%s: %w", entry.Namespace, entry.Key, err)
	}
	return nil
}

// CacheNamespaces returns the distinct cache namespaces currently present.
func (s *Store) CacheNamespaces(ctx context.Context) []string {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT namespace FROM cache_entries`)
	if err != nil {
		s.logger.Printf("Warning: failed to list cache namespaces: %v", err)
		return nil
	}
	defer rows.Close()

	var namespaces []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			continue
		}
		namespaces = append(namespaces, ns)
	}
	return namespaces
}

// CacheDropNamespace removes every entry in the given namespace.
func (s *Store) CacheDropNamespace(ctx context.Context, namespace string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace); err != nil {
		return fmt.Errorf("failed to drop cache namespace %s: %w", namespace, err)
	}
	return nil
}

// CacheSweep deletes entries in the namespace captured before cutoff and
// returns the number evicted.
func (s *Store) CacheSweep(ctx context.Context, namespace string, cutoff time.Time) (int, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE namespace = ? AND captured_at < ?`,
		namespace, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to sweep cache namespace %s: %w", namespace, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ===== kv helpers =====

func (s *Store) getValue(ctx context.Context, key string, out *string) bool {
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(out)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		s.logger.Printf("Warning: failed to read %s: %v", key, err)
		return false
	}
	return true
}

func (s *Store) putValue(ctx context.Context, key, value string) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) bool {
	var raw string
	if !s.getValue(ctx, key, &raw) {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.logger.Printf("Warning: corrupt %s record: %v", key, err)
		return false
	}
	return true
}

func (s *Store) putJSON(ctx context.Context, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.putValue(ctx, key, string(raw))
}

func (s *Store) deleteKey(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}
