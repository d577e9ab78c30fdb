// Package sqlite is the local task database.
//
// It holds tasks, deletion tombstones, per-provider sync state and the
// application settings table. The sync engine only sees it through
// service.LocalStore and syncer.StateStore; credentials never live here.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"tasksync/internal/service"
	"tasksync/internal/syncer"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	remote_uid    TEXT NOT NULL DEFAULT '',
	remote_url    TEXT NOT NULL DEFAULT '',
	etag          TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	completed     INTEGER NOT NULL DEFAULT 0,
	progress      INTEGER NOT NULL DEFAULT 0,
	priority      TEXT NOT NULL DEFAULT 'none',
	due           TEXT NOT NULL DEFAULT '',
	start         TEXT NOT NULL DEFAULT '',
	categories    TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	last_modified TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_remote_uid ON tasks(remote_uid);

CREATE TABLE IF NOT EXISTS tombstones (
	task_id    TEXT PRIMARY KEY,
	remote_uid TEXT NOT NULL DEFAULT '',
	etag       TEXT NOT NULL DEFAULT '',
	deleted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tombstone_acks (
	task_id  TEXT NOT NULL REFERENCES tombstones(task_id) ON DELETE CASCADE,
	provider TEXT NOT NULL,
	PRIMARY KEY (task_id, provider)
);

CREATE TABLE IF NOT EXISTS provider_state (
	provider TEXT PRIMARY KEY,
	state    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// ErrTaskNotFound is returned when a task ID does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Store is a SQLite-backed local store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Writers serialize anyway; one connection keeps transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const taskColumns = `id, remote_uid, remote_url, etag, title, description, completed, progress,
	priority, due, start, categories, created_at, last_modified`

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks(ctx context.Context) ([]service.SyncableTask, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []service.SyncableTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Task returns a single task.
func (s *Store) Task(ctx context.Context, id string) (service.SyncableTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return service.SyncableTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// PutTask inserts or replaces a task. A pending tombstone for the same ID is
// dropped.
func (s *Store) PutTask(ctx context.Context, t service.SyncableTask) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertTask(ctx, tx, t)
	})
}

// DeleteTask removes a task and records a tombstone so providers can
// propagate the deletion.
func (s *Store) DeleteTask(ctx context.Context, id string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var uid, etag string
		err := tx.QueryRowContext(ctx, "SELECT remote_uid, etag FROM tasks WHERE id = ?", id).Scan(&uid, &etag)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		if err != nil {
			return err
		}
		return deleteWithTombstone(ctx, tx, service.Tombstone{TaskID: id, RemoteUID: uid, ETag: etag, DeletedAt: at})
	})
}

// deleteWithTombstone removes a task and records its tombstone together
// with the providers that already know about the deletion.
func deleteWithTombstone(ctx context.Context, tx *sql.Tx, tomb service.Tombstone) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", tomb.TaskID); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", tomb.TaskID, err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (task_id, remote_uid, etag, deleted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET remote_uid = excluded.remote_uid,
			etag = excluded.etag, deleted_at = excluded.deleted_at`,
		tomb.TaskID, tomb.RemoteUID, tomb.ETag, formatTime(tomb.DeletedAt))
	if err != nil {
		return fmt.Errorf("failed to record tombstone %s: %w", tomb.TaskID, err)
	}
	for _, p := range tomb.Acked {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO tombstone_acks (task_id, provider) VALUES (?, ?)",
			tomb.TaskID, string(p))
		if err != nil {
			return fmt.Errorf("failed to ack tombstone %s: %w", tomb.TaskID, err)
		}
	}
	return nil
}

// ReadSnapshot implements service.LocalStore.
func (s *Store) ReadSnapshot(ctx context.Context) (service.Snapshot, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return service.Snapshot{}, err
	}
	tombs, err := s.Tombstones(ctx)
	if err != nil {
		return service.Snapshot{}, err
	}
	return service.Snapshot{
		Version:    service.SnapshotVersion,
		ExportedAt: time.Now().UTC(),
		Tasks:      tasks,
		Tombstones: tombs,
	}, nil
}

// ApplySnapshot implements service.LocalStore. The patch is applied in a
// single transaction. Settings and provider state are not touched.
func (s *Store) ApplySnapshot(ctx context.Context, patch service.Patch) error {
	if patch.Empty() {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range patch.Upserts {
			if err := upsertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, tomb := range patch.Deletes {
			if err := deleteWithTombstone(ctx, tx, tomb); err != nil {
				return err
			}
		}
		for _, ack := range patch.AckTombstones {
			// Acks for tombstones that no longer exist are ignored.
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO tombstone_acks (task_id, provider)
				SELECT task_id, ? FROM tombstones WHERE task_id = ?`,
				string(ack.Provider), ack.TaskID)
			if err != nil {
				return fmt.Errorf("failed to ack tombstone %s: %w", ack.TaskID, err)
			}
		}
		return nil
	})
}

// Tombstones returns all pending tombstones with their acknowledgements.
func (s *Store) Tombstones(ctx context.Context) ([]service.Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.task_id, t.remote_uid, t.etag, t.deleted_at, COALESCE(a.provider, '')
		FROM tombstones t LEFT JOIN tombstone_acks a ON a.task_id = t.task_id
		ORDER BY t.task_id, a.provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	var out []service.Tombstone
	for rows.Next() {
		var tomb service.Tombstone
		var deletedAt, provider string
		if err := rows.Scan(&tomb.TaskID, &tomb.RemoteUID, &tomb.ETag, &deletedAt, &provider); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].TaskID == tomb.TaskID {
			out[n-1].Acked = append(out[n-1].Acked, service.ProviderID(provider))
			continue
		}
		if tomb.DeletedAt, err = parseTime(deletedAt); err != nil {
			return nil, err
		}
		if provider != "" {
			tomb.Acked = []service.ProviderID{service.ProviderID(provider)}
		}
		out = append(out, tomb)
	}
	return out, rows.Err()
}

// PruneTombstones deletes tombstones acknowledged by every provider in
// providers and returns how many were removed.
func (s *Store) PruneTombstones(ctx context.Context, providers []service.ProviderID) (int, error) {
	if len(providers) == 0 {
		return 0, nil
	}
	tombs, err := s.Tombstones(ctx)
	if err != nil {
		return 0, err
	}
	var done []string
	for _, tomb := range tombs {
		all := true
		for _, p := range providers {
			if !tomb.AckedBy(p) {
				all = false
				break
			}
		}
		if all {
			done = append(done, tomb.TaskID)
		}
	}
	if len(done) == 0 {
		return 0, nil
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range done {
			if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE task_id = ?", id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune tombstones: %w", err)
	}
	return len(done), nil
}

// LoadProviderState implements syncer.StateStore.
func (s *Store) LoadProviderState(ctx context.Context, id service.ProviderID) (syncer.ProviderSyncState, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM provider_state WHERE provider = ?", string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return syncer.ProviderSyncState{}, false, nil
	}
	if err != nil {
		return syncer.ProviderSyncState{}, false, fmt.Errorf("failed to load %s state: %w", id, err)
	}
	var state syncer.ProviderSyncState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return syncer.ProviderSyncState{}, false, fmt.Errorf("failed to parse %s state: %w", id, err)
	}
	return state, true, nil
}

// SaveProviderState implements syncer.StateStore.
func (s *Store) SaveProviderState(ctx context.Context, id service.ProviderID, state syncer.ProviderSyncState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_state (provider, state) VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET state = excluded.state`,
		string(id), string(data))
	if err != nil {
		return fmt.Errorf("failed to save %s state: %w", id, err)
	}
	return nil
}

// DeleteProviderState implements syncer.StateStore.
func (s *Store) DeleteProviderState(ctx context.Context, id service.ProviderID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM provider_state WHERE provider = ?", string(id))
	return err
}

// Setting returns a stored application setting.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting stores an application setting. An empty value removes it.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if value == "" {
		_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func upsertTask(ctx context.Context, tx *sql.Tx, t service.SyncableTask) error {
	cats, err := json.Marshal(t.Categories)
	if err != nil {
		return err
	}
	if t.Categories == nil {
		cats = []byte("[]")
	}
	priority := t.Priority
	if priority == "" {
		priority = service.PriorityNone
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			remote_uid = excluded.remote_uid, remote_url = excluded.remote_url,
			etag = excluded.etag, title = excluded.title, description = excluded.description,
			completed = excluded.completed, progress = excluded.progress,
			priority = excluded.priority, due = excluded.due, start = excluded.start,
			categories = excluded.categories, created_at = excluded.created_at,
			last_modified = excluded.last_modified`,
		t.ID, t.RemoteUID, t.RemoteURL, t.ETag, t.Title, t.Description,
		t.Completed, t.Progress, string(priority),
		formatTimePtr(t.Due), formatTimePtr(t.Start), string(cats),
		formatTime(t.CreatedAt), formatTime(t.LastModified))
	if err != nil {
		return fmt.Errorf("failed to store task %s: %w", t.ID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tombstones WHERE task_id = ?", t.ID); err != nil {
		return fmt.Errorf("failed to clear tombstone %s: %w", t.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (service.SyncableTask, error) {
	var t service.SyncableTask
	var priority, due, start, cats, created, modified string
	err := row.Scan(&t.ID, &t.RemoteUID, &t.RemoteURL, &t.ETag, &t.Title, &t.Description,
		&t.Completed, &t.Progress, &priority, &due, &start, &cats, &created, &modified)
	if err != nil {
		return t, err
	}
	t.Priority = service.ParsePriority(priority)
	if err := json.Unmarshal([]byte(cats), &t.Categories); err != nil {
		return t, fmt.Errorf("task %s: bad categories: %w", t.ID, err)
	}
	if len(t.Categories) == 0 {
		t.Categories = nil
	}
	if t.Due, err = parseTimePtr(due); err != nil {
		return t, err
	}
	if t.Start, err = parseTimePtr(start); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	if t.LastModified, err = parseTime(modified); err != nil {
		return t, err
	}
	return t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
