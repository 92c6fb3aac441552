package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftlock/drover/internal/bus"
)

const (
	schemaVersion  = 1
	schemaChecksum = "drover-v1-2026-08-tasks"
)

// SQLiteStore is the reference Store implementation. Single-writer sqlite in
// WAL mode, mirroring the single-instance deployment assumption: the claim
// compare-and-set is a plain transactional UPDATE, not a distributed lock.
type SQLiteStore struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// Open opens (and if needed creates) the task database at path. When eventBus
// is non-nil, newly created queued tasks publish task.queued.
func Open(path string, eventBus *bus.Bus) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, bus: eventBus}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			lane TEXT NOT NULL,
			owner TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'P2',
			tags TEXT NOT NULL DEFAULT '[]',
			note TEXT NOT NULL DEFAULT '',
			claimed_at DATETIME,
			claimed_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_lane ON tasks(lane);
		CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_to);
	`); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f when sqlite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// Create inserts a new task. Empty id and lane default to a fresh uuid and
// the queued lane. A task created into queued publishes task.queued.
func (s *SQLiteStore) Create(ctx context.Context, task Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Lane == "" {
		task.Lane = LaneQueued
	}
	if task.Priority == "" {
		task.Priority = PriorityP2
	}
	tags, err := json.Marshal(task.Tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, title, lane, owner, assigned_to, priority, tags, note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Title, task.Lane, task.Owner, task.AssignedTo, task.Priority, string(tags), task.Note)
		return execErr
	})
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}

	if s.bus != nil && task.Lane == LaneQueued {
		s.bus.Publish(bus.TopicTaskQueued, bus.TaskQueuedEvent{
			TaskID:    task.ID,
			AgentHint: task.AssignedTo,
			Task:      Snapshot(&task),
		})
	}
	return task.ID, nil
}

// Get returns the task with the given id, or nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` FROM tasks WHERE id = ?;`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

// Update applies patch to the task. Returns false when the task does not
// exist or when patch.ExpectLane no longer matches the stored lane; that
// false is the claim-conflict signal, not an error.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch, actor string) (bool, error) {
	set := []string{"updated_at = CURRENT_TIMESTAMP"}
	args := []any{}

	if patch.Lane != nil {
		set = append(set, "lane = ?")
		args = append(args, *patch.Lane)
	}
	if patch.AssignedTo != nil {
		set = append(set, "assigned_to = ?")
		args = append(args, *patch.AssignedTo)
	}
	if patch.ClaimedAt != nil {
		set = append(set, "claimed_at = ?")
		args = append(args, patch.ClaimedAt.UTC())
	}
	if patch.ClaimedBy != nil {
		set = append(set, "claimed_by = ?")
		args = append(args, *patch.ClaimedBy)
	}
	if patch.Note != nil {
		set = append(set, "note = ?")
		args = append(args, *patch.Note)
	}
	if patch.ClearClaim {
		set = append(set, "claimed_at = NULL", "claimed_by = ''")
	}

	query := `UPDATE tasks SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if patch.ExpectLane != nil {
		query += ` AND lane = ?`
		args = append(args, *patch.ExpectLane)
	}
	query += ";"

	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("update task %s (actor %s): %w", id, actor, err)
	}
	return affected > 0, nil
}

// List returns tasks matching the filter, oldest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Task, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, f.Lane)
	}
	if f.AssignedTo != "" {
		where = append(where, "(assigned_to = ? OR owner = ?)")
		args = append(args, f.AssignedTo, f.AssignedTo)
	}
	if f.HasOwner != nil {
		if *f.HasOwner {
			where = append(where, "(owner != '' OR assigned_to != '')")
		} else {
			where = append(where, "owner = '' AND assigned_to = ''")
		}
	}

	query := selectColumns + ` FROM tasks WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_at ASC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, scanErr := scanTask(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task: %w", scanErr)
		}
		out = append(out, *task)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, title, lane, owner, assigned_to, priority, tags, note, claimed_at, claimed_by, created_at, updated_at`

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var t Task
	var tags string
	var claimedAt sql.NullTime
	if err := scan(&t.ID, &t.Title, &t.Lane, &t.Owner, &t.AssignedTo, &t.Priority,
		&tags, &t.Note, &claimedAt, &t.ClaimedBy, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if claimedAt.Valid {
		ts := claimedAt.Time
		t.ClaimedAt = &ts
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return &t, nil
}

// Snapshot converts a task into the bus-facing view carried in queued events.
func Snapshot(t *Task) bus.TaskSnapshot {
	return bus.TaskSnapshot{
		ID:         t.ID,
		Lane:       string(t.Lane),
		Owner:      t.Owner,
		AssignedTo: t.AssignedTo,
		Priority:   string(t.Priority),
		Tags:       append([]string(nil), t.Tags...),
	}
}
