package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/google/uuid"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = schema.TaskStatusQueued
	}
	if task.Phase == "" {
		task.Phase = schema.PhaseInit
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, description, target, status, phase, payload, result, error, retry_count, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		task.ID, task.Description, task.Target, string(task.Status), string(task.Phase),
		nullRaw(task.Payload), nullRaw(task.Result), nullStr(task.Error), task.RetryCount,
		timeOrNow(task.CreatedAt), nullTime(task.StartedAt), nullTime(task.CompletedAt), timeOrNow(task.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	t := &Task{}
	var (
		status, phase           string
		payload, result, errMsg sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description, target, status, phase, payload, result, error, retry_count, created_at, started_at, completed_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.Description, &t.Target, &status, &phase, &payload, &result, &errMsg,
		&t.RetryCount, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, err
	}
	t.Status = schema.TaskStatus(status)
	t.Phase = schema.Phase(phase)
	t.Payload = rawOrNil(payload)
	t.Result = rawOrNil(result)
	t.Error = errMsg.String
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT id, description, target, status, phase, payload, result, error, retry_count, created_at, started_at, completed_at, updated_at FROM tasks`
	var args []any
	var where []string

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t := &Task{}
		var (
			status, phase           string
			payload, result, errMsg sql.NullString
			startedAt, completedAt  sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Description, &t.Target, &status, &phase, &payload, &result, &errMsg,
			&t.RetryCount, &t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Status = schema.TaskStatus(status)
		t.Phase = schema.Phase(phase)
		t.Payload = rawOrNil(payload)
		t.Result = rawOrNil(result)
		t.Error = errMsg.String
		if startedAt.Valid {
			t.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *LibSQLStore) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = COALESCE(started_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(schema.TaskStatusRunning), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) MarkCompleted(ctx context.Context, id string, phase schema.Phase, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, phase = ?, result = ?, error = NULL,
		 completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(schema.TaskStatusCompleted), string(phase), nullRaw(result), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) MarkFailed(ctx context.Context, id string, phase schema.Phase, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, phase = ?, error = ?,
		 completed_at = COALESCE(completed_at, CURRENT_TIMESTAMP), updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		string(schema.TaskStatusFailed), string(phase), errMsg, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

// --- Dead letters ---

func (s *LibSQLStore) AddDeadLetter(ctx context.Context, entry *DeadLetter) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, task_id, description, target, failure_reason, retry_count, state, last_error_phase, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		entry.ID, entry.TaskID, entry.Description, entry.Target, entry.FailureReason,
		entry.RetryCount, nullRaw(entry.State), nullStr(string(entry.LastErrorPhase)), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, task_id, description, target, failure_reason, retry_count, state, last_error_phase, created_at
	 FROM dead_letters ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*DeadLetter
	for rows.Next() {
		e := &DeadLetter{}
		var state, lastPhase sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Description, &e.Target, &e.FailureReason,
			&e.RetryCount, &state, &lastPhase, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.State = rawOrNil(state)
		e.LastErrorPhase = schema.Phase(lastPhase.String)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
