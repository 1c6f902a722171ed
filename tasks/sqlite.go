package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

const migrationV1Tasks = `
CREATE TABLE tasks (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	type            TEXT NOT NULL,
	status          TEXT NOT NULL,
	priority        TEXT NOT NULL,
	priority_rank   INTEGER NOT NULL,
	agent_id        TEXT NOT NULL DEFAULT '',
	user_id         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	data            TEXT NOT NULL
);
CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_tasks_created ON tasks(created_at);
CREATE INDEX idx_tasks_agent ON tasks(agent_id);
`

// sortColumns whitelists ORDER BY targets.
var sortColumns = map[SortField]string{
	SortCreatedAt: "created_at",
	SortUpdatedAt: "updated_at",
	SortPriority:  "priority_rank",
	SortStatus:    "status",
	SortType:      "type",
}

// SQLiteStore persists tasks in a SQLite database. Indexed columns carry
// what List filters and sorts on; the full task is kept as JSON.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations. The caller is responsible for calling Close.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// Create inserts a new task.
func (s *SQLiteStore) Create(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, idempotency_key, type, status, priority, priority_rank,
			 agent_id, user_id, created_at, updated_at, data)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, nullString(task.IdempotencyKey), string(task.Type), string(task.Status),
		string(task.Priority), task.Priority.Rank(), task.AssignedAgentID, task.UserID,
		task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(), string(data),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	return scanOne(s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE id = ?", id))
}

// FindByIdempotencyKey retrieves the task created with key.
func (s *SQLiteStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	if key == "" {
		return nil, ErrTaskNotFound
	}
	return scanOne(s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE idempotency_key = ?", key))
}

// Update replaces an existing task.
func (s *SQLiteStore) Update(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status=?, priority=?, priority_rank=?, agent_id=?, user_id=?, updated_at=?, data=?
		WHERE id=?`,
		string(task.Status), string(task.Priority), task.Priority.Rank(),
		task.AssignedAgentID, task.UserID, task.UpdatedAt.UnixNano(), string(data),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete removes a task by id.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// List runs q as a single SELECT.
func (s *SQLiteStore) List(ctx context.Context, q Query) ([]*Task, error) {
	q = q.withDefaults()

	var b strings.Builder
	b.WriteString("SELECT data FROM tasks WHERE 1=1")
	var args []any

	in := func(col string, values []string) {
		if len(values) == 0 {
			return
		}
		b.WriteString(" AND " + col + " IN (" + strings.TrimSuffix(strings.Repeat("?,", len(values)), ",") + ")")
		for _, v := range values {
			args = append(args, v)
		}
	}
	in("status", stringsOf(q.Statuses))
	in("type", stringsOf(q.Types))
	in("priority", stringsOf(q.Priorities))
	if q.AgentID != "" {
		b.WriteString(" AND agent_id=?")
		args = append(args, q.AgentID)
	}
	if q.UserID != "" {
		b.WriteString(" AND user_id=?")
		args = append(args, q.UserID)
	}
	if q.CreatedFrom != nil {
		b.WriteString(" AND created_at>=?")
		args = append(args, q.CreatedFrom.UnixNano())
	}
	if q.CreatedTo != nil {
		b.WriteString(" AND created_at<=?")
		args = append(args, q.CreatedTo.UnixNano())
	}

	dir := "DESC"
	if q.Sort.Direction == Asc {
		dir = "ASC"
	}
	fmt.Fprintf(&b, " ORDER BY %s %s, id ASC", sortColumns[q.Sort.Field], dir)
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanOne(row *sql.Row) (*Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return decodeTask(data)
}

func decodeTask(data string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}
