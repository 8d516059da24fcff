package board

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteTaskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	owner_id TEXT NOT NULL,
	id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	column_key TEXT NOT NULL,
	position INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT,
	PRIMARY KEY (owner_id, id)
);
CREATE INDEX IF NOT EXISTS tasks_owner_column_idx ON tasks (owner_id, column_key, position);
`

// SQLiteTaskTable is a single-node task table. Transactions take the write
// lock up front (_txlock=immediate) so two handlers cannot both read before
// either writes.
type SQLiteTaskTable struct {
	path string
	db   *sql.DB
}

func NewSQLiteTaskTable(path string) (*SQLiteTaskTable, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteTaskSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteTaskTable{path: path, db: db}, nil
}

func (s *SQLiteTaskTable) Transact(ctx context.Context, ownerID string, fn TransactFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin task transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.selectOwner(ctx, tx, ownerID)
	if err != nil {
		return err
	}
	changes, err := fn(current)
	if err != nil {
		return err
	}
	if changes.IsZero() {
		return nil
	}
	for _, id := range changes.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
	}
	for _, task := range changes.Upserts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (owner_id, id, title, description, column_key, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (owner_id, id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				column_key = excluded.column_key,
				position = excluded.position,
				updated_at = excluded.updated_at`,
			ownerID, task.ID, task.Title, nullString(task.Description), string(task.Column), task.Position,
			formatTime(task.CreatedAt), formatOptionalTime(task.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task transaction: %w", err)
	}
	return nil
}

func (s *SQLiteTaskTable) List(ctx context.Context, ownerID string) ([]Task, error) {
	return s.selectOwner(ctx, s.db, ownerID)
}

func (s *SQLiteTaskTable) selectOwner(ctx context.Context, q sqlQueryer, ownerID string) ([]Task, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, title, description, column_key, position, created_at, updated_at
		FROM tasks WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	out := []Task{}
	for rows.Next() {
		var (
			task                 Task
			column, createdAt    string
			description, updated sql.NullString
		)
		if err := rows.Scan(&task.ID, &task.Title, &description, &column, &task.Position, &createdAt, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.OwnerID = ownerID
		task.Column = Column(column)
		if description.Valid {
			task.Description = StringPtr(description.String)
		}
		if task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for %s: %w", task.ID, err)
		}
		if updated.Valid {
			stamp, err := time.Parse(time.RFC3339Nano, updated.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse updated_at for %s: %w", task.ID, err)
			}
			task.UpdatedAt = &stamp
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	SortTasks(out)
	return out, nil
}

func (s *SQLiteTaskTable) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
