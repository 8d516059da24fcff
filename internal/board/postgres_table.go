package board

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTaskTableName    = "taskboard_tasks"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTaskTable stores one row per task. Transact serializes per owner
// with a transaction-scoped advisory lock so several server instances can
// share the table.
type PostgresTaskTable struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTaskTable(dsn string) (TaskTable, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresTaskTable{
		dsn:       dsn,
		tableName: postgresTaskTableName,
		openDB:    sql.Open,
	}, nil
}

func (p *PostgresTaskTable) Transact(ctx context.Context, ownerID string, fn TransactFunc) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin task transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresOwnerLockKey(p.tableName, ownerID)); err != nil {
		return fmt.Errorf("failed to lock owner %s: %w", ownerID, err)
	}
	current, err := p.selectOwner(ctx, tx, ownerID)
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

	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE owner_id = $1 AND id = $2", postgresQuoteIdentifier(p.tableName))
	for _, id := range changes.Deletes {
		if _, err := tx.ExecContext(ctx, deleteQuery, ownerID, id); err != nil {
			return fmt.Errorf("failed to delete task %s: %w", id, err)
		}
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (owner_id, id, title, description, column_key, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (owner_id, id)
		DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description,
			column_key = EXCLUDED.column_key, position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`,
		postgresQuoteIdentifier(p.tableName))
	for _, task := range changes.Upserts {
		if _, err := tx.ExecContext(ctx, upsertQuery,
			ownerID, task.ID, task.Title, nullString(task.Description), string(task.Column), task.Position,
			task.CreatedAt.UTC(), nullTime(task.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task transaction: %w", err)
	}
	committed = true
	return nil
}

func (p *PostgresTaskTable) List(ctx context.Context, ownerID string) ([]Task, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return p.selectOwner(ctx, p.db, ownerID)
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresTaskTable) selectOwner(ctx context.Context, q sqlQueryer, ownerID string) ([]Task, error) {
	query := fmt.Sprintf(`
		SELECT id, title, description, column_key, position, created_at, updated_at
		FROM %s WHERE owner_id = $1`, postgresQuoteIdentifier(p.tableName))
	rows, err := q.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows, ownerID)
}

func (p *PostgresTaskTable) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresTaskTable) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				owner_id TEXT NOT NULL,
				id TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT,
				column_key TEXT NOT NULL,
				position INTEGER NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ,
				PRIMARY KEY (owner_id, id)
			)`, postgresQuoteIdentifier(p.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTaskRows(rows rowScanner, ownerID string) ([]Task, error) {
	out := []Task{}
	for rows.Next() {
		var (
			task        Task
			column      string
			description sql.NullString
			updatedAt   sql.NullTime
		)
		if err := rows.Scan(&task.ID, &task.Title, &description, &column, &task.Position, &task.CreatedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.OwnerID = ownerID
		task.Column = Column(column)
		if description.Valid {
			task.Description = StringPtr(description.String)
		}
		if updatedAt.Valid {
			stamp := updatedAt.Time.UTC()
			task.UpdatedAt = &stamp
		}
		task.CreatedAt = task.CreatedAt.UTC()
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	SortTasks(out)
	return out, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresOwnerLockKey(tableName, ownerID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(ownerID))
	return int64(hasher.Sum64())
}
