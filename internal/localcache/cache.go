// Package localcache is the client's durable store: the last known tasks of
// each owner and the FIFO queue of mutations that have not reached the server.
package localcache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/taskboard/internal/board"
)

//go:embed schema.sql
var schema string

// Entry is a cached task. Confirmed is true when the row was last written from
// an authoritative server event rather than an optimistic local edit.
type Entry struct {
	Task      board.Task
	Confirmed bool
}

// QueueItem is one pending mutation. Seq is assigned on enqueue and orders
// replay.
type QueueItem struct {
	Seq        int64
	OwnerID    string
	Mutation   board.Mutation
	EnqueuedAt time.Time
}

type Cache struct {
	path   string
	db     *sql.DB
	now    func() time.Time
	logger logrus.FieldLogger
}

type Option func(*Cache)

func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the timestamp source for updated_at and enqueued_at.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func Open(path string, opts ...Option) (*Cache, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, board.ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing cache schema: %w", err)
	}
	c := &Cache{path: path, db: db, now: time.Now, logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// SaveTask upserts one task under its owner.
func (c *Cache) SaveTask(ctx context.Context, task board.Task, confirmed bool) error {
	return c.withTx(ctx, func(tx *sql.Tx) error {
		return c.upsertTask(ctx, tx, task, confirmed)
	})
}

// SaveAll upserts tasks in one transaction.
func (c *Cache) SaveAll(ctx context.Context, tasks []board.Task, confirmed bool) error {
	if len(tasks) == 0 {
		return nil
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		for _, task := range tasks {
			if err := c.upsertTask(ctx, tx, task, confirmed); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceOwnerTasks swaps the owner's cached tasks for tasks, all confirmed.
// Rows absent from tasks are removed.
func (c *Cache) ReplaceOwnerTasks(ctx context.Context, ownerID string, tasks []board.Task) error {
	if strings.TrimSpace(ownerID) == "" {
		return board.ErrInvalidInput
	}
	return c.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("clearing tasks for %s: %w", ownerID, err)
		}
		for _, task := range tasks {
			task.OwnerID = ownerID
			if err := c.upsertTask(ctx, tx, task, true); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) LoadAllForOwner(ctx context.Context, ownerID string) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT payload, confirmed FROM tasks WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			payload   string
			confirmed bool
		)
		if err := rows.Scan(&payload, &confirmed); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		var task board.Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return nil, fmt.Errorf("decoding cached task: %w", err)
		}
		out = append(out, Entry{Task: task, Confirmed: confirmed})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return board.TaskLess(out[i].Task, out[j].Task)
	})
	return out, nil
}

// DeleteTask hard-deletes one cached task. Missing rows are not an error.
func (c *Cache) DeleteTask(ctx context.Context, ownerID, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

// Enqueue appends m to the owner's queue and returns its sequence number.
func (c *Cache) Enqueue(ctx context.Context, ownerID string, m board.Mutation) (int64, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, board.ErrInvalidInput
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("encoding mutation: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO queue (owner_id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
		ownerID, string(m.Kind), string(payload), c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("enqueueing %s: %w", m.Kind, err)
	}
	return res.LastInsertId()
}

// LoadQueueForOwner returns the owner's pending mutations oldest first. Rows
// that no longer decode into a valid mutation are logged and removed.
func (c *Cache) LoadQueueForOwner(ctx context.Context, ownerID string) ([]QueueItem, error) {
	out, unreadable, err := c.scanQueue(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, seq := range unreadable {
		if err := c.RemoveQueueItem(ctx, seq); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{"owner": ownerID, "seq": seq}).Warn("unable to remove unreadable queue item")
		}
	}
	return out, nil
}

func (c *Cache) scanQueue(ctx context.Context, ownerID string) ([]QueueItem, []int64, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT seq, payload, enqueued_at FROM queue WHERE owner_id = ? ORDER BY seq ASC`, ownerID)
	if err != nil {
		return nil, nil, fmt.Errorf("querying queue: %w", err)
	}
	defer rows.Close()

	out := []QueueItem{}
	var unreadable []int64
	for rows.Next() {
		var (
			item       QueueItem
			payload    string
			enqueuedAt string
		)
		if err := rows.Scan(&item.Seq, &payload, &enqueuedAt); err != nil {
			return nil, nil, fmt.Errorf("scanning queue item: %w", err)
		}
		err := json.Unmarshal([]byte(payload), &item.Mutation)
		if err == nil {
			err = item.Mutation.Validate()
		}
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{"owner": ownerID, "seq": item.Seq}).Error("dropping unreadable queue item")
			unreadable = append(unreadable, item.Seq)
			continue
		}
		if item.EnqueuedAt, err = time.Parse(time.RFC3339Nano, enqueuedAt); err != nil {
			item.EnqueuedAt = time.Time{}
		}
		item.OwnerID = ownerID
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading queue: %w", err)
	}
	return out, unreadable, nil
}

func (c *Cache) RemoveQueueItem(ctx context.Context, seq int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("removing queue item %d: %w", seq, err)
	}
	return nil
}

func (c *Cache) QueueDepth(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue WHERE owner_id = ?`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

// Tasks strips the confirmed flag.
func Tasks(entries []Entry) []board.Task {
	out := make([]board.Task, len(entries))
	for i, entry := range entries {
		out[i] = entry.Task
	}
	return out
}

func (c *Cache) upsertTask(ctx context.Context, tx *sql.Tx, task board.Task, confirmed bool) error {
	if strings.TrimSpace(task.OwnerID) == "" || strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: cached task needs owner and id", board.ErrInvalidInput)
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", task.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (owner_id, id, payload, confirmed, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			payload = excluded.payload,
			confirmed = excluded.confirmed,
			updated_at = excluded.updated_at`,
		task.OwnerID, task.ID, string(payload), confirmed, c.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving task %s: %w", task.ID, err)
	}
	return nil
}

func (c *Cache) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cache transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cache transaction: %w", err)
	}
	return nil
}
