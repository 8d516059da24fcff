package localcache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/taskboard/internal/board"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "cache", "taskboard.db"))
	if err != nil {
		t.Fatalf("open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache
}

func cachedTask(owner, id string, column board.Column, position int) board.Task {
	return board.Task{
		ID:        id,
		OwnerID:   owner,
		Title:     "task " + id,
		Column:    column,
		Position:  position,
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSaveLoadScopesByOwner(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()

	if err := cache.SaveAll(ctx, []board.Task{
		cachedTask("u1", "b", board.ColumnDone, 0),
		cachedTask("u1", "a", board.ColumnTodo, 0),
	}, false); err != nil {
		t.Fatalf("save all failed: %v", err)
	}
	if err := cache.SaveTask(ctx, cachedTask("u2", "a", board.ColumnTodo, 0), true); err != nil {
		t.Fatalf("save task failed: %v", err)
	}

	entries, err := cache.LoadAllForOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Task.ID != "a" || entries[1].Task.ID != "b" {
		t.Fatalf("expected u1 tasks ordered todo then done, got %+v", entries)
	}
	if entries[0].Confirmed {
		t.Fatalf("expected optimistic rows to be unconfirmed")
	}
	other, err := cache.LoadAllForOwner(ctx, "u2")
	if err != nil {
		t.Fatalf("load other owner failed: %v", err)
	}
	if len(other) != 1 || !other[0].Confirmed {
		t.Fatalf("expected one confirmed row for u2, got %+v", other)
	}
}

func TestSaveTaskOverwritesAndDeleteIsHard(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	task := cachedTask("u1", "t1", board.ColumnTodo, 0)
	if err := cache.SaveTask(ctx, task, false); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	task.Column = board.ColumnDone
	if err := cache.SaveTask(ctx, task, true); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	entries, _ := cache.LoadAllForOwner(ctx, "u1")
	if len(entries) != 1 || entries[0].Task.Column != board.ColumnDone || !entries[0].Confirmed {
		t.Fatalf("expected overwritten confirmed row, got %+v", entries)
	}

	if err := cache.DeleteTask(ctx, "u1", "t1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := cache.DeleteTask(ctx, "u1", "t1"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	entries, _ = cache.LoadAllForOwner(ctx, "u1")
	if len(entries) != 0 {
		t.Fatalf("expected no rows after delete, got %+v", entries)
	}
}

func TestSaveTaskRequiresOwner(t *testing.T) {
	cache := openTestCache(t)
	task := cachedTask("", "t1", board.ColumnTodo, 0)
	if err := cache.SaveTask(context.Background(), task, false); !errors.Is(err, board.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestReplaceOwnerTasksDropsStaleRows(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	_ = cache.SaveAll(ctx, []board.Task{
		cachedTask("u1", "stale", board.ColumnTodo, 0),
		cachedTask("u1", "kept", board.ColumnTodo, 1),
	}, false)
	_ = cache.SaveTask(ctx, cachedTask("u2", "other", board.ColumnTodo, 0), true)

	if err := cache.ReplaceOwnerTasks(ctx, "u1", []board.Task{cachedTask("u1", "kept", board.ColumnTodo, 0)}); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	entries, _ := cache.LoadAllForOwner(ctx, "u1")
	if len(entries) != 1 || entries[0].Task.ID != "kept" || entries[0].Task.Position != 0 || !entries[0].Confirmed {
		t.Fatalf("expected only confirmed kept@0, got %+v", entries)
	}
	other, _ := cache.LoadAllForOwner(ctx, "u2")
	if len(other) != 1 {
		t.Fatalf("replace must not touch other owners, got %+v", other)
	}
}

func TestQueueIsFIFOPerOwner(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	mutations := []board.Mutation{
		board.AddMutation(cachedTask("u1", "t1", board.ColumnTodo, 0)),
		board.MoveMutation("t1", board.ColumnInProgress, 0),
		board.UpdateMutation("t1", board.TaskFields{Title: board.StringPtr("renamed")}),
		board.DeleteMutation("t1"),
	}
	var seqs []int64
	for i, m := range mutations {
		seq, err := cache.Enqueue(ctx, "u1", m)
		if err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
		seqs = append(seqs, seq)
		if _, err := cache.Enqueue(ctx, "u2", board.DeleteMutation("x")); err != nil {
			t.Fatalf("enqueue other owner failed: %v", err)
		}
	}

	items, err := cache.LoadQueueForOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("load queue failed: %v", err)
	}
	if len(items) != len(mutations) {
		t.Fatalf("expected %d items, got %d", len(mutations), len(items))
	}
	for i, item := range items {
		if item.Seq != seqs[i] || item.Mutation.Kind != mutations[i].Kind || item.OwnerID != "u1" {
			t.Fatalf("item %d out of order: %+v", i, item)
		}
	}
	if items[1].Mutation.ToColumn != board.ColumnInProgress {
		t.Fatalf("expected move payload to round trip, got %+v", items[1].Mutation)
	}

	if err := cache.RemoveQueueItem(ctx, seqs[0]); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	depth, err := cache.QueueDepth(ctx, "u1")
	if err != nil {
		t.Fatalf("queue depth failed: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
	if depth, _ := cache.QueueDepth(ctx, "u2"); depth != 4 {
		t.Fatalf("expected u2 depth 4, got %d", depth)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskboard.db")
	cache, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	ctx := context.Background()
	if _, err := cache.Enqueue(ctx, "u1", board.MoveMutation("t1", board.ColumnDone, 2)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	items, err := reopened.LoadQueueForOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("load queue failed: %v", err)
	}
	if len(items) != 1 || items[0].Mutation.ToPosition != 2 {
		t.Fatalf("expected queued move to survive restart, got %+v", items)
	}
}

func TestLoadQueueDropsUnreadableRows(t *testing.T) {
	cache := openTestCache(t)
	ctx := context.Background()
	first, err := cache.Enqueue(ctx, "u1", board.DeleteMutation("t1"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	for _, payload := range []string{`{not json`, `{"kind":"archive","id":"t1"}`} {
		if _, err := cache.db.ExecContext(ctx,
			`INSERT INTO queue (owner_id, kind, payload, enqueued_at) VALUES (?, ?, ?, ?)`,
			"u1", "broken", payload, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			t.Fatalf("insert broken row failed: %v", err)
		}
	}
	last, err := cache.Enqueue(ctx, "u1", board.DeleteMutation("t2"))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	items, err := cache.LoadQueueForOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("expected unreadable rows to be skipped, got %v", err)
	}
	if len(items) != 2 || items[0].Seq != first || items[1].Seq != last {
		t.Fatalf("expected the two readable items in order, got %+v", items)
	}
	if depth, _ := cache.QueueDepth(ctx, "u1"); depth != 2 {
		t.Fatalf("expected unreadable rows to be removed, got depth %d", depth)
	}
}
