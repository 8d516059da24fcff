package board

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildTaskTableFromDSNMemory(t *testing.T) {
	for _, dsn := range []string{"", "memory://", "inmem://"} {
		table, err := BuildTaskTableFromDSN(dsn)
		if err != nil {
			t.Fatalf("build task table %q failed: %v", dsn, err)
		}
		if _, ok := table.(*InMemoryTaskTable); !ok {
			t.Fatalf("expected *InMemoryTaskTable for %q, got %T", dsn, table)
		}
	}
}

func TestBuildTaskTableFromDSNSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "board.db")
	table, err := BuildTaskTableFromDSN("sqlite://" + path)
	if err != nil {
		t.Fatalf("build sqlite task table failed: %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })
	if _, ok := table.(*SQLiteTaskTable); !ok {
		t.Fatalf("expected *SQLiteTaskTable, got %T", table)
	}
}

func TestBuildTaskTableFromDSNUnsupported(t *testing.T) {
	table, err := BuildTaskTableFromDSN("postgres://localhost/taskboard?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres task table to be available, got %v", err)
	}
	if table == nil {
		t.Fatalf("expected non-nil postgres task table")
	}
	if _, err := BuildTaskTableFromDSN("mysql://localhost/taskboard"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql task table, got %v", err)
	}
	if _, err := BuildTaskTableFromDSN("ftp://localhost/taskboard"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRegisterTaskTableFactory(t *testing.T) {
	scheme := "tabletestcustom"
	calls := 0
	RegisterTaskTableFactory(scheme, func(dsn string) (TaskTable, error) {
		calls++
		return NewInMemoryTaskTable(), nil
	})
	table, err := BuildTaskTableFromDSN(scheme + "://example")
	if err != nil {
		t.Fatalf("build task table via registered factory failed: %v", err)
	}
	if table == nil || calls != 1 {
		t.Fatalf("expected registered factory to be used once, calls=%d", calls)
	}
}

func TestSQLiteTaskTablePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	table, err := NewSQLiteTaskTable(path)
	if err != nil {
		t.Fatalf("open sqlite task table failed: %v", err)
	}
	store := NewStoreWithOptions(StoreOptions{Table: table, Now: fixedClock()})
	ctx := context.Background()
	mustAdd(t, store, "u1", "t1", ColumnTodo)
	mustAdd(t, store, "u1", "t2", ColumnTodo)
	mustAdd(t, store, "u2", "t1", ColumnDone)
	if _, _, err := store.Update(ctx, "u1", UpdateRequest{ID: "t2", Fields: TaskFields{Description: StringPtr("details")}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if _, err := store.Delete(ctx, "u1", "t1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLiteTaskTable(path)
	if err != nil {
		t.Fatalf("reopen sqlite task table failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	tasks, err := reopened.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t2" || tasks[0].Position != 0 {
		t.Fatalf("expected only t2 at position 0, got %+v", tasks)
	}
	if tasks[0].Description == nil || *tasks[0].Description != "details" || tasks[0].UpdatedAt == nil {
		t.Fatalf("expected description and updatedAt to persist, got %+v", tasks[0])
	}
	other, err := reopened.List(ctx, "u2")
	if err != nil {
		t.Fatalf("list other owner failed: %v", err)
	}
	if len(other) != 1 || other[0].Column != ColumnDone {
		t.Fatalf("expected u2's task untouched, got %+v", other)
	}
}

func TestSQLiteTaskTableRollsBackOnError(t *testing.T) {
	table, err := NewSQLiteTaskTable(filepath.Join(t.TempDir(), "board.db"))
	if err != nil {
		t.Fatalf("open sqlite task table failed: %v", err)
	}
	t.Cleanup(func() { _ = table.Close() })
	ctx := context.Background()
	boom := errors.New("boom")
	err = table.Transact(ctx, "u1", func(tasks []Task) (Changes, error) {
		return Changes{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error to surface, got %v", err)
	}
	tasks, err := table.List(ctx, "u1")
	if err != nil || len(tasks) != 0 {
		t.Fatalf("expected empty table, got %+v err=%v", tasks, err)
	}
}

func TestRedactDSN(t *testing.T) {
	got := RedactDSN("postgres://board:s3cret@db:5432/taskboard?sslmode=disable")
	if got != "postgres://board:xxxxx@db:5432/taskboard?sslmode=disable" {
		t.Fatalf("expected password to be redacted, got %s", got)
	}
	if got := RedactDSN("sqlite:///tmp/board.db"); got != "sqlite:///tmp/board.db" {
		t.Fatalf("expected DSN without credentials to pass through, got %s", got)
	}
}
