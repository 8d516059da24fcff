package board

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationTaskTableLifecycle(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := newPostgresIntegrationTable(t, dsn)
	store := NewStoreWithOptions(StoreOptions{Table: table, Now: fixedClock()})
	ctx := context.Background()

	mustAdd(t, store, "u1", "t1", ColumnTodo)
	mustAdd(t, store, "u1", "t2", ColumnTodo)
	if _, err := store.Move(ctx, "u1", MoveRequest{ID: "t1", ToColumn: ColumnInProgress, ToPosition: 0}); err != nil {
		t.Fatalf("move failed: %v", err)
	}
	byID := positionsByID(t, store, "u1")
	if byID["t2"].Position != 0 || byID["t1"].Column != ColumnInProgress {
		t.Fatalf("unexpected state after move: %+v", byID)
	}
	if _, err := store.Delete(ctx, "u1", "t2"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	assertDense(t, store, "u1")
}

func TestPostgresIntegrationConcurrentMovesStayDense(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	table := newPostgresIntegrationTable(t, dsn)
	// Two stores over one table stand in for two server instances.
	first := NewStoreWithOptions(StoreOptions{Table: table})
	second := NewStoreWithOptions(StoreOptions{Table: table})
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		mustAdd(t, first, "u1", fmt.Sprintf("t%d", i), ColumnTodo)
	}

	var wg sync.WaitGroup
	for i, store := range []*Store{first, second} {
		wg.Add(1)
		go func(store *Store, offset int) {
			defer wg.Done()
			for n := 0; n < 20; n++ {
				req := MoveRequest{ID: fmt.Sprintf("t%d", (n+offset)%6), ToColumn: Columns[n%len(Columns)], ToPosition: n % 3}
				if _, err := store.Move(ctx, "u1", req); err != nil {
					t.Errorf("move failed: %v", err)
					return
				}
			}
		}(store, i)
	}
	wg.Wait()
	assertDense(t, first, "u1")
}

func newPostgresIntegrationTable(t *testing.T, dsn string) *PostgresTaskTable {
	t.Helper()
	table, err := NewPostgresTaskTable(dsn)
	if err != nil {
		t.Fatalf("new postgres task table: %v", err)
	}
	pg, ok := table.(*PostgresTaskTable)
	if !ok {
		t.Fatalf("expected *PostgresTaskTable, got %T", table)
	}
	pg.tableName = postgresIntegrationTableName("taskboard_tasks_it")
	t.Cleanup(func() {
		_ = pg.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})
	return pg
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TASKBOARD_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TASKBOARD_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
