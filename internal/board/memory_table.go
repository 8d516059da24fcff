package board

import (
	"context"
	"sync"
)

type InMemoryTaskTable struct {
	mu     sync.Mutex
	owners map[string]map[string]Task
}

func NewInMemoryTaskTable() *InMemoryTaskTable {
	return &InMemoryTaskTable{owners: map[string]map[string]Task{}}
}

func (t *InMemoryTaskTable) Transact(ctx context.Context, ownerID string, fn TransactFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rows := t.owners[ownerID]
	current := make([]Task, 0, len(rows))
	for _, task := range rows {
		current = append(current, task.Clone())
	}
	SortTasks(current)
	changes, err := fn(current)
	if err != nil {
		return err
	}
	if changes.IsZero() {
		return nil
	}
	if rows == nil {
		rows = map[string]Task{}
		t.owners[ownerID] = rows
	}
	for _, id := range changes.Deletes {
		delete(rows, id)
	}
	for _, task := range changes.Upserts {
		task.OwnerID = ownerID
		rows[task.ID] = task.Clone()
	}
	return nil
}

func (t *InMemoryTaskTable) List(ctx context.Context, ownerID string) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	rows := t.owners[ownerID]
	out := make([]Task, 0, len(rows))
	for _, task := range rows {
		out = append(out, task.Clone())
	}
	SortTasks(out)
	return out, nil
}

func (t *InMemoryTaskTable) Close() error {
	return nil
}
