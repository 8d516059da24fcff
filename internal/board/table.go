package board

import (
	"context"
)

// Changes is the write set produced by one store handler.
type Changes struct {
	Upserts []Task
	Deletes []string
}

func (c Changes) IsZero() bool {
	return len(c.Upserts) == 0 && len(c.Deletes) == 0
}

// TransactFunc receives the owner's current tasks (copies the callee may
// modify) and returns the rows to write.
type TransactFunc func(tasks []Task) (Changes, error)

// TaskTable is the key-value task table behind the authoritative store. Rows
// are keyed by (owner, id); Transact must run the read, fn and the write as
// one atomic unit that does not interleave with another Transact for the same
// owner.
type TaskTable interface {
	Transact(ctx context.Context, ownerID string, fn TransactFunc) error
	List(ctx context.Context, ownerID string) ([]Task, error)
	Close() error
}

func cloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, task := range tasks {
		out[i] = task.Clone()
	}
	return out
}
