package board

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type StoreOptions struct {
	Table  TaskTable
	Now    func() time.Time
	Logger logrus.FieldLogger
}

type AddRequest struct {
	ID          string
	Title       string
	Description *string
	Column      Column
}

type MoveRequest struct {
	ID         string
	ToColumn   Column
	ToPosition int
}

type MoveResult struct {
	Task Task
	// Found is false when the task does not exist for the owner.
	Found bool
	// Changed is false when the task already sat at the destination.
	Changed bool
	// Shifted are the siblings whose position moved to make room.
	Shifted []Task
}

type UpdateRequest struct {
	ID     string
	Fields TaskFields
}

type DeleteResult struct {
	ID      string
	Existed bool
	// Shifted are the siblings renumbered to close the gap.
	Shifted []Task
}

// Store is the single writer of canonical task state. Handlers for one owner
// never interleave; handlers for different owners run in parallel.
type Store struct {
	table  TaskTable
	now    func() time.Time
	logger logrus.FieldLogger

	locksMu sync.Mutex
	locks   map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	table := opts.Table
	if table == nil {
		table = NewInMemoryTaskTable()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		table:  table,
		now:    now,
		logger: logger,
		locks:  map[string]*ownerLock{},
	}
}

func (s *Store) Close() error {
	return s.table.Close()
}

// Fetch returns every task of the owner ordered by column then position.
func (s *Store) Fetch(ctx context.Context, ownerID string) ([]Task, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidInput
	}
	tasks, err := s.table.List(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("fetch tasks for %s: %w", ownerID, err)
	}
	SortTasks(tasks)
	return tasks, nil
}

// Add creates the task at the end of its column. Adding an id that already
// exists returns the stored task unchanged.
func (s *Store) Add(ctx context.Context, ownerID string, req AddRequest) (Task, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Task{}, ErrInvalidInput
	}
	if strings.TrimSpace(req.ID) == "" {
		return Task{}, &ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(req.Title) == "" {
		return Task{}, &ValidationError{Field: "title", Message: "is required"}
	}
	column := req.Column
	if column == "" {
		column = ColumnTodo
	}
	if !column.Valid() {
		return Task{}, &ValidationError{Field: "column", Message: fmt.Sprintf("unknown column %q", column)}
	}

	var out Task
	err := s.transact(ctx, ownerID, func(tasks []Task) (Changes, error) {
		if idx := indexOf(tasks, req.ID); idx >= 0 {
			out = tasks[idx]
			return Changes{}, nil
		}
		out = Task{
			ID:          req.ID,
			OwnerID:     ownerID,
			Title:       req.Title,
			Description: req.Description,
			Column:      column,
			Position:    countColumn(tasks, column),
			CreatedAt:   s.now().UTC(),
		}
		return Changes{Upserts: []Task{out}}, nil
	})
	if err != nil {
		return Task{}, fmt.Errorf("add task %s: %w", req.ID, err)
	}
	s.logger.WithFields(logrus.Fields{"owner": ownerID, "task": out.ID, "column": out.Column, "position": out.Position}).Debug("task added")
	return out.Clone(), nil
}

// Move relocates a task with the two-sided shift. A missing task or a task
// already at the destination is a no-op.
func (s *Store) Move(ctx context.Context, ownerID string, req MoveRequest) (MoveResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return MoveResult{}, ErrInvalidInput
	}
	if strings.TrimSpace(req.ID) == "" {
		return MoveResult{}, &ValidationError{Field: "id", Message: "is required"}
	}
	if !req.ToColumn.Valid() {
		return MoveResult{}, &ValidationError{Field: "toColumn", Message: fmt.Sprintf("unknown column %q", req.ToColumn)}
	}

	var result MoveResult
	err := s.transact(ctx, ownerID, func(tasks []Task) (Changes, error) {
		moved, changed, found := ShiftMove(tasks, req.ID, req.ToColumn, req.ToPosition, s.now())
		result = MoveResult{Task: moved, Found: found}
		if !found || len(changed) == 0 {
			return Changes{}, nil
		}
		result.Changed = true
		result.Shifted = cloneTasks(changed[1:])
		return Changes{Upserts: changed}, nil
	})
	if err != nil {
		return MoveResult{}, fmt.Errorf("move task %s: %w", req.ID, err)
	}
	if result.Found {
		result.Task = result.Task.Clone()
	}
	if result.Changed {
		s.logger.WithFields(logrus.Fields{
			"owner":    ownerID,
			"task":     req.ID,
			"column":   result.Task.Column,
			"position": result.Task.Position,
			"shifted":  len(result.Shifted),
		}).Debug("task moved")
	}
	return result, nil
}

// Update merges the provided fields and stamps updatedAt. The bool result is
// false when the task does not exist for the owner.
func (s *Store) Update(ctx context.Context, ownerID string, req UpdateRequest) (Task, bool, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Task{}, false, ErrInvalidInput
	}
	if strings.TrimSpace(req.ID) == "" {
		return Task{}, false, &ValidationError{Field: "id", Message: "is required"}
	}
	if req.Fields.Title != nil && strings.TrimSpace(*req.Fields.Title) == "" {
		return Task{}, false, &ValidationError{Field: "title", Message: "must not be blank"}
	}

	var (
		out   Task
		found bool
	)
	err := s.transact(ctx, ownerID, func(tasks []Task) (Changes, error) {
		idx := indexOf(tasks, req.ID)
		if idx < 0 {
			return Changes{}, nil
		}
		found = true
		task := tasks[idx]
		req.Fields.ApplyTo(&task)
		stamp := s.now().UTC()
		task.UpdatedAt = &stamp
		out = task
		return Changes{Upserts: []Task{task}}, nil
	})
	if err != nil {
		return Task{}, false, fmt.Errorf("update task %s: %w", req.ID, err)
	}
	return out.Clone(), found, nil
}

// Delete removes the task and renumbers its column densely. Deleting an
// absent task succeeds with Existed false.
func (s *Store) Delete(ctx context.Context, ownerID, id string) (DeleteResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return DeleteResult{}, ErrInvalidInput
	}
	if strings.TrimSpace(id) == "" {
		return DeleteResult{}, &ValidationError{Field: "id", Message: "is required"}
	}

	result := DeleteResult{ID: id}
	err := s.transact(ctx, ownerID, func(tasks []Task) (Changes, error) {
		idx := indexOf(tasks, id)
		if idx < 0 {
			return Changes{}, nil
		}
		result.Existed = true
		column := tasks[idx].Column
		rest := append(tasks[:idx:idx], tasks[idx+1:]...)
		shifted := Renormalize(rest, column)
		result.Shifted = cloneTasks(shifted)
		return Changes{Upserts: shifted, Deletes: []string{id}}, nil
	})
	if err != nil {
		return DeleteResult{}, fmt.Errorf("delete task %s: %w", id, err)
	}
	if result.Existed {
		s.logger.WithFields(logrus.Fields{"owner": ownerID, "task": id, "shifted": len(result.Shifted)}).Debug("task deleted")
	}
	return result, nil
}

func (s *Store) transact(ctx context.Context, ownerID string, fn TransactFunc) error {
	unlock := s.lockOwner(ownerID)
	defer unlock()
	return s.table.Transact(ctx, ownerID, fn)
}

func (s *Store) lockOwner(ownerID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[ownerID]
	if !ok {
		lock = &ownerLock{}
		s.locks[ownerID] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, ownerID)
		}
		s.locksMu.Unlock()
	}
}
