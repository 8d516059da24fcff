package clientsync

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/taskboard/internal/board"
)

// Emitter delivers a mutation to the server or queues it.
type Emitter interface {
	Emit(ctx context.Context, m board.Mutation) error
	Owner() string
}

// Client turns board intents into optimistic engine updates plus emissions.
type Client struct {
	engine  *Engine
	emitter Emitter
	newID   func() string
	now     func() time.Time
}

type ClientOption func(*Client)

func WithIDGenerator(newID func() string) ClientOption {
	return func(c *Client) {
		if newID != nil {
			c.newID = newID
		}
	}
}

func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(engine *Engine, emitter Emitter, opts ...ClientOption) *Client {
	c := &Client{
		engine:  engine,
		emitter: emitter,
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddTask creates a task at the end of column. An empty column means todo.
func (c *Client) AddTask(ctx context.Context, title string, description *string, column board.Column) (board.Task, error) {
	owner := c.emitter.Owner()
	if owner == "" {
		return board.Task{}, ErrNoIdentity
	}
	if column == "" {
		column = board.ColumnTodo
	}
	task := board.Task{
		ID:          c.newID(),
		OwnerID:     owner,
		Title:       strings.TrimSpace(title),
		Description: description,
		Column:      column,
		CreatedAt:   c.now().UTC(),
	}
	m := board.AddMutation(task)
	if err := c.apply(ctx, m); err != nil {
		return board.Task{}, err
	}
	added, _ := c.engine.Task(task.ID)
	return added, nil
}

// MoveTask places the task at toIndex within toColumn.
func (c *Client) MoveTask(ctx context.Context, id string, toColumn board.Column, toIndex int) error {
	if toIndex < 0 {
		toIndex = 0
	}
	return c.apply(ctx, board.MoveMutation(id, toColumn, toIndex))
}

func (c *Client) UpdateTask(ctx context.Context, id string, fields board.TaskFields) error {
	if fields.IsZero() {
		return nil
	}
	return c.apply(ctx, board.UpdateMutation(id, fields))
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	return c.apply(ctx, board.DeleteMutation(id))
}

// Tasks returns the current board.
func (c *Client) Tasks() []board.Task {
	return c.engine.Snapshot()
}

func (c *Client) apply(ctx context.Context, m board.Mutation) error {
	if c.emitter.Owner() == "" {
		return ErrNoIdentity
	}
	if err := c.engine.Apply(m); err != nil {
		return err
	}
	return c.emitter.Emit(ctx, m)
}
