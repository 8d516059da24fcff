package board

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type Column string

const (
	ColumnTodo       Column = "todo"
	ColumnInProgress Column = "in-progress"
	ColumnDone       Column = "done"
)

// Columns lists the board columns in display order.
var Columns = []Column{ColumnTodo, ColumnInProgress, ColumnDone}

func (c Column) Valid() bool {
	switch c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	default:
		return false
	}
}

func (c Column) rank() int {
	for i, column := range Columns {
		if column == c {
			return i
		}
	}
	return len(Columns)
}

func ParseColumn(raw string) (Column, error) {
	column := Column(strings.TrimSpace(raw))
	if !column.Valid() {
		return "", &ValidationError{Field: "column", Message: fmt.Sprintf("unknown column %q", raw)}
	}
	return column, nil
}

type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"userId"`
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Column      Column     `json:"column"`
	Position    int        `json:"position"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
}

// Clone returns a copy that shares no pointers with t.
func (t Task) Clone() Task {
	out := t
	if t.Description != nil {
		description := *t.Description
		out.Description = &description
	}
	if t.UpdatedAt != nil {
		updatedAt := *t.UpdatedAt
		out.UpdatedAt = &updatedAt
	}
	return out
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "id", Message: "is required"}
	}
	if strings.TrimSpace(t.Title) == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if !t.Column.Valid() {
		return &ValidationError{Field: "column", Message: fmt.Sprintf("unknown column %q", t.Column)}
	}
	if t.Position < 0 {
		return &ValidationError{Field: "position", Message: "must not be negative"}
	}
	return nil
}

// TaskFields is a partial update; nil fields are left untouched.
type TaskFields struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

func (f TaskFields) IsZero() bool {
	return f.Title == nil && f.Description == nil
}

// ApplyTo shallow-merges the provided fields onto t.
func (f TaskFields) ApplyTo(t *Task) {
	if f.Title != nil {
		t.Title = *f.Title
	}
	if f.Description != nil {
		description := *f.Description
		t.Description = &description
	}
}

type MutationKind string

const (
	MutationAdd    MutationKind = "add"
	MutationMove   MutationKind = "move"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is a pending change intent. Exactly one group of fields is
// meaningful, selected by Kind.
type Mutation struct {
	Kind MutationKind

	// add
	Task Task

	// move, update, delete
	ID string

	// move
	ToColumn   Column
	ToPosition int

	// update
	Fields TaskFields
}

func AddMutation(task Task) Mutation {
	return Mutation{Kind: MutationAdd, Task: task, ID: task.ID}
}

func MoveMutation(id string, toColumn Column, toPosition int) Mutation {
	return Mutation{Kind: MutationMove, ID: id, ToColumn: toColumn, ToPosition: toPosition}
}

func UpdateMutation(id string, fields TaskFields) Mutation {
	return Mutation{Kind: MutationUpdate, ID: id, Fields: fields}
}

func DeleteMutation(id string) Mutation {
	return Mutation{Kind: MutationDelete, ID: id}
}

// TaskID returns the id of the task the mutation refers to.
func (m Mutation) TaskID() string {
	if m.Kind == MutationAdd {
		return m.Task.ID
	}
	return m.ID
}

func (m Mutation) Validate() error {
	switch m.Kind {
	case MutationAdd:
		return m.Task.Validate()
	case MutationMove:
		if strings.TrimSpace(m.ID) == "" {
			return &ValidationError{Field: "id", Message: "is required"}
		}
		if !m.ToColumn.Valid() {
			return &ValidationError{Field: "toColumn", Message: fmt.Sprintf("unknown column %q", m.ToColumn)}
		}
		if m.ToPosition < 0 {
			return &ValidationError{Field: "toPosition", Message: "must not be negative"}
		}
		return nil
	case MutationUpdate:
		if strings.TrimSpace(m.ID) == "" {
			return &ValidationError{Field: "id", Message: "is required"}
		}
		if m.Fields.Title != nil && strings.TrimSpace(*m.Fields.Title) == "" {
			return &ValidationError{Field: "title", Message: "must not be blank"}
		}
		return nil
	case MutationDelete:
		if strings.TrimSpace(m.ID) == "" {
			return &ValidationError{Field: "id", Message: "is required"}
		}
		return nil
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown mutation %q", m.Kind)}
	}
}

type movePayload struct {
	ID         string `json:"id"`
	ToColumn   Column `json:"toColumn"`
	ToPosition int    `json:"toPosition"`
}

type updatePayload struct {
	ID     string     `json:"id"`
	Fields TaskFields `json:"fields"`
}

type deletePayload struct {
	ID string `json:"id"`
}

type mutationEnvelope struct {
	Type    MutationKind    `json:"type"`
	Task    *Task           `json:"task,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the mutation as {"type": ..., "task"|"payload": ...}.
func (m Mutation) MarshalJSON() ([]byte, error) {
	env := mutationEnvelope{Type: m.Kind}
	var payload any
	switch m.Kind {
	case MutationAdd:
		task := m.Task
		env.Task = &task
	case MutationMove:
		payload = movePayload{ID: m.ID, ToColumn: m.ToColumn, ToPosition: m.ToPosition}
	case MutationUpdate:
		payload = updatePayload{ID: m.ID, Fields: m.Fields}
	case MutationDelete:
		payload = deletePayload{ID: m.ID}
	default:
		return nil, fmt.Errorf("marshal mutation: unknown kind %q", m.Kind)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

func (m *Mutation) UnmarshalJSON(data []byte) error {
	var env mutationEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	out := Mutation{Kind: env.Type}
	switch env.Type {
	case MutationAdd:
		if env.Task == nil {
			return &ValidationError{Field: "task", Message: "is required"}
		}
		out.Task = *env.Task
		out.ID = env.Task.ID
	case MutationMove:
		var p movePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		out.ID, out.ToColumn, out.ToPosition = p.ID, p.ToColumn, p.ToPosition
	case MutationUpdate:
		var p updatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		out.ID, out.Fields = p.ID, p.Fields
	case MutationDelete:
		var p deletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		out.ID = p.ID
	default:
		return fmt.Errorf("unmarshal mutation: unknown kind %q", env.Type)
	}
	*m = out
	return nil
}

// SortTasks orders tasks by column then position, breaking ties by creation
// time and id so the result is deterministic.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return TaskLess(tasks[i], tasks[j])
	})
}

// TaskLess reports whether a sorts before b in a board snapshot.
func TaskLess(a, b Task) bool {
	if a.Column != b.Column {
		return a.Column.rank() < b.Column.rank()
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func StringPtr(s string) *string {
	return &s
}
