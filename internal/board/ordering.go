package board

import (
	"fmt"
	"sort"
	"time"
)

// ColumnTasks returns the tasks in column sorted by position.
func ColumnTasks(tasks []Task, column Column) []Task {
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Column == column {
			out = append(out, task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func countColumn(tasks []Task, column Column) int {
	n := 0
	for _, task := range tasks {
		if task.Column == column {
			n++
		}
	}
	return n
}

func indexOf(tasks []Task, id string) int {
	for i, task := range tasks {
		if task.ID == id {
			return i
		}
	}
	return -1
}

func clampPosition(position, max int) int {
	if position < 0 {
		return 0
	}
	if position > max {
		return max
	}
	return position
}

// ShiftMove applies the two-sided shift to tasks in place: every task after
// the old slot moves up by one, every task at or after the destination slot
// moves down by one, then the task takes the destination slot. The returned
// slice holds the tasks whose column or position changed, the moved task
// first. toPosition is clamped to the destination column's size without the
// moving task.
func ShiftMove(tasks []Task, id string, toColumn Column, toPosition int, now time.Time) (Task, []Task, bool) {
	idx := indexOf(tasks, id)
	if idx < 0 {
		return Task{}, nil, false
	}
	current := tasks[idx]
	others := countColumn(tasks, toColumn)
	if current.Column == toColumn {
		others--
	}
	toPosition = clampPosition(toPosition, others)
	if current.Column == toColumn && current.Position == toPosition {
		return current, nil, true
	}

	before := make([]int, len(tasks))
	for i := range tasks {
		before[i] = tasks[i].Position
	}
	for i := range tasks {
		if i != idx && tasks[i].Column == current.Column && tasks[i].Position > current.Position {
			tasks[i].Position--
		}
	}
	for i := range tasks {
		if i != idx && tasks[i].Column == toColumn && tasks[i].Position >= toPosition {
			tasks[i].Position++
		}
	}
	stamp := now.UTC()
	tasks[idx].Column = toColumn
	tasks[idx].Position = toPosition
	tasks[idx].UpdatedAt = &stamp

	out := []Task{tasks[idx]}
	for i := range tasks {
		if i != idx && tasks[i].Position != before[i] {
			out = append(out, tasks[i])
		}
	}
	return tasks[idx], out, true
}

// Renormalize reassigns dense positions 0..n-1 in column, ordered by the
// existing positions, and returns the tasks whose position changed.
func Renormalize(tasks []Task, column Column) []Task {
	indexes := make([]int, 0, len(tasks))
	for i, task := range tasks {
		if task.Column == column {
			indexes = append(indexes, i)
		}
	}
	sort.SliceStable(indexes, func(a, b int) bool {
		ta, tb := tasks[indexes[a]], tasks[indexes[b]]
		if ta.Position != tb.Position {
			return ta.Position < tb.Position
		}
		return ta.ID < tb.ID
	})
	var changed []Task
	for pos, i := range indexes {
		if tasks[i].Position != pos {
			tasks[i].Position = pos
			changed = append(changed, tasks[i])
		}
	}
	return changed
}

// SpliceMove is the optimistic client-side move: remove the task from its
// column, clamp toPosition to [0, len(target)], splice it in and reindex both
// columns. It returns a new slice and reports whether the task existed.
func SpliceMove(tasks []Task, id string, toColumn Column, toPosition int) ([]Task, bool) {
	idx := indexOf(tasks, id)
	if idx < 0 {
		return tasks, false
	}
	moving := tasks[idx].Clone()
	rest := make([]Task, 0, len(tasks)-1)
	rest = append(rest, tasks[:idx]...)
	rest = append(rest, tasks[idx+1:]...)

	target := ColumnTasks(rest, toColumn)
	toPosition = clampPosition(toPosition, len(target))
	moving.Column = toColumn
	target = append(target, Task{})
	copy(target[toPosition+1:], target[toPosition:])
	target[toPosition] = moving

	positions := make(map[string]int, len(target))
	for i, task := range target {
		positions[task.ID] = i
	}
	out := make([]Task, 0, len(tasks))
	for _, task := range rest {
		if pos, ok := positions[task.ID]; ok {
			task.Position = pos
		}
		out = append(out, task)
	}
	moving.Position = positions[moving.ID]
	out = append(out, moving)
	if from := tasks[idx].Column; from != toColumn {
		Renormalize(out, from)
	}
	return out, true
}

// VerifyDense checks that every column of tasks is densely ordered.
func VerifyDense(tasks []Task) error {
	for _, column := range Columns {
		for want, task := range ColumnTasks(tasks, column) {
			if task.Position != want {
				return fmt.Errorf("column %s: task %s at position %d, expected %d", column, task.ID, task.Position, want)
			}
		}
	}
	return nil
}
