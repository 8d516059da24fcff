package clientsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/taskboard/internal/board"
	"github.com/agentworkforce/taskboard/internal/localcache"
)

// Persister is the part of the local cache the engine writes through to.
type Persister interface {
	SaveTask(ctx context.Context, task board.Task, confirmed bool) error
	DeleteTask(ctx context.Context, ownerID, id string) error
	ReplaceOwnerTasks(ctx context.Context, ownerID string, tasks []board.Task) error
}

type EngineOptions struct {
	Cache  Persister
	Logger logrus.FieldLogger
	// PersistTimeout bounds one cache write. Zero means 5s.
	PersistTimeout time.Duration
	// OnChange runs after every state change, outside the engine lock.
	OnChange func()
}

// Engine holds the client's view of the board. Local intents are applied
// optimistically; authoritative server events replace whatever the local
// layer computed. Every change is written to the cache by a single worker in
// the order the changes happened.
type Engine struct {
	cache          Persister
	logger         logrus.FieldLogger
	persistTimeout time.Duration
	onChange       func()

	mu           sync.Mutex
	owner        string
	tasks        map[string]board.Task
	confirmed    map[string]bool
	unreconciled map[string]struct{}

	jobsMu  sync.Mutex
	jobs    []persistJob
	closed  bool
	signal  chan struct{}
	stopped chan struct{}
}

type persistJob struct {
	owner string
	ids   []string
	run   func(ctx context.Context) error
	done  chan struct{}
}

func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	e := &Engine{
		cache:          opts.Cache,
		logger:         logger,
		persistTimeout: timeout,
		onChange:       opts.OnChange,
		tasks:          map[string]board.Task{},
		confirmed:      map[string]bool{},
		unreconciled:   map[string]struct{}{},
		signal:         make(chan struct{}, 1),
		stopped:        make(chan struct{}),
	}
	go e.persistLoop()
	return e
}

// SetOwner switches the engine to ownerID. Switching to a different owner
// drops the in-memory board.
func (e *Engine) SetOwner(ownerID string) {
	e.mu.Lock()
	changed := e.owner != ownerID
	if changed {
		e.owner = ownerID
		e.clearLocked()
	}
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

func (e *Engine) Owner() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

// Reset forgets the owner and the in-memory board. The cache is untouched.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.owner = ""
	e.clearLocked()
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) clearLocked() {
	e.tasks = map[string]board.Task{}
	e.confirmed = map[string]bool{}
	e.unreconciled = map[string]struct{}{}
}

// Restore loads cached entries without writing them back. Rows that were
// never confirmed by the server are flagged for reconciliation.
func (e *Engine) Restore(entries []localcache.Entry) {
	e.mu.Lock()
	e.clearLocked()
	for _, entry := range entries {
		if entry.Task.OwnerID != "" && entry.Task.OwnerID != e.owner {
			continue
		}
		e.tasks[entry.Task.ID] = entry.Task.Clone()
		e.confirmed[entry.Task.ID] = entry.Confirmed
		if !entry.Confirmed {
			e.unreconciled[entry.Task.ID] = struct{}{}
		}
	}
	e.mu.Unlock()
	e.notify()
}

// Apply performs a local intent on the optimistic layer. Intents on tasks
// that do not exist are no-ops.
func (e *Engine) Apply(m board.Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}
	switch m.Kind {
	case board.MutationAdd:
		e.applyAdd(m.Task)
	case board.MutationMove:
		e.applyMove(m.ID, m.ToColumn, m.ToPosition)
	case board.MutationUpdate:
		e.applyUpdate(m.ID, m.Fields)
	case board.MutationDelete:
		e.RemoveLocally(m.ID)
	}
	return nil
}

func (e *Engine) applyAdd(task board.Task) {
	e.mu.Lock()
	owner := e.owner
	existing, ok := e.tasks[task.ID]
	if ok {
		merged := existing.Clone()
		if strings.TrimSpace(task.Title) != "" {
			merged.Title = task.Title
		}
		if task.Description != nil {
			merged.Description = board.StringPtr(*task.Description)
		}
		if merged.Title == existing.Title && sameDescription(merged.Description, existing.Description) {
			e.mu.Unlock()
			return
		}
		task = merged
	} else {
		task = task.Clone()
		task.OwnerID = owner
		task.Position = countColumn(e.tasks, task.Column)
	}
	e.tasks[task.ID] = task
	e.confirmed[task.ID] = false
	e.schedulePersistLocked(saveJob(e.cache, owner, false, task))
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) applyMove(id string, toColumn board.Column, toPosition int) {
	e.mu.Lock()
	before := e.snapshotLocked()
	after, found := board.SpliceMove(before, id, toColumn, toPosition)
	if !found {
		e.mu.Unlock()
		return
	}
	previous := make(map[string]board.Task, len(before))
	for _, task := range before {
		previous[task.ID] = task
	}
	var changed []board.Task
	for _, task := range after {
		old := previous[task.ID]
		if old.Column != task.Column || old.Position != task.Position {
			changed = append(changed, task)
			e.tasks[task.ID] = task
			e.confirmed[task.ID] = false
		}
	}
	if len(changed) > 0 {
		e.schedulePersistLocked(saveJob(e.cache, e.owner, false, changed...))
	}
	e.mu.Unlock()
	if len(changed) > 0 {
		e.notify()
	}
}

func (e *Engine) applyUpdate(id string, fields board.TaskFields) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	fields.ApplyTo(&task)
	e.tasks[id] = task
	e.confirmed[id] = false
	e.schedulePersistLocked(saveJob(e.cache, e.owner, false, task))
	e.mu.Unlock()
	e.notify()
}

// MergeAuthoritative replaces or inserts the server's version of task.
func (e *Engine) MergeAuthoritative(task board.Task) {
	e.mergeFor("", task)
}

// mergeFor applies task only while the engine still belongs to ownerID. An
// empty ownerID means the current owner.
func (e *Engine) mergeFor(ownerID string, task board.Task) {
	e.mu.Lock()
	if !e.ownedByLocked(ownerID) || (task.OwnerID != "" && task.OwnerID != e.owner) {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"task": task.ID, "owner": task.OwnerID}).Debug("ignoring task for another owner")
		return
	}
	task = task.Clone()
	task.OwnerID = e.owner
	e.tasks[task.ID] = task
	e.confirmed[task.ID] = true
	delete(e.unreconciled, task.ID)
	e.schedulePersistLocked(saveJob(e.cache, e.owner, true, task))
	e.mu.Unlock()
	e.notify()
}

// RemoveLocally drops the task from memory and the cache. Absent ids are a
// no-op.
func (e *Engine) RemoveLocally(id string) {
	e.removeFor("", id)
}

func (e *Engine) removeFor(ownerID, id string) {
	e.mu.Lock()
	if !e.ownedByLocked(ownerID) {
		e.mu.Unlock()
		return
	}
	if _, ok := e.tasks[id]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.tasks, id)
	delete(e.confirmed, id)
	delete(e.unreconciled, id)
	owner := e.owner
	e.schedulePersistLocked(persistJob{
		owner: owner,
		ids:   []string{id},
		run: func(ctx context.Context) error {
			if e.cache == nil {
				return nil
			}
			return e.cache.DeleteTask(ctx, owner, id)
		},
	})
	e.mu.Unlock()
	e.notify()
}

// Hydrate replaces the whole board with an authoritative snapshot. Duplicate
// ids keep the last occurrence; rows of other owners are dropped.
func (e *Engine) Hydrate(tasks []board.Task) {
	e.hydrateFor("", tasks)
}

func (e *Engine) hydrateFor(ownerID string, tasks []board.Task) {
	e.mu.Lock()
	if !e.ownedByLocked(ownerID) {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"owner": ownerID}).Debug("ignoring snapshot for a previous owner")
		return
	}
	owner := e.owner
	e.clearLocked()
	for _, task := range tasks {
		if task.OwnerID != "" && task.OwnerID != owner {
			e.logger.WithFields(logrus.Fields{"task": task.ID, "owner": task.OwnerID}).Debug("ignoring task for another owner")
			continue
		}
		task = task.Clone()
		task.OwnerID = owner
		e.tasks[task.ID] = task
		e.confirmed[task.ID] = true
	}
	snapshot := e.snapshotLocked()
	e.schedulePersistLocked(persistJob{
		owner: owner,
		run: func(ctx context.Context) error {
			if e.cache == nil {
				return nil
			}
			return e.cache.ReplaceOwnerTasks(ctx, owner, snapshot)
		},
	})
	e.mu.Unlock()
	e.notify()
}

// Snapshot returns the board ordered by column then position.
func (e *Engine) Snapshot() []board.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) Task(id string) (board.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	return task.Clone(), ok
}

// Unreconciled lists task ids whose local state may differ from the cache or
// the server. The next snapshot clears the set.
func (e *Engine) Unreconciled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.unreconciled))
	for id := range e.unreconciled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Flush waits until every persistence job scheduled so far has run.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if !e.enqueueJob(persistJob{done: done}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending persistence jobs and stops the worker.
func (e *Engine) Close() error {
	e.jobsMu.Lock()
	if e.closed {
		e.jobsMu.Unlock()
		<-e.stopped
		return nil
	}
	e.closed = true
	e.jobsMu.Unlock()
	e.wake()
	<-e.stopped
	return nil
}

// ownedByLocked reports whether events addressed to ownerID may change the
// board. e.mu must be held.
func (e *Engine) ownedByLocked(ownerID string) bool {
	if e.owner == "" {
		return false
	}
	return ownerID == "" || ownerID == e.owner
}

func sameDescription(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (e *Engine) snapshotLocked() []board.Task {
	out := make([]board.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		out = append(out, task.Clone())
	}
	board.SortTasks(out)
	return out
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

func (e *Engine) schedulePersistLocked(job persistJob) {
	if !e.enqueueJob(job) {
		e.logger.WithField("owner", job.owner).Warn("engine closed, dropping cache write")
	}
}

func (e *Engine) enqueueJob(job persistJob) bool {
	e.jobsMu.Lock()
	if e.closed {
		e.jobsMu.Unlock()
		return false
	}
	e.jobs = append(e.jobs, job)
	e.jobsMu.Unlock()
	e.wake()
	return true
}

func (e *Engine) wake() {
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

func (e *Engine) persistLoop() {
	defer close(e.stopped)
	for range e.signal {
		for {
			e.jobsMu.Lock()
			if len(e.jobs) == 0 {
				closed := e.closed
				e.jobsMu.Unlock()
				if closed {
					return
				}
				break
			}
			job := e.jobs[0]
			e.jobs = e.jobs[1:]
			e.jobsMu.Unlock()
			e.runJob(job)
		}
	}
}

func (e *Engine) runJob(job persistJob) {
	if job.done != nil {
		defer close(job.done)
	}
	if job.run == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.persistTimeout)
	defer cancel()
	if err := job.run(ctx); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{"owner": job.owner, "tasks": job.ids}).Error("cache write failed")
		e.mu.Lock()
		if e.owner == job.owner {
			for _, id := range job.ids {
				e.unreconciled[id] = struct{}{}
			}
		}
		e.mu.Unlock()
	}
}

func saveJob(cache Persister, owner string, confirmed bool, tasks ...board.Task) persistJob {
	ids := make([]string, len(tasks))
	saved := make([]board.Task, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
		saved[i] = task.Clone()
	}
	return persistJob{
		owner: owner,
		ids:   ids,
		run: func(ctx context.Context) error {
			if cache == nil {
				return nil
			}
			for _, task := range saved {
				if err := cache.SaveTask(ctx, task, confirmed); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func countColumn(tasks map[string]board.Task, column board.Column) int {
	n := 0
	for _, task := range tasks {
		if task.Column == column {
			n++
		}
	}
	return n
}
