package routine

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Handler processes work bound to a key specific context.
// Returning an error triggers the associated Task OnError lifecycle hook.
type Handler func(ctx context.Context) error

var (
	ErrEmptyID          = errors.New("routine manager: empty id")
	ErrNilHandler       = errors.New("routine manager: nil handler")
	ErrRoutineExists    = errors.New("routine manager: routine already running")
	ErrRoutineNotFound  = errors.New("routine manager: routine not found")
	ErrNilTask          = errors.New("routine manager: nil task")
	ErrTaskHandlerUnset = errors.New("routine manager: task handler not set")
	ErrClosed           = errors.New("routine manager: closed")
)

// Manager runs at most one task per id. A task's id is released as soon as
// its handler returns, so finished work never blocks a new task for the same id.
type Manager struct {
	baseCtx context.Context
	mu      sync.RWMutex
	tasks   map[string]*Task
	closed  bool
	wg      sync.WaitGroup
}

// Task wraps a handler, its runtime state, and lifecycle callbacks.
type Task struct {
	ID      string
	Handler Handler

	OnStart func(string)
	OnDone  func(string)
	OnError func(string, error)

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(ctx context.Context) *Manager {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Manager{
		baseCtx: ctx,
		tasks:   make(map[string]*Task),
	}
}

// Run starts a task with the bare id/handler pair.
// Prefer RunTask when lifecycle hooks are needed.
func (m *Manager) Run(id string, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	return m.RunTask(&Task{ID: id, Handler: handler})
}

// RunTask registers the task under its id and starts it. The check for an
// existing task and the registration happen under one lock, so two callers
// racing on the same id never both start.
func (m *Manager) RunTask(task *Task) error {
	if task == nil {
		return ErrNilTask
	}
	if task.ID == "" {
		return ErrEmptyID
	}
	if task.Handler == nil {
		return ErrTaskHandlerUnset
	}

	m.mu.Lock()
	m.ensureState()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if existing, exists := m.tasks[task.ID]; exists {
		if !existing.finished() {
			m.mu.Unlock()
			return ErrRoutineExists
		}
		delete(m.tasks, task.ID)
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	task.cancel = cancel
	task.done = make(chan struct{})
	m.tasks[task.ID] = task
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(task, ctx)
	return nil
}

// Running reports whether a live task is registered under id.
func (m *Manager) Running(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	return ok && !task.finished()
}

// Len returns the number of live tasks.
func (m *Manager) Len() int {
	return len(m.IDs())
}

// IDs returns the ids of live tasks in lexical order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id, task := range m.tasks {
		if !task.finished() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Prune drops bookkeeping for tasks whose handler already returned and
// reports how many entries were removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, task := range m.tasks {
		if task.finished() {
			delete(m.tasks, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) Shutdown(id string) error {
	if id == "" {
		return ErrEmptyID
	}

	m.mu.RLock()
	task, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return ErrRoutineNotFound
	}

	task.cancel()
	<-task.done
	return nil
}

// ShutdownAll cancels every task, refuses new ones, and waits for the
// running handlers to return.
func (m *Manager) ShutdownAll() error {
	m.mu.Lock()
	m.closed = true
	tasks := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	m.wg.Wait()
	return nil
}

// Wait blocks until every started task has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(task *Task, ctx context.Context) {
	defer m.wg.Done()
	defer func() {
		task.cancel()
		close(task.done)
		m.cleanup(task.ID, task)
		if task.OnDone != nil {
			task.OnDone(task.ID)
		}
	}()
	if task.OnStart != nil {
		task.OnStart(task.ID)
	}
	if err := task.Handler(ctx); err != nil && task.OnError != nil {
		task.OnError(task.ID, err)
	}
}

func (m *Manager) cleanup(id string, task *Task) {
	m.mu.Lock()
	if current, ok := m.tasks[id]; ok && current == task {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
}

func (m *Manager) ensureState() {
	if m.baseCtx == nil {
		m.baseCtx = context.Background()
	}
	if m.tasks == nil {
		m.tasks = make(map[string]*Task)
	}
}

func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
