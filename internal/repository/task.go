// Package repository defines the ScheduledTask/TaskRun persistence
// contract the scheduler and worker depend on, plus an in-memory
// implementation used by tests and the embedded (non-SQL) deployment
// mode. internal/repository/sqlite supplies the durable implementation
// consumed by the web service.
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScheduledTask is a registered cron task, per spec.md §3.
type ScheduledTask struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	CronSchedule        string     `json:"cron_schedule"`
	ActionName          string     `json:"action_name"`
	ActionFunction      string     `json:"action_function"`
	ActionConfiguration []byte     `json:"action_configuration"`
	TimeoutMs           int        `json:"timeout_ms"`
	NextExecution       *time.Time `json:"next_execution"`
	// Enabled is a pointer so PATCH requests that omit it (a partial
	// update per spec.md §6) leave the existing value untouched
	// instead of defaulting to false.
	Enabled *bool `json:"enabled"`
}

// IsEnabled reports the task's enabled state, treating an absent
// Enabled as false.
func (t *ScheduledTask) IsEnabled() bool {
	return t.Enabled != nil && *t.Enabled
}

// Validate enforces the invariants spec.md §3 names, except
// cron_schedule parsing (the caller validates that with internal/cron
// and reports field-level detail there).
func (t *ScheduledTask) Validate() error {
	if t.TimeoutMs <= 0 {
		return fmt.Errorf("timeout_ms must be positive, got %d", t.TimeoutMs)
	}
	if t.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if t.CronSchedule == "" {
		return fmt.Errorf("cron_schedule must not be empty")
	}
	return nil
}

// TaskRun is an append-only history row, created after every completed
// invocation (successful or failed).
type TaskRun struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	StartTime  time.Time `json:"start_time"`
	DurationMs int64     `json:"duration_ms"`
}

// TaskRepository is the narrow interface the scheduler and worker
// depend on. A SQLite-backed implementation lives in
// internal/repository/sqlite; InMemory below backs tests and the
// repository.driver: memory deployment mode.
type TaskRepository interface {
	DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error)
	AdvanceNextExecution(ctx context.Context, taskID int64, next time.Time) error
	RecordRun(ctx context.Context, run TaskRun) error
}

// InMemory is a TaskRepository backed by a guarded map, sufficient for
// tests and for running the whole pipeline without SQLite.
type InMemory struct {
	mu     sync.RWMutex
	tasks  map[int64]*ScheduledTask
	runs   []TaskRun
	nextID int64
}

func NewInMemory() *InMemory {
	return &InMemory{tasks: make(map[int64]*ScheduledTask)}
}

// AddTask registers a task, assigning an id if t.ID is zero.
func (m *InMemory) AddTask(t ScheduledTask) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	} else if t.ID > m.nextID {
		m.nextID = t.ID
	}
	cp := t
	m.tasks[t.ID] = &cp
	return t.ID
}

func (m *InMemory) DueTasks(ctx context.Context, now time.Time) ([]ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []ScheduledTask
	for _, t := range m.tasks {
		if !t.IsEnabled() {
			continue
		}
		if t.NextExecution == nil || t.NextExecution.After(now) {
			continue
		}
		due = append(due, *t)
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecution.Before(*due[j].NextExecution)
	})
	return due, nil
}

func (m *InMemory) AdvanceNextExecution(ctx context.Context, taskID int64, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %d not found", taskID)
	}
	t.NextExecution = &next
	return nil
}

func (m *InMemory) RecordRun(ctx context.Context, run TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.ID == 0 {
		run.ID = int64(len(m.runs)) + 1
	}
	m.runs = append(m.runs, run)
	return nil
}

// Runs returns a snapshot of recorded TaskRuns, for tests.
func (m *InMemory) Runs() []TaskRun {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TaskRun, len(m.runs))
	copy(out, m.runs)
	return out
}

// Task returns a copy of the task with the given id, for tests.
func (m *InMemory) Task(id int64) (ScheduledTask, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return *t, true
}

// InsertTask adds a new ScheduledTask, returning its assigned id. It
// satisfies the broader store interface internal/webservice depends
// on, alongside the sqlite-backed implementation.
func (m *InMemory) InsertTask(ctx context.Context, t ScheduledTask) (int64, error) {
	return m.AddTask(t), nil
}

// ListTasks returns every registered task, ordered by id.
func (m *InMemory) ListTasks(ctx context.Context) ([]ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTask fetches a single task by id.
func (m *InMemory) GetTask(ctx context.Context, id int64) (ScheduledTask, bool, error) {
	t, ok := m.Task(id)
	return t, ok, nil
}

// UpdateTask applies a partial update, per internal/webservice's
// PATCH /tasks/{id} endpoint; zero-value fields in patch are left
// unchanged.
func (m *InMemory) UpdateTask(ctx context.Context, id int64, patch ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d not found", id)
	}

	if patch.Name != "" {
		t.Name = patch.Name
	}
	if patch.CronSchedule != "" {
		t.CronSchedule = patch.CronSchedule
	}
	if patch.ActionName != "" {
		t.ActionName = patch.ActionName
	}
	if patch.ActionFunction != "" {
		t.ActionFunction = patch.ActionFunction
	}
	if patch.ActionConfiguration != nil {
		t.ActionConfiguration = patch.ActionConfiguration
	}
	if patch.TimeoutMs != 0 {
		t.TimeoutMs = patch.TimeoutMs
	}
	if patch.NextExecution != nil {
		t.NextExecution = patch.NextExecution
	}
	if patch.Enabled != nil {
		t.Enabled = patch.Enabled
	}
	return nil
}
