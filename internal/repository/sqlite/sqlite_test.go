package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/runinator/runinator/internal/repository"
)

func boolPtr(b bool) *bool { return &b }

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runinator.db")
	repo, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_InsertAndGetTask(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	next := time.Now().Add(time.Minute).Truncate(time.Second)
	id, err := repo.InsertTask(ctx, repository.ScheduledTask{
		Name:           "ping",
		CronSchedule:   "*/5 * * * *",
		ActionName:     "Console",
		ActionFunction: "run_console",
		TimeoutMs:      1000,
		NextExecution:  &next,
		Enabled:        boolPtr(true),
	})
	if err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}

	got, ok, err := repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if !ok {
		t.Fatal("task not found after insert")
	}
	if got.Name != "ping" || got.CronSchedule != "*/5 * * * *" {
		t.Errorf("got task %+v", got)
	}
	if got.NextExecution == nil || !got.NextExecution.Equal(next) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, next)
	}
}

func TestRepository_DueTasksOnlyReturnsEnabledPastDue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	future := time.Now().Add(time.Hour).Truncate(time.Second)

	dueID, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "due", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(true),
	})
	repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "not-due", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &future, Enabled: boolPtr(true),
	})
	repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "disabled", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(false),
	})

	due, err := repo.DueTasks(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueTasks() failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("got %d due tasks, want 1", len(due))
	}
	if due[0].ID != dueID {
		t.Errorf("due task id = %d, want %d", due[0].ID, dueID)
	}
}

func TestRepository_AdvanceNextExecution(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	id, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(true),
	})

	next := time.Now().Add(time.Minute).Truncate(time.Second)
	if err := repo.AdvanceNextExecution(ctx, id, next); err != nil {
		t.Fatalf("AdvanceNextExecution() failed: %v", err)
	}

	got, _, _ := repo.GetTask(ctx, id)
	if got.NextExecution == nil || !got.NextExecution.Equal(next) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, next)
	}
}

func TestRepository_RecordRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, Enabled: boolPtr(true),
	})

	err := repo.RecordRun(ctx, repository.TaskRun{TaskID: id, StartTime: time.Now(), DurationMs: 42})
	if err != nil {
		t.Fatalf("RecordRun() failed: %v", err)
	}
}

func TestRepository_UpdateTaskPartial(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, Enabled: boolPtr(true),
	})

	if err := repo.UpdateTask(ctx, id, repository.ScheduledTask{Enabled: boolPtr(false)}); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	got, _, _ := repo.GetTask(ctx, id)
	if got.IsEnabled() {
		t.Error("expected task to be disabled")
	}
	if got.CronSchedule != "* * * * *" {
		t.Error("unrelated fields should be unchanged by a partial update")
	}
}

func TestRepository_UpdateTaskOmittedEnabledLeavesItUnchanged(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	id, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, Enabled: boolPtr(true),
	})

	if err := repo.UpdateTask(ctx, id, repository.ScheduledTask{Name: "pong"}); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	got, _, _ := repo.GetTask(ctx, id)
	if !got.IsEnabled() {
		t.Error("a patch that omits enabled must not disable the task")
	}
	if got.Name != "pong" {
		t.Error("name should have been updated")
	}
}

func TestRepository_UpdateTaskPatchesNextExecution(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	id, _ := repo.InsertTask(ctx, repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(true),
	})

	next := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := repo.UpdateTask(ctx, id, repository.ScheduledTask{NextExecution: &next}); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	got, _, _ := repo.GetTask(ctx, id)
	if got.NextExecution == nil || !got.NextExecution.Equal(next) {
		t.Errorf("next_execution = %v, want %v", got.NextExecution, next)
	}
}
