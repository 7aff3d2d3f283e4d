package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/repository"
)

func boolPtr(b bool) *bool { return &b }

type mockPublisher struct {
	mu        sync.Mutex
	published []*firing.Firing
	failNext  bool
}

func (m *mockPublisher) Publish(ctx context.Context, f *firing.Firing) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		return 0, context.DeadlineExceeded
	}

	f.ID = int64(len(m.published)) + 1
	m.published = append(m.published, f)
	return f.ID, nil
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func TestScheduler_NewScheduler(t *testing.T) {
	repo := repository.NewInMemory()
	pub := &mockPublisher{}

	sched, err := NewScheduler(repo, pub, config.SchedulerConfig{})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if sched == nil {
		t.Fatal("Scheduler should not be nil")
	}
}

func TestScheduler_ComponentLifecycle(t *testing.T) {
	repo := repository.NewInMemory()
	pub := &mockPublisher{}

	sched, err := NewScheduler(repo, pub, config.SchedulerConfig{TickInterval: "10ms"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}

	ctx := context.Background()

	if err := sched.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !sched.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	if _, err := sched.Health(ctx); err != nil {
		t.Errorf("Health() failed: %v", err)
	}

	if err := sched.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if sched.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

func TestScheduler_FiresDueTaskAndAdvances(t *testing.T) {
	repo := repository.NewInMemory()
	pub := &mockPublisher{}

	past := time.Now().Add(-time.Minute)
	taskID := repo.AddTask(repository.ScheduledTask{
		Name:           "ping",
		CronSchedule:   "*/1 * * * *",
		ActionName:     "Console",
		ActionFunction: "run_console",
		TimeoutMs:      1000,
		NextExecution:  &past,
		Enabled:        boolPtr(true),
	})

	sched, err := NewScheduler(repo, pub, config.SchedulerConfig{TickInterval: "5s"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if err := sched.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	sched.onTick(context.Background())

	if pub.count() != 1 {
		t.Fatalf("published %d firings, want 1", pub.count())
	}

	task, ok := repo.Task(taskID)
	if !ok {
		t.Fatal("task not found")
	}
	if task.NextExecution == nil || !task.NextExecution.After(past) {
		t.Error("expected next_execution to advance past the original slot")
	}
}

func TestScheduler_DisabledTaskNeverPublished(t *testing.T) {
	repo := repository.NewInMemory()
	pub := &mockPublisher{}

	past := time.Now().Add(-time.Minute)
	repo.AddTask(repository.ScheduledTask{
		Name:           "disabled",
		CronSchedule:   "*/1 * * * *",
		ActionName:     "Console",
		ActionFunction: "run_console",
		TimeoutMs:      1000,
		NextExecution:  &past,
		Enabled:        boolPtr(false),
	})

	sched, err := NewScheduler(repo, pub, config.SchedulerConfig{TickInterval: "5s"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if err := sched.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	sched.onTick(context.Background())

	if pub.count() != 0 {
		t.Fatalf("published %d firings for a disabled task, want 0", pub.count())
	}
}

func TestScheduler_FailedPublishDoesNotAdvance(t *testing.T) {
	repo := repository.NewInMemory()
	pub := &mockPublisher{failNext: true}

	past := time.Now().Add(-time.Minute)
	taskID := repo.AddTask(repository.ScheduledTask{
		Name:           "flaky",
		CronSchedule:   "*/1 * * * *",
		ActionName:     "Console",
		ActionFunction: "run_console",
		TimeoutMs:      1000,
		NextExecution:  &past,
		Enabled:        boolPtr(true),
	})

	sched, err := NewScheduler(repo, pub, config.SchedulerConfig{TickInterval: "5s"})
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if err := sched.Init(context.Background()); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	sched.onTick(context.Background())

	task, ok := repo.Task(taskID)
	if !ok {
		t.Fatal("task not found")
	}
	if task.NextExecution == nil || !task.NextExecution.Equal(past) {
		t.Error("next_execution should be unchanged after a failed publish")
	}
}
