// Package scheduler runs the tick loop that turns due ScheduledTasks
// into Firings: load due tasks, publish one Firing per task to the
// broker, and advance each task's next_execution via the cron engine.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/runinator/runinator/internal/concurrency"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/cron"
	"github.com/runinator/runinator/internal/daemon"
	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/repository"
)

// Publisher is the subset of broker.Queue the scheduler needs. It is
// named independently so the scheduler package does not import
// internal/broker directly, keeping the dependency direction the
// teacher's ingress.Submitter abstraction models.
type Publisher interface {
	Publish(ctx context.Context, f *firing.Firing) (int64, error)
}

// Scheduler is a Component: a single-threaded, time.Ticker-driven tick
// loop, generalized from the teacher's Scheduler (which submitted
// ingress events) to one that publishes Firings and advances cron
// schedules through a TaskRepository.
type Scheduler struct {
	repo      repository.TaskRepository
	publisher Publisher

	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	running       bool
	ticker        *time.Ticker
	inFlightTicks uint

	tickInterval         time.Duration
	shutdownTimeout      time.Duration
	inFlightPollInterval time.Duration
}

func NewScheduler(repo repository.TaskRepository, publisher Publisher, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}
	inFlightPollInterval, err := config.DurationOrDefault(cfg.InFlightPollInterval, config.DefaultSchedulerInFlightPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler in-flight poll interval: %w", err)
	}

	return &Scheduler{
		repo:                 repo,
		publisher:            publisher,
		tickInterval:         tickInterval,
		shutdownTimeout:      shutdownTimeout,
		inFlightPollInterval: inFlightPollInterval,
	}, nil
}

func (s *Scheduler) Name() string           { return "scheduler" }
func (s *Scheduler) Dependencies() []string { return nil }

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	slog.Info("Scheduler initialized", "tick_interval", s.tickInterval)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ticker = time.NewTicker(s.tickInterval)
	s.mu.Unlock()

	concurrency.SafeGo(func() { s.run(ctx) }, nil)

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.waitForInFlightTicks()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return runinatorerrors.Shutdown("scheduler shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	if !s.IsRunning() {
		return &daemon.ComponentHealth{Name: s.Name(), Healthy: false, Error: fmt.Errorf("scheduler not running")}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-s.ticker.C:
			s.onTick(ctx)
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	s.mu.Lock()
	s.inFlightTicks++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlightTicks--
		s.mu.Unlock()
	}()

	now := time.Now()
	tasks, err := s.repo.DueTasks(ctx, now)
	if err != nil {
		slog.Error("Failed to load due tasks", "error", err)
		return
	}

	for _, task := range tasks {
		s.fireTask(ctx, task, now)
	}
}

// fireTask publishes one Firing for task and advances its
// next_execution. Per spec.md §4.3, a failed publish leaves
// next_execution untouched so the next tick retries; an idempotent
// conflict (same task_id/scheduled_for already published) is treated
// as success.
func (s *Scheduler) fireTask(ctx context.Context, task repository.ScheduledTask, now time.Time) {
	schedule, err := cron.Parse(task.CronSchedule)
	if err != nil {
		slog.Error("Task has an unparseable cron schedule", "task_id", task.ID, "error", err)
		return
	}

	// A stale next_execution is moved forward to the latest slot at or
	// before now, so the single catch-up firing carries that slot.
	scheduledFor := now
	if task.NextExecution != nil {
		scheduledFor = *task.NextExecution
		for n := schedule.NextAfter(scheduledFor); !n.After(now); n = schedule.NextAfter(n) {
			scheduledFor = n
		}
	}

	f := &firing.Firing{
		TaskID:         task.ID,
		ScheduledFor:   scheduledFor,
		Attempt:        0,
		Configuration:  task.ActionConfiguration,
		ActionName:     task.ActionName,
		ActionFunction: task.ActionFunction,
		TimeoutMs:      task.TimeoutMs,
	}

	if _, err := s.publisher.Publish(ctx, f); err != nil {
		slog.Error("Failed to publish firing", "task_id", task.ID, "error", err)
		return
	}

	// Catch-up policy: fire once for the most recent slot (above), then
	// advance from "now" rather than the missed scheduled_for, so a
	// long-stopped scheduler does not backfill every missed tick.
	next := schedule.NextAfter(now)
	if err := s.repo.AdvanceNextExecution(ctx, task.ID, next); err != nil {
		slog.Error("Failed to advance next_execution", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) waitForInFlightTicks() {
	ticker := time.NewTicker(s.inFlightPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			count := s.inFlightTicks
			s.mu.RUnlock()
			if count == 0 {
				return
			}
			slog.Info("Waiting for in-flight scheduler ticks", "count", count)
		}
	}
}
