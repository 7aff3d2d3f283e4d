package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/handler"
	"github.com/runinator/runinator/internal/repository"
)

type fakeQueue struct {
	mu      sync.Mutex
	pending []*firing.Firing
	acked   []int64
	nacked  []struct {
		id      int64
		requeue bool
		reason  string
	}
}

func (q *fakeQueue) push(f *firing.Firing) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, f)
}

func (q *fakeQueue) Lease(ctx context.Context, consumerID string, maxWait time.Duration) (*firing.Firing, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		f := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		f.LeaseToken = "token"
		return f, nil
	}
	q.mu.Unlock()

	select {
	case <-time.After(maxWait):
		return nil, nil
	case <-ctx.Done():
		return nil, nil
	}
}

func (q *fakeQueue) Ack(ctx context.Context, firingID int64, leaseToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, firingID)
	return nil
}

func (q *fakeQueue) Nack(ctx context.Context, firingID int64, leaseToken string, requeue bool, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, struct {
		id      int64
		requeue bool
		reason  string
	}{firingID, requeue, reason})
	return nil
}

func newTestPool(t *testing.T, queue *fakeQueue, reg *handler.Registry, repo repository.TaskRepository) *Pool {
	t.Helper()
	pool, err := NewPool(queue, reg, repo, "test", config.WorkerConfig{PoolSize: 1, PollTimeout: "10ms", PollBackoff: "5ms", ShutdownTimeout: "1s"})
	if err != nil {
		t.Fatalf("NewPool() failed: %v", err)
	}
	return pool
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPool_SuccessfulHandlerAcks(t *testing.T) {
	queue := &fakeQueue{}
	reg := handler.NewRegistry()
	reg.Register(handler.Key{ActionName: "Console", ActionFunction: "run_console"}, func(ctx context.Context, configuration []byte) (handler.Outcome, error) {
		return handler.Outcome{Success: true}, nil
	})
	repo := repository.NewInMemory()

	queue.push(&firing.Firing{ID: 1, ActionName: "Console", ActionFunction: "run_console", TimeoutMs: 1000})

	pool := newTestPool(t, queue, reg, repo)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, time.Second, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.acked) == 1
	})

	if len(repo.Runs()) != 1 {
		t.Errorf("expected 1 recorded run, got %d", len(repo.Runs()))
	}
}

func TestPool_FailedHandlerNacksRetryable(t *testing.T) {
	queue := &fakeQueue{}
	reg := handler.NewRegistry()
	reg.Register(handler.Key{ActionName: "Console", ActionFunction: "run_console"}, func(ctx context.Context, configuration []byte) (handler.Outcome, error) {
		return handler.Outcome{Success: false, Retryable: true, Message: "transient"}, nil
	})
	repo := repository.NewInMemory()

	queue.push(&firing.Firing{ID: 2, ActionName: "Console", ActionFunction: "run_console", TimeoutMs: 1000})

	pool := newTestPool(t, queue, reg, repo)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, time.Second, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.nacked) == 1
	})

	if !queue.nacked[0].requeue {
		t.Error("expected requeue=true for a retryable failure")
	}
}

func TestPool_UnknownHandlerDropsWithoutRequeue(t *testing.T) {
	queue := &fakeQueue{}
	reg := handler.NewRegistry()
	repo := repository.NewInMemory()

	queue.push(&firing.Firing{ID: 3, ActionName: "Console", ActionFunction: "does_not_exist", TimeoutMs: 1000})

	pool := newTestPool(t, queue, reg, repo)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, time.Second, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.nacked) == 1
	})

	if queue.nacked[0].requeue {
		t.Error("expected requeue=false for handler_not_found")
	}
	if queue.nacked[0].reason != "handler_not_found" {
		t.Errorf("reason = %q, want handler_not_found", queue.nacked[0].reason)
	}
}

func TestPool_HandlerTimeoutNacksRetryable(t *testing.T) {
	queue := &fakeQueue{}
	reg := handler.NewRegistry()
	reg.Register(handler.Key{ActionName: "Console", ActionFunction: "run_console"}, func(ctx context.Context, configuration []byte) (handler.Outcome, error) {
		<-ctx.Done()
		return handler.Outcome{}, ctx.Err()
	})
	repo := repository.NewInMemory()

	queue.push(&firing.Firing{ID: 4, ActionName: "Console", ActionFunction: "run_console", TimeoutMs: 10})

	pool := newTestPool(t, queue, reg, repo)
	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer pool.Stop(ctx)

	waitFor(t, 2*time.Second, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.nacked) == 1
	})

	if !queue.nacked[0].requeue {
		t.Error("expected requeue=true for a timeout")
	}
}

func TestPool_ComponentLifecycle(t *testing.T) {
	queue := &fakeQueue{}
	reg := handler.NewRegistry()
	repo := repository.NewInMemory()

	pool := newTestPool(t, queue, reg, repo)
	ctx := context.Background()

	if err := pool.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	if health, err := pool.Health(ctx); err != nil || !health.Healthy {
		t.Fatalf("Health() = %+v, %v", health, err)
	}

	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	if health, err := pool.Health(ctx); err != nil || health.Healthy {
		t.Fatalf("expected unhealthy after stop, got %+v, %v", health, err)
	}
}
