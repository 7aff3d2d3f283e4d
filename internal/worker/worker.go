// Package worker runs the bounded pool of lease->dispatch->timeout->
// report loops described in spec.md §4.4, generalized from the
// teacher's single-channel event worker to POOL_SIZE goroutines each
// independently leasing Firings from the broker.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/runinator/runinator/internal/concurrency"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/handler"
	"github.com/runinator/runinator/internal/repository"
)

// Leaser is the subset of broker.Queue a worker slot needs, named
// independently so this package does not import internal/broker
// directly (mirrors internal/scheduler.Publisher).
type Leaser interface {
	Lease(ctx context.Context, consumerID string, maxWait time.Duration) (*firing.Firing, error)
	Ack(ctx context.Context, firingID int64, leaseToken string) error
	Nack(ctx context.Context, firingID int64, leaseToken string, requeue bool, reason string) error
}

// reportBackoff is the fixed retry schedule spec.md §4.4 step 4 names
// for posting a TaskRun: up to 3 retries after the first attempt,
// 100ms/500ms/2s.
var reportBackoff = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Pool is a Component running PoolSize worker slots, each an
// independent lease/resolve/invoke/report loop.
type Pool struct {
	mu      sync.RWMutex
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	queue    Leaser
	registry *handler.Registry
	runs     repository.TaskRepository

	consumerPrefix  string
	poolSize        int
	pollTimeout     time.Duration
	pollBackoff     time.Duration
	shutdownTimeout time.Duration
	reportMaxRetry  int
}

func NewPool(queue Leaser, registry *handler.Registry, runs repository.TaskRepository, consumerPrefix string, cfg config.WorkerConfig) (*Pool, error) {
	pollTimeout, err := config.DurationOrDefault(cfg.PollTimeout, config.DefaultWorkerPollTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse worker poll timeout: %w", err)
	}
	pollBackoff, err := config.DurationOrDefault(cfg.PollBackoff, config.DefaultWorkerPollBackoff)
	if err != nil {
		return nil, fmt.Errorf("parse worker poll backoff: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultWorkerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse worker shutdown timeout: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	reportMaxRetry := cfg.ReportMaxRetries
	if reportMaxRetry <= 0 {
		reportMaxRetry = config.DefaultWorkerReportMaxRetries
	}
	if reportMaxRetry > len(reportBackoff) {
		reportMaxRetry = len(reportBackoff)
	}

	return &Pool{
		queue:           queue,
		registry:        registry,
		runs:            runs,
		consumerPrefix:  consumerPrefix,
		poolSize:        poolSize,
		pollTimeout:     pollTimeout,
		pollBackoff:     pollBackoff,
		shutdownTimeout: shutdownTimeout,
		reportMaxRetry:  reportMaxRetry,
	}, nil
}

func (p *Pool) Name() string           { return "worker" }
func (p *Pool) Dependencies() []string { return nil }

func (p *Pool) Init(ctx context.Context) error {
	slog.Info("Worker pool initialized", "pool_size", p.poolSize)
	return nil
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	poolCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	for i := 0; i < p.poolSize; i++ {
		slotID := fmt.Sprintf("%s-%d", p.consumerPrefix, i)
		p.wg.Add(1)
		concurrency.SafeGo(func() {
			defer p.wg.Done()
			slog.Info("Worker slot started", "consumer_id", slotID)
			p.slotLoop(poolCtx, slotID)
			slog.Info("Worker slot stopped", "consumer_id", slotID)
		}, nil)
	}

	slog.Info("Worker pool started", "pool_size", p.poolSize)
	return nil
}

func (p *Pool) slotLoop(ctx context.Context, consumerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := p.queue.Lease(ctx, consumerID, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Lease failed", "consumer_id", consumerID, "error", err)
			time.Sleep(p.pollBackoff)
			continue
		}
		if f == nil {
			continue
		}

		p.process(ctx, consumerID, f)
	}
}

// process resolves a handler, invokes it under the firing's timeout,
// records and reports the run, and acks/nacks the broker, per
// spec.md §4.4 steps 2-5.
func (p *Pool) process(ctx context.Context, consumerID string, f *firing.Firing) {
	start := time.Now()

	key := handler.Key{ActionName: f.ActionName, ActionFunction: f.ActionFunction}
	h, ok := p.registry.Resolve(key)
	if !ok {
		slog.Error("Handler not found", "action", key.String(), "firing_id", f.ID)
		p.nack(ctx, f, false, "handler_not_found")
		return
	}

	timeout := time.Duration(f.TimeoutMs) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := h(runCtx, f.Configuration)
	duration := time.Since(start)

	p.reportRun(ctx, f, start, duration)

	switch {
	case err != nil:
		slog.Warn("Handler invocation timed out", "firing_id", f.ID, "consumer_id", consumerID)
		p.nack(ctx, f, true, "timeout")
	case outcome.Success:
		p.ack(ctx, f)
	default:
		slog.Warn("Handler reported failure", "firing_id", f.ID, "message", outcome.Message, "retryable", outcome.Retryable)
		p.nack(ctx, f, outcome.Retryable, outcome.Message)
	}
}

func (p *Pool) ack(ctx context.Context, f *firing.Firing) {
	if err := p.queue.Ack(ctx, f.ID, f.LeaseToken); err != nil {
		slog.Error("Ack failed", "firing_id", f.ID, "error", err)
	}
}

func (p *Pool) nack(ctx context.Context, f *firing.Firing, requeue bool, reason string) {
	if err := p.queue.Nack(ctx, f.ID, f.LeaseToken, requeue, reason); err != nil {
		slog.Error("Nack failed", "firing_id", f.ID, "error", err)
	}
}

// reportRun posts a TaskRun with bounded exponential retry, per
// spec.md §4.4 step 4. Posting failures are logged and otherwise
// swallowed: a dropped run record never blocks ack/nack.
func (p *Pool) reportRun(ctx context.Context, f *firing.Firing, start time.Time, duration time.Duration) {
	if p.runs == nil {
		return
	}

	run := repository.TaskRun{
		TaskID:     f.TaskID,
		StartTime:  start,
		DurationMs: duration.Milliseconds(),
	}

	var lastErr error
	for attempt := 0; attempt <= p.reportMaxRetry; attempt++ {
		if attempt > 0 {
			backoff := reportBackoff[attempt-1]
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = p.runs.RecordRun(ctx, run); lastErr == nil {
			return
		}
		if !runinatorerrors.IsRetryable(lastErr) {
			break
		}
	}
	slog.Error("Failed to report task run", "task_id", f.TaskID, "error", lastErr)
}

func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
		return nil
	case <-time.After(p.shutdownTimeout):
		slog.Warn("Worker pool shutdown timeout, force stopping")
		return runinatorerrors.Shutdown("worker pool shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return &daemon.ComponentHealth{Name: p.Name(), Healthy: false, Error: fmt.Errorf("worker pool not running")}, nil
	}
	return &daemon.ComponentHealth{Name: p.Name(), Healthy: true}, nil
}
