// Package broker implements the claim-once firing queue: publish,
// lease, ack, nack, and sweep over a single in-memory structure
// guarded by one mutex and a condition variable for lease waiters.
// internal/broker/brokerhttp exposes the same contract over HTTP so
// the scheduler and worker can talk to a broker running in another
// process.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/runinator/runinator/internal/concurrency"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/firing"
)

// Queue is the operation set the scheduler and worker depend on. Both
// the in-process Broker and brokerhttp.Client satisfy it, selected at
// startup by --broker-backend.
type Queue interface {
	Publish(ctx context.Context, f *firing.Firing) (int64, error)
	Lease(ctx context.Context, consumerID string, maxWait time.Duration) (*firing.Firing, error)
	Ack(ctx context.Context, firingID int64, leaseToken string) error
	Nack(ctx context.Context, firingID int64, leaseToken string, requeue bool, reason string) error
	ListDead(ctx context.Context) ([]*firing.Firing, error)
}

// Broker is the in-memory claim-once queue described in spec.md §4.2.
// It also implements daemon.Component so a broker process can run it
// directly under a Manager alongside the brokerhttp server.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	firings     map[int64]*firing.Firing
	idempotency map[firing.IdempotencyKey]int64
	pending     []int64 // firing IDs, kept sorted by (ScheduledFor, PublishSeq)
	dead        []*firing.Firing

	nextID  int64
	nextSeq int64

	minLease      time.Duration
	leaseGrace    time.Duration
	maxAttempts   int
	sweepInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

func NewBroker(cfg config.BrokerConfig) (*Broker, error) {
	minLease, err := config.DurationOrDefault(cfg.MinLease, config.DefaultBrokerMinLease)
	if err != nil {
		return nil, fmt.Errorf("parse broker min lease: %w", err)
	}
	leaseGrace, err := config.DurationOrDefault(cfg.LeaseGrace, config.DefaultBrokerLeaseGrace)
	if err != nil {
		return nil, fmt.Errorf("parse broker lease grace: %w", err)
	}
	sweepInterval, err := config.DurationOrDefault(cfg.SweepInterval, config.DefaultBrokerSweepInterval)
	if err != nil {
		return nil, fmt.Errorf("parse broker sweep interval: %w", err)
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultBrokerMaxAttempts
	}

	b := &Broker{
		firings:       make(map[int64]*firing.Firing),
		idempotency:   make(map[firing.IdempotencyKey]int64),
		minLease:      minLease,
		leaseGrace:    leaseGrace,
		maxAttempts:   maxAttempts,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

func (b *Broker) Name() string         { return "broker" }
func (b *Broker) Dependencies() []string { return nil }

func (b *Broker) Init(ctx context.Context) error {
	slog.Info("Broker initialized", "max_attempts", b.maxAttempts, "sweep_interval", b.sweepInterval)
	return nil
}

func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	concurrency.SafeGo(func() {
		defer b.wg.Done()
		b.sweepLoop()
	}, nil)

	slog.Info("Broker started")
	return nil
}

func (b *Broker) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopCh) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Broker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()

	return &daemon.ComponentHealth{Name: b.Name(), Healthy: started}, nil
}

// Stats is a lightweight snapshot of queue depth, useful for the
// broker's admin /health endpoint.
type Stats struct {
	Pending int
	Leased  int
	Dead    int
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	leased := 0
	for _, f := range b.firings {
		if f.State == firing.StateLeased {
			leased++
		}
	}
	return Stats{Pending: len(b.pending), Leased: leased, Dead: len(b.dead)}
}

func (b *Broker) sweepLoop() {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stopCh:
			return
		}
	}
}

// Sweep returns the IDs of firings that were requeued or dropped to
// dead this pass, per spec.md §4.2.
func (b *Broker) Sweep() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var touched []int64

	for id, f := range b.firings {
		if f.State != firing.StateLeased {
			continue
		}
		if f.LeaseDeadline.After(now) {
			continue
		}
		f.Attempt++
		f.ConsumerID = ""
		f.LeaseToken = ""
		if f.Attempt > b.maxAttempts {
			b.dropToDead(f, "max attempts exceeded")
		} else {
			f.State = firing.StatePending
			b.insertPending(id)
		}
		touched = append(touched, id)
	}

	if len(touched) > 0 {
		b.cond.Broadcast()
		slog.Info("Broker swept expired leases", "count", len(touched))
	}
	return touched
}

// Publish pushes a PENDING firing with idempotency key (task_id,
// scheduled_for). A second publish for the same key while the prior
// firing is non-terminal is a no-op that returns the existing id.
func (b *Broker) Publish(ctx context.Context, f *firing.Firing) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := f.Key()
	if existingID, ok := b.idempotency[key]; ok {
		if existing, ok := b.firings[existingID]; ok && !existing.IsTerminal() {
			return existingID, nil
		}
	}

	b.nextID++
	b.nextSeq++
	f.ID = b.nextID
	f.PublishSeq = b.nextSeq
	f.State = firing.StatePending
	f.LeaseToken = ""
	f.ConsumerID = ""

	b.firings[f.ID] = f
	b.idempotency[key] = f.ID
	b.insertPending(f.ID)
	b.cond.Broadcast()

	return f.ID, nil
}

// Lease blocks up to maxWait for a PENDING firing, FIFO by
// (scheduled_for, publish_seq). Returns nil, nil on empty (the option
// "None" case in spec.md §4.2), or ctx.Err() if cancelled first.
func (b *Broker) Lease(ctx context.Context, consumerID string, maxWait time.Duration) (*firing.Firing, error) {
	deadline := time.Now().Add(maxWait)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if id, ok := b.popPending(); ok {
			f := b.firings[id]
			leaseFor := b.minLease
			if d := time.Duration(f.TimeoutMs) * time.Millisecond; d > leaseFor {
				leaseFor = d
			}
			f.State = firing.StateLeased
			f.ConsumerID = consumerID
			f.LeaseToken = ulid.Make().String()
			f.LeaseDeadline = time.Now().Add(leaseFor + b.leaseGrace)

			cp := *f
			return &cp, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.AfterFunc(remaining, func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.mu.Lock()
				b.cond.Broadcast()
				b.mu.Unlock()
			case <-stopWatch:
			}
		}()

		b.cond.Wait()
		close(stopWatch)
		timer.Stop()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// Ack removes a LEASED firing iff the token matches. A stale token
// (lease already reassigned) returns runinatorerrors.ErrLeaseStale and
// leaves state untouched.
func (b *Broker) Ack(ctx context.Context, firingID int64, leaseToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.firings[firingID]
	if !ok || f.State != firing.StateLeased || f.LeaseToken != leaseToken {
		return runinatorerrors.LeaseStale(fmt.Sprintf("firing %d", firingID))
	}

	f.State = firing.StateAcked
	delete(b.firings, firingID)
	delete(b.idempotency, f.Key())
	return nil
}

// Nack validates the lease token, then either requeues the firing to
// PENDING with attempt+1 or terminal-drops it to dead with reason.
func (b *Broker) Nack(ctx context.Context, firingID int64, leaseToken string, requeue bool, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, ok := b.firings[firingID]
	if !ok || f.State != firing.StateLeased || f.LeaseToken != leaseToken {
		return runinatorerrors.LeaseStale(fmt.Sprintf("firing %d", firingID))
	}

	f.ConsumerID = ""
	f.LeaseToken = ""

	if !requeue {
		b.dropToDead(f, reason)
		b.cond.Broadcast()
		return nil
	}

	f.Attempt++
	if f.Attempt > b.maxAttempts {
		b.dropToDead(f, "max attempts exceeded")
	} else {
		f.State = firing.StatePending
		b.insertPending(firingID)
	}
	b.cond.Broadcast()
	return nil
}

// ListDead returns a snapshot of firings dropped to the dead bucket.
func (b *Broker) ListDead(ctx context.Context) ([]*firing.Firing, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*firing.Firing, len(b.dead))
	for i, f := range b.dead {
		cp := *f
		out[i] = &cp
	}
	return out, nil
}

// dropToDead moves f to the dead bucket. Caller must hold b.mu.
func (b *Broker) dropToDead(f *firing.Firing, reason string) {
	f.State = firing.StateDead
	f.FailureReason = reason
	delete(b.firings, f.ID)
	delete(b.idempotency, f.Key())
	b.dead = append(b.dead, f)
}

// insertPending keeps b.pending sorted by (ScheduledFor, PublishSeq).
// Caller must hold b.mu.
func (b *Broker) insertPending(id int64) {
	f := b.firings[id]
	idx := sort.Search(len(b.pending), func(i int) bool {
		other := b.firings[b.pending[i]]
		if other == nil {
			return true
		}
		if !other.ScheduledFor.Equal(f.ScheduledFor) {
			return other.ScheduledFor.After(f.ScheduledFor)
		}
		return other.PublishSeq > f.PublishSeq
	})
	b.pending = append(b.pending, 0)
	copy(b.pending[idx+1:], b.pending[idx:])
	b.pending[idx] = id
}

// popPending removes and returns the head of the pending queue, if
// any firing is still actually PENDING (a sweep or ack may have
// already resolved entries that remain in the slice). Caller must
// hold b.mu.
func (b *Broker) popPending() (int64, bool) {
	for len(b.pending) > 0 {
		id := b.pending[0]
		b.pending = b.pending[1:]
		if f, ok := b.firings[id]; ok && f.State == firing.StatePending {
			return id, true
		}
	}
	return 0, false
}
