package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/runinator/runinator/internal/concurrency"
	"github.com/runinator/runinator/internal/config"
)

// Manager supervises one runinator service process's components:
// dependency-resolved Init, in-registration-order Start, and
// reverse-order graceful Stop, with a background health poller and a
// panic monitor.
type Manager struct {
	name            string
	cfg             *config.DaemonConfig
	components      []Component
	shutdownOrder   []string
	health          HealthStatus
	uptimeStart     time.Time
	mu              sync.RWMutex
	healthCheckDone chan struct{}
	panicChan       chan interface{}
}

func NewManager(name string, cfg *config.DaemonConfig) (*Manager, error) {
	if name == "" {
		return nil, fmt.Errorf("manager name cannot be empty")
	}
	if cfg == nil {
		cfg = &config.DaemonConfig{}
	}

	return &Manager{
		name:            name,
		cfg:             cfg,
		components:      make([]Component, 0),
		shutdownOrder:   make([]string, 0),
		health:          StatusStarting,
		uptimeStart:     time.Now(),
		healthCheckDone: make(chan struct{}),
		panicChan:       make(chan interface{}),
	}, nil
}

func (d *Manager) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.shutdownOrder = append([]string{comp.Name()}, d.shutdownOrder...)
	slog.Info("Component registered", "service", d.name, "component", comp.Name(), "total_components", len(d.components))
}

// Start blocks until ctx is cancelled (by signal or caller), running
// the full Init -> Start -> health-monitor -> graceful-Stop lifecycle.
func (d *Manager) Start(ctx context.Context) error {
	slog.Info("Runinator service starting...", "service", d.name)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	concurrency.SafeGo(d.monitorPanic, nil)
	defer close(d.panicChan)

	if err := d.initializeComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		shutdownTimeout, timeoutErr := config.DurationOrDefault(d.cfg.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
		if timeoutErr != nil {
			return fmt.Errorf("parse daemon shutdown timeout: %w", timeoutErr)
		}
		d.gracefulShutdown(ctx, shutdownTimeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Runinator service is running", "service", d.name, "components", len(d.components))

	concurrency.SafeGo(func() { d.startHealthMonitor(ctx) }, nil)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "service", d.name, "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthCheckDone)
	shutdownTimeout, err := config.DurationOrDefault(d.cfg.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	if shutdownErr := d.gracefulShutdown(context.Background(), shutdownTimeout); shutdownErr != nil {
		return shutdownErr
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Manager) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Manager) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth)
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		if health == nil {
			health = &ComponentHealth{Name: comp.Name()}
		}
		result[comp.Name()] = health
		if err != nil {
			result[comp.Name()].Error = err
		}
	}
	return result
}

func (d *Manager) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Manager) initializeComponents(ctx context.Context) error {
	slog.Info("Initializing components...", "service", d.name)

	if err := d.validateDependencies(); err != nil {
		return fmt.Errorf("dependency validation failed: %w", err)
	}

	initOrder, err := d.resolveInitOrder()
	if err != nil {
		return fmt.Errorf("failed to resolve init order: %w", err)
	}

	for _, compName := range initOrder {
		comp := d.getComponentByName(compName)
		if comp == nil {
			continue
		}
		slog.Info("Initializing component...", "component", comp.Name())
		if err := comp.Init(ctx); err != nil {
			slog.Error("Component initialization failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s init failed: %w", comp.Name(), err)
		}
		slog.Info("Component initialized", "component", comp.Name())
	}

	slog.Info("All components initialized", "count", len(d.components))
	return nil
}

func (d *Manager) startComponents(ctx context.Context) error {
	slog.Info("Starting components...", "service", d.name)

	for _, comp := range d.components {
		slog.Info("Starting component...", "component", comp.Name())
		if err := comp.Start(ctx); err != nil {
			slog.Error("Component startup failed", "component", comp.Name(), "error", err)
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
		slog.Info("Component started", "component", comp.Name())
	}

	slog.Info("All components started", "count", len(d.components))
	return nil
}

func (d *Manager) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "service", d.name, "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	concurrency.SafeGo(func() {
		done <- d.shutdownComponents(shutdownCtx)
	}, func(r interface{}) {
		done <- fmt.Errorf("shutdown panic: %v", r)
	})

	select {
	case err := <-done:
		if err != nil {
			slog.Error("Shutdown completed with error", "service", d.name, "error", err)
		} else {
			slog.Info("Graceful shutdown completed", "service", d.name)
		}
		return err
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			slog.Info("Shutdown cancelled by parent context", "service", d.name, "reason", ctx.Err())
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "service", d.name, "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

func (d *Manager) shutdownComponents(ctx context.Context) error {
	for _, name := range d.shutdownOrder {
		comp := d.getComponentByName(name)
		if comp == nil {
			continue
		}

		slog.Info("Stopping component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
		} else {
			slog.Info("Component stopped", "component", name)
		}
	}

	d.setHealth(StatusStopped)
	return nil
}

func (d *Manager) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...", "service", d.name)

	for i := len(d.components) - 1; i >= 0; i-- {
		comp := d.components[i]
		slog.Info("Rolling back component...", "component", comp.Name())
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", comp.Name(), "error", err)
		}
	}

	d.setHealth(StatusStopped)
}

func (d *Manager) getComponentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Manager) Component(name string) Component {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Manager) monitorPanic() {
	for panicValue := range d.panicChan {
		slog.Error("Panic detected in daemon", "service", d.name, "panic", panicValue)
		d.setHealth(StatusStopped)
	}
}

func (d *Manager) startHealthMonitor(ctx context.Context) {
	healthCheckInterval, err := config.DurationOrDefault(d.cfg.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthCheckDone:
			return
		case <-ticker.C:
			d.checkComponentHealth(ctx)
		}
	}
}

func (d *Manager) checkComponentHealth(ctx context.Context) {
	healths := d.ComponentHealth()
	unhealthyCount := 0

	for name, health := range healths {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !health.Healthy {
			unhealthyCount++
			slog.Warn("Component unhealthy", "component", name, "error", health.Error)
		}
	}

	if unhealthyCount > 0 {
		slog.Warn("Service has unhealthy components", "service", d.name, "count", unhealthyCount, "total", len(healths))
	} else {
		slog.Debug("All components healthy", "service", d.name, "count", len(healths))
	}
}

func (d *Manager) validateDependencies() error {
	componentMap := make(map[string]Component)
	for _, comp := range d.components {
		componentMap[comp.Name()] = comp
	}

	for _, comp := range d.components {
		for _, depName := range comp.Dependencies() {
			if _, exists := componentMap[depName]; !exists {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), depName)
			}
		}
	}

	return nil
}

func (d *Manager) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	tempVisited := make(map[string]bool)
	order := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		if tempVisited[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}

		comp := d.getComponentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		tempVisited[name] = true
		for _, depName := range comp.Dependencies() {
			if err := visit(depName); err != nil {
				return err
			}
		}
		tempVisited[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}

	return order, nil
}
