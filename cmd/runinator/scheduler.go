package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/broker"
	"github.com/runinator/runinator/internal/broker/brokerhttp"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
	"github.com/runinator/runinator/internal/gossip"
	"github.com/runinator/runinator/internal/repository"
	"github.com/runinator/runinator/internal/scheduler"
	"github.com/runinator/runinator/internal/webservice/webserviceclient"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the cron tick loop",
	Long:  `Starts the scheduler: ticks every --poll-interval-seconds (scheduler.tick_interval when that is not positive), publishes due tasks as Firings, and advances their next_execution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		repo, err := newTaskRepositoryClient(cfg.Scheduler)
		if err != nil {
			return err
		}

		publisher, err := newBrokerQueue(cfg.Broker)
		if err != nil {
			return err
		}

		schedCfg := cfg.Scheduler
		if schedCfg.PollIntervalSeconds > 0 {
			schedCfg.TickInterval = fmt.Sprintf("%ds", schedCfg.PollIntervalSeconds)
		}
		sched, err := scheduler.NewScheduler(repo, publisher, schedCfg)
		if err != nil {
			return fmt.Errorf("failed to create scheduler: %w", err)
		}

		dir := gossip.NewDirectory(ttlOrDefault(cfg.Gossip))
		node, err := newGossipNode(dir, "scheduler", cfg.Server.Port, cfg.Gossip)
		if err != nil {
			return err
		}
		wireBrokerSelector(dir, publisher)
		wireWebServiceSelector(dir, repo)

		manager, err := daemon.NewManager("scheduler", &cfg.Daemon)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		if embedded, ok := publisher.(*broker.Broker); ok {
			manager.AddComponent(embedded)
		}
		manager.AddComponent(sched)
		manager.AddComponent(node)

		return runManager(manager)
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}

// newBrokerQueue selects an in-memory or HTTP-backed broker.Queue per
// --broker-backend, per spec.md §6's two transport bindings over one
// logical broker contract.
func newBrokerQueue(cfg config.BrokerConfig) (broker.Queue, error) {
	switch cfg.Backend {
	case "http":
		timeout, err := config.DurationOrDefault(cfg.APITimeout, config.DefaultBrokerAPITimeout)
		if err != nil {
			return nil, fmt.Errorf("parse broker api timeout: %w", err)
		}
		return brokerhttp.NewClient(cfg.Endpoint, timeout), nil
	case "in-memory", "":
		b, err := broker.NewBroker(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedded broker: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Backend)
	}
}

// wireBrokerSelector redirects an HTTP broker.Queue to the freshest
// gossiped broker announcement, per spec.md §4.5 ("when the selection
// changes, interested components are notified so they may redirect
// subsequent requests"). A no-op for the in-memory backend.
func wireBrokerSelector(dir *gossip.Directory, queue broker.Queue) {
	client, ok := queue.(*brokerhttp.Client)
	if !ok {
		return
	}
	selector := gossip.NewSelector(dir, "broker")
	selector.OnChange(func(info gossip.ServiceInfo) {
		client.SetBaseURL(info.URL())
	})
}

// newTaskRepositoryClient builds the scheduler/worker's production
// path to the task store: an HTTP client against the web service's
// --api-base-url, per spec.md §4.3 step 1/3 and §4.4 step 4 ("from the
// web service via its tasks endpoint ... directly from the repository
// in embedded tests"). Direct repository access is reserved for tests
// that construct a scheduler.Scheduler/worker.Pool in-process.
func newTaskRepositoryClient(cfg config.SchedulerConfig) (repository.TaskRepository, error) {
	timeout, err := apiTimeout(cfg)
	if err != nil {
		return nil, err
	}
	return webserviceclient.NewClient(cfg.APIBaseURL, timeout), nil
}

func apiTimeout(cfg config.SchedulerConfig) (time.Duration, error) {
	seconds := cfg.APITimeoutSeconds
	if seconds <= 0 {
		seconds = config.DefaultSchedulerAPITimeoutSeconds
	}
	return time.Duration(seconds) * time.Second, nil
}

// wireWebServiceSelector redirects the HTTP task-repository client to
// the freshest gossiped web_service announcement, the same mechanism
// wireBrokerSelector applies to the broker.
func wireWebServiceSelector(dir *gossip.Directory, repo repository.TaskRepository) {
	client, ok := repo.(*webserviceclient.Client)
	if !ok {
		return
	}
	selector := gossip.NewSelector(dir, "web_service")
	selector.OnChange(func(info gossip.ServiceInfo) {
		client.SetBaseURL(info.URL())
	})
}
