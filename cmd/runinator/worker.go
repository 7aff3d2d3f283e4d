package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/broker"
	"github.com/runinator/runinator/internal/daemon"
	"github.com/runinator/runinator/internal/gossip"
	"github.com/runinator/runinator/internal/handler"
	"github.com/runinator/runinator/internal/handler/console"
	"github.com/runinator/runinator/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the bounded execution pool",
	Long:  `Starts a worker pool: leases Firings from the broker, dispatches them to a registered handler under a timeout, and reports run outcomes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		repo, err := newTaskRepositoryClient(cfg.Scheduler)
		if err != nil {
			return err
		}

		queue, err := newBrokerQueue(cfg.Broker)
		if err != nil {
			return err
		}

		registry := handler.NewRegistry()
		console.Register(registry)

		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = uuid.NewString()
		}

		pool, err := worker.NewPool(queue, registry, repo, hostname, cfg.Worker)
		if err != nil {
			return fmt.Errorf("failed to create worker pool: %w", err)
		}

		dir := gossip.NewDirectory(ttlOrDefault(cfg.Gossip))
		node, err := newGossipNode(dir, "worker", 0, cfg.Gossip)
		if err != nil {
			return err
		}
		wireBrokerSelector(dir, queue)
		wireWebServiceSelector(dir, repo)

		manager, err := daemon.NewManager("worker", &cfg.Daemon)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		if embedded, ok := queue.(*broker.Broker); ok {
			manager.AddComponent(embedded)
		}
		manager.AddComponent(pool)
		manager.AddComponent(node)

		return runManager(manager)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
