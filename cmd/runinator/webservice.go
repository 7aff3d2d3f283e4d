package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/broker"
	"github.com/runinator/runinator/internal/daemon"
	"github.com/runinator/runinator/internal/gossip"
	"github.com/runinator/runinator/internal/webservice"
)

var webserviceCmd = &cobra.Command{
	Use:   "webservice",
	Short: "Run the task management HTTP API",
	Long:  `Starts the web service: list/create/patch ScheduledTasks, trigger out-of-schedule runs, and record TaskRuns, per spec.md §6.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		store, closeStore, err := openRepository(cfg.Repository)
		if err != nil {
			return err
		}
		defer closeStore()

		publisher, err := newBrokerQueue(cfg.Broker)
		if err != nil {
			return err
		}

		httpServer := webservice.NewServer(store, publisher, cfg.Server)

		dir := gossip.NewDirectory(ttlOrDefault(cfg.Gossip))
		node, err := newGossipNode(dir, "web_service", cfg.Server.Port, cfg.Gossip)
		if err != nil {
			return err
		}
		wireBrokerSelector(dir, publisher)

		manager, err := daemon.NewManager("webservice", &cfg.Daemon)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		if embedded, ok := publisher.(*broker.Broker); ok {
			manager.AddComponent(embedded)
		}
		manager.AddComponent(httpServer)
		manager.AddComponent(node)

		return runManager(manager)
	},
}

func init() {
	rootCmd.AddCommand(webserviceCmd)
}
