package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/broker"
	"github.com/runinator/runinator/internal/broker/brokerhttp"
	"github.com/runinator/runinator/internal/daemon"
	"github.com/runinator/runinator/internal/gossip"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the claim-once firing broker",
	Long:  `Starts the broker: an in-memory publish/lease/ack/nack/sweep queue exposed over HTTP, per spec.md's claim-once contract.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		b, err := broker.NewBroker(cfg.Broker)
		if err != nil {
			return fmt.Errorf("failed to create broker: %w", err)
		}
		httpServer := brokerhttp.NewServer(b, cfg.Server)

		dir := gossip.NewDirectory(ttlOrDefault(cfg.Gossip))
		node, err := newGossipNode(dir, "broker", cfg.Server.Port, cfg.Gossip)
		if err != nil {
			return err
		}

		manager, err := daemon.NewManager("broker", &cfg.Daemon)
		if err != nil {
			return fmt.Errorf("failed to create daemon manager: %w", err)
		}
		manager.AddComponent(b)
		manager.AddComponent(httpServer)
		manager.AddComponent(node)

		return runManager(manager)
	},
}

func init() {
	rootCmd.AddCommand(brokerCmd)
}

// runManager blocks on manager.Start and translates a clean signal
// shutdown into a nil error, per spec.md §6's exit-code contract.
func runManager(manager *daemon.Manager) error {
	err := manager.Start(context.Background())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
