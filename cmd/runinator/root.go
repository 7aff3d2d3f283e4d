package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "runinator",
	Short: "Runinator distributed cron task runner",
	Long:  `Runinator fires registered cron tasks through a claim-once broker queue, dispatches them to a worker pool, and discovers its cooperating services over UDP gossip.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

// Execute runs the root command, translating component lifecycle
// failures into the exit codes spec.md §6 names: 0 clean shutdown, 1
// startup error, 2 unrecoverable runtime error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isStartupError(err) {
			os.Exit(1)
		}
		os.Exit(2)
	}
}

func isStartupError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "initialization failed") ||
		strings.Contains(msg, "startup failed") ||
		strings.Contains(msg, "failed to load config") ||
		strings.Contains(msg, "failed to open repository")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runinator/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")

	rootCmd.PersistentFlags().String("gossip-bind", config.DefaultGossipBind, "gossip UDP bind address")
	rootCmd.PersistentFlags().Int("gossip-port", config.DefaultGossipPort, "gossip UDP port")
	rootCmd.PersistentFlags().StringSlice("gossip-targets", nil, "comma-separated list of gossip peer addresses")
	rootCmd.PersistentFlags().String("announce-address", "", "address to announce in place of the bind address")
	rootCmd.PersistentFlags().String("api-base-url", config.DefaultSchedulerAPIBaseURL, "web service base URL")
	rootCmd.PersistentFlags().String("broker-endpoint", config.DefaultBrokerEndpoint, "broker HTTP endpoint")
	rootCmd.PersistentFlags().String("broker-backend", config.DefaultBrokerBackend, "broker transport: http or in-memory")
	rootCmd.PersistentFlags().Int("poll-interval-seconds", config.DefaultSchedulerPollIntervalSeconds, "scheduler tick interval in seconds")
	rootCmd.PersistentFlags().Int("api-timeout-seconds", config.DefaultSchedulerAPITimeoutSeconds, "control-plane call timeout in seconds")
}
