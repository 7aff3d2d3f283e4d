// Package config loads runinator's layered configuration: hardcoded
// defaults, an optional YAML file, environment variables prefixed
// RUNINATOR_, and CLI flags — in that precedence order, following the
// teacher's koanf-based Load().
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/runinator/runinator/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Gossip     GossipConfig     `koanf:"gossip"`
	Broker     BrokerConfig     `koanf:"broker"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Worker     WorkerConfig     `koanf:"worker"`
	Repository RepositoryConfig `koanf:"repository"`
	Daemon     DaemonConfig     `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	BasePath        string `koanf:"base_path"`
}

// GossipConfig configures the UDP discovery layer, per spec.md §4.5/§6.
type GossipConfig struct {
	Bind             string   `koanf:"bind"`
	Port             int      `koanf:"port"`
	Targets          []string `koanf:"targets"`
	AnnounceAddress  string   `koanf:"announce_address"`
	AnnounceInterval string   `koanf:"announce_interval"`
	TTL              string   `koanf:"ttl"`
}

type BrokerConfig struct {
	Backend         string `koanf:"backend"` // "http" or "in-memory"
	Endpoint        string `koanf:"endpoint"`
	SweepInterval   string `koanf:"sweep_interval"`
	MinLease        string `koanf:"min_lease"`
	LeaseGrace      string `koanf:"lease_grace"`
	MaxAttempts     int    `koanf:"max_attempts"`
	APITimeout      string `koanf:"api_timeout"`
}

type SchedulerConfig struct {
	TickInterval         string `koanf:"tick_interval"`
	ShutdownTimeout      string `koanf:"shutdown_timeout"`
	InFlightPollInterval string `koanf:"in_flight_poll_interval"`
	PollIntervalSeconds  int    `koanf:"poll_interval_seconds"`
	APITimeoutSeconds    int    `koanf:"api_timeout_seconds"`
	APIBaseURL           string `koanf:"api_base_url"`
}

type WorkerConfig struct {
	PoolSize        int    `koanf:"pool_size"`
	PollTimeout      string `koanf:"poll_timeout"`
	PollBackoff      string `koanf:"poll_backoff"`
	ShutdownTimeout  string `koanf:"shutdown_timeout"`
	ReportMaxRetries int    `koanf:"report_max_retries"`
}

type RepositoryConfig struct {
	Driver string `koanf:"driver"` // "sqlite" or "memory"
	DSN    string `koanf:"dsn"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	PreflightTimeout    string `koanf:"preflight_timeout"`
}

const (
	DefaultServerPort            = 8080
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "10s"
	DefaultServerWriteTimeout    = "10s"
	DefaultServerIdleTimeout     = "60s"
	DefaultServerShutdownTimeout = "5s"
	DefaultServerBasePath        = ""

	DefaultGossipBind             = "127.0.0.1"
	DefaultGossipPort             = 5504
	DefaultGossipAnnounceInterval = "2s"
	DefaultGossipTTL              = "10s"

	DefaultBrokerBackend       = "in-memory"
	DefaultBrokerEndpoint      = "http://127.0.0.1:5501"
	DefaultBrokerSweepInterval = "1s"
	DefaultBrokerMinLease      = "1s"
	DefaultBrokerLeaseGrace    = "2s"
	DefaultBrokerMaxAttempts   = 5
	DefaultBrokerAPITimeout    = "30s"

	DefaultSchedulerTickInterval         = "1s"
	DefaultSchedulerShutdownTimeout      = "30s"
	DefaultSchedulerInFlightPollInterval = "100ms"
	DefaultSchedulerPollIntervalSeconds  = 1
	DefaultSchedulerAPITimeoutSeconds    = 30
	DefaultSchedulerAPIBaseURL           = "http://127.0.0.1:5502"

	DefaultWorkerPollTimeout      = "5s"
	DefaultWorkerPollBackoff      = "250ms"
	DefaultWorkerShutdownTimeout  = "30s"
	DefaultWorkerReportMaxRetries = 3

	DefaultRepositoryDriver = "memory"
	DefaultRepositoryDSN    = "runinator.db"

	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
	DefaultDaemonPreflightTimeout    = "10s"

	// MinLeaseMs / LeaseGraceMs / MaxAttempts per spec.md §4.2.
	MinLeaseMillis   = 1000
	LeaseGraceMillis = 2000
	MaxAttempts      = 5
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":             DefaultServerPort,
		"server.log_level":        DefaultServerLogLevel,
		"server.read_timeout":     DefaultServerReadTimeout,
		"server.write_timeout":    DefaultServerWriteTimeout,
		"server.idle_timeout":     DefaultServerIdleTimeout,
		"server.shutdown_timeout": DefaultServerShutdownTimeout,
		"server.base_path":        DefaultServerBasePath,

		"gossip.bind":              DefaultGossipBind,
		"gossip.port":              DefaultGossipPort,
		"gossip.targets":           []string{},
		"gossip.announce_address":  "",
		"gossip.announce_interval": DefaultGossipAnnounceInterval,
		"gossip.ttl":               DefaultGossipTTL,

		"broker.backend":        DefaultBrokerBackend,
		"broker.endpoint":       DefaultBrokerEndpoint,
		"broker.sweep_interval": DefaultBrokerSweepInterval,
		"broker.min_lease":      DefaultBrokerMinLease,
		"broker.lease_grace":    DefaultBrokerLeaseGrace,
		"broker.max_attempts":   DefaultBrokerMaxAttempts,
		"broker.api_timeout":    DefaultBrokerAPITimeout,

		"scheduler.tick_interval":            DefaultSchedulerTickInterval,
		"scheduler.shutdown_timeout":         DefaultSchedulerShutdownTimeout,
		"scheduler.in_flight_poll_interval":  DefaultSchedulerInFlightPollInterval,
		"scheduler.poll_interval_seconds":    DefaultSchedulerPollIntervalSeconds,
		"scheduler.api_timeout_seconds":      DefaultSchedulerAPITimeoutSeconds,
		"scheduler.api_base_url":             DefaultSchedulerAPIBaseURL,

		"worker.pool_size":           0, // 0 means runtime.NumCPU()
		"worker.poll_timeout":        DefaultWorkerPollTimeout,
		"worker.poll_backoff":        DefaultWorkerPollBackoff,
		"worker.shutdown_timeout":    DefaultWorkerShutdownTimeout,
		"worker.report_max_retries":  DefaultWorkerReportMaxRetries,

		"repository.driver": DefaultRepositoryDriver,
		"repository.dsn":    DefaultRepositoryDSN,

		"daemon.shutdown_timeout":      DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval": DefaultDaemonHealthCheckInterval,
		"daemon.preflight_timeout":     DefaultDaemonPreflightTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".runinator", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	if err := k.Load(env.Provider("RUNINATOR_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "RUNINATOR_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	if cmd != nil {
		if err := k.Load(posflag.Provider(cmd.Flags(), ".", k), nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	applyDashFlagOverrides(cmd, &cfg)

	if cfg.Repository.Driver == "sqlite" {
		dsn, err := pathutil.Expand(cfg.Repository.DSN)
		if err != nil {
			return nil, err
		}
		if dsn != "" {
			cfg.Repository.DSN = dsn
		}
	}

	return &cfg, nil
}

// applyDashFlagOverrides maps the shared dash-named CLI flags from
// spec.md §6 (--broker-endpoint, --gossip-bind, etc.) onto their
// nested config fields. These don't round-trip through koanf's
// posflag provider automatically because their flag names don't
// match the dotted struct-tag keys it expects.
func applyDashFlagOverrides(cmd *cobra.Command, cfg *Config) {
	if cmd == nil {
		return
	}
	flags := cmd.Flags()

	if flags.Changed("gossip-bind") {
		cfg.Gossip.Bind, _ = flags.GetString("gossip-bind")
	}
	if flags.Changed("gossip-port") {
		cfg.Gossip.Port, _ = flags.GetInt("gossip-port")
	}
	if flags.Changed("gossip-targets") {
		cfg.Gossip.Targets, _ = flags.GetStringSlice("gossip-targets")
	}
	if flags.Changed("announce-address") {
		cfg.Gossip.AnnounceAddress, _ = flags.GetString("announce-address")
	}
	if flags.Changed("api-base-url") {
		cfg.Scheduler.APIBaseURL, _ = flags.GetString("api-base-url")
	}
	if flags.Changed("broker-endpoint") {
		cfg.Broker.Endpoint, _ = flags.GetString("broker-endpoint")
	}
	if flags.Changed("broker-backend") {
		cfg.Broker.Backend, _ = flags.GetString("broker-backend")
	}
	if flags.Changed("poll-interval-seconds") {
		cfg.Scheduler.PollIntervalSeconds, _ = flags.GetInt("poll-interval-seconds")
	}
	if flags.Changed("api-timeout-seconds") {
		cfg.Scheduler.APITimeoutSeconds, _ = flags.GetInt("api-timeout-seconds")
	}
}
