package main

import (
	"log/slog"
	"time"

	"github.com/runinator/runinator/internal/config"
)

// ttlOrDefault parses the configured gossip directory TTL, falling
// back to spec.md §4.5's default and logging rather than failing
// startup on a malformed value.
func ttlOrDefault(cfg config.GossipConfig) time.Duration {
	ttl, err := config.DurationOrDefault(cfg.TTL, config.DefaultGossipTTL)
	if err != nil {
		slog.Warn("invalid gossip ttl, using default", "value", cfg.TTL, "error", err)
		fallback, _ := time.ParseDuration(config.DefaultGossipTTL)
		return fallback
	}
	return ttl
}
