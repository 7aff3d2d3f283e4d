package main

import (
	"fmt"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/gossip"
)

// newGossipNode builds the node every subcommand registers with its
// daemon.Manager so its process announces its own kind (broker,
// scheduler, worker, web_service) and learns the others', per
// spec.md §4.5. servicePort is the announced service's own listening
// port (its HTTP port), distinct from cfg.Port, the gossip UDP port.
func newGossipNode(dir *gossip.Directory, kind string, servicePort int, cfg config.GossipConfig) (*gossip.Node, error) {
	info := gossip.ServiceInfo{Address: cfg.AnnounceAddress, Port: servicePort}
	node, err := gossip.NewNode(dir, kind, info, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip node: %w", err)
	}
	return node, nil
}
