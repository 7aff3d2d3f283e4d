// Package gossip implements the UDP announce/absorb discovery layer
// described in spec.md §4.5. Every process in the system periodically
// unicasts a JSON announcement of its own endpoint to a configured
// peer list and absorbs whatever it receives into a local Directory;
// consumers pick the freshest announcement for a service type via a
// Selector.
package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runinator/runinator/internal/concurrency"
	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/daemon"
)

// ServiceInfo is one announced endpoint, per spec.md §3's
// WebServiceAnnouncement generalized to any process type.
type ServiceInfo struct {
	ServiceID     string    `json:"service_id"`
	Address       string    `json:"address"`
	Port          int       `json:"port"`
	BasePath      string    `json:"base_path"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// datagram is the wire envelope: {"type":"...","service":{...}}.
type datagram struct {
	Type    string      `json:"type"`
	Service ServiceInfo `json:"service"`
}

// URL constructs http://address:port/base_path/, per spec.md §4.5.
func (s ServiceInfo) URL() string {
	path := strings.Trim(s.BasePath, "/")
	if path == "" {
		return fmt.Sprintf("http://%s:%d/", s.Address, s.Port)
	}
	return fmt.Sprintf("http://%s:%d/%s/", s.Address, s.Port, path)
}

type trackedEntry struct {
	info      ServiceInfo
	updatedAt time.Time
}

// Directory holds every live announcement this process has absorbed,
// keyed by (type, service_id), and expires entries older than ttl on
// read. Guarded by one RWMutex, mirroring the teacher's
// SimpleSessionLockManager map-plus-mutex shape.
type Directory struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]map[string]*trackedEntry

	subMu       sync.Mutex
	subscribers map[string][]func(ServiceInfo)
	current     map[string]string // kind -> service_id of the last-notified selection
}

func NewDirectory(ttl time.Duration) *Directory {
	return &Directory{
		ttl:         ttl,
		entries:     make(map[string]map[string]*trackedEntry),
		subscribers: make(map[string][]func(ServiceInfo)),
		current:     make(map[string]string),
	}
}

// Upsert records info under kind, keyed by ServiceID, overwriting
// LastHeartbeat. Notifies kind's subscribers if the freshest
// announcement's identity changed.
func (d *Directory) Upsert(kind string, info ServiceInfo) {
	d.mu.Lock()
	byID, ok := d.entries[kind]
	if !ok {
		byID = make(map[string]*trackedEntry)
		d.entries[kind] = byID
	}
	byID[info.ServiceID] = &trackedEntry{info: info, updatedAt: time.Now()}
	d.mu.Unlock()

	d.maybeNotify(kind)
}

// Live returns the non-expired announcements for kind.
func (d *Directory) Live(kind string) []ServiceInfo {
	now := time.Now()

	d.mu.Lock()
	byID, ok := d.entries[kind]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	var out []ServiceInfo
	for id, e := range byID {
		if now.Sub(e.updatedAt) > d.ttl {
			delete(byID, id)
			continue
		}
		out = append(out, e.info)
	}
	d.mu.Unlock()
	return out
}

// Freshest returns the live announcement for kind with the most
// recent LastHeartbeat, per spec.md §4.5.
func (d *Directory) Freshest(kind string) (ServiceInfo, bool) {
	live := d.Live(kind)
	if len(live) == 0 {
		return ServiceInfo{}, false
	}
	best := live[0]
	for _, info := range live[1:] {
		if info.LastHeartbeat.After(best.LastHeartbeat) {
			best = info
		}
	}
	return best, true
}

// Subscribe registers cb to be called whenever kind's freshest
// selection changes identity (a different service_id becomes best).
func (d *Directory) Subscribe(kind string, cb func(ServiceInfo)) {
	d.subMu.Lock()
	d.subscribers[kind] = append(d.subscribers[kind], cb)
	d.subMu.Unlock()
}

func (d *Directory) maybeNotify(kind string) {
	best, ok := d.Freshest(kind)

	d.subMu.Lock()
	defer d.subMu.Unlock()

	if !ok {
		return
	}
	if d.current[kind] == best.ServiceID {
		return
	}
	d.current[kind] = best.ServiceID

	for _, cb := range d.subscribers[kind] {
		cb(best)
	}
}

// Selector is a thin, single-kind view over a Directory, for
// components that only ever care about "the current X".
type Selector struct {
	dir  *Directory
	kind string
}

func NewSelector(dir *Directory, kind string) *Selector {
	return &Selector{dir: dir, kind: kind}
}

func (s *Selector) Current() (ServiceInfo, bool) { return s.dir.Freshest(s.kind) }

func (s *Selector) OnChange(cb func(ServiceInfo)) { s.dir.Subscribe(s.kind, cb) }

// Node owns one UDP socket: it announces this process's own
// ServiceInfo to a fan-out of targets every AnnounceInterval, and
// absorbs datagrams from anyone else into a Directory.
type Node struct {
	mu      sync.RWMutex
	started bool

	kind self
	dir  *Directory
	conn net.PacketConn

	bind             string
	port             int
	targets          []string
	announceInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// self is the announcement this node broadcasts about itself.
type self struct {
	Type    string
	Service ServiceInfo
}

func NewNode(dir *Directory, selfKind string, selfInfo ServiceInfo, cfg config.GossipConfig) (*Node, error) {
	if selfInfo.ServiceID == "" {
		selfInfo.ServiceID = uuid.NewString()
	}

	announceInterval, err := config.DurationOrDefault(cfg.AnnounceInterval, config.DefaultGossipAnnounceInterval)
	if err != nil {
		return nil, fmt.Errorf("parse gossip announce interval: %w", err)
	}

	bind := cfg.Bind
	if bind == "" {
		bind = config.DefaultGossipBind
	}
	// Port 0 binds an ephemeral port; config.Load fills in the default.
	port := cfg.Port

	return &Node{
		kind:             self{Type: selfKind, Service: selfInfo},
		dir:              dir,
		bind:             bind,
		port:             port,
		targets:          cfg.Targets,
		announceInterval: announceInterval,
	}, nil
}

func (n *Node) Name() string           { return "gossip" }
func (n *Node) Dependencies() []string { return nil }

func (n *Node) Init(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", n.bind, n.port)
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		// Per spec.md §4.5, a gossip bind failure is fatal only to
		// this subsystem; the caller decides whether to run without
		// discovery.
		return fmt.Errorf("gossip: bind %s: %w", addr, err)
	}
	n.conn = conn
	slog.Info("Gossip node bound", "addr", addr, "kind", n.kind.Type)
	return nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = true
	nodeCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	n.wg.Add(2)
	concurrency.SafeGo(func() {
		defer n.wg.Done()
		n.announceLoop(nodeCtx)
	}, nil)
	concurrency.SafeGo(func() {
		defer n.wg.Done()
		n.receiveLoop(nodeCtx)
	}, nil)

	slog.Info("Gossip node started", "targets", n.targets)
	return nil
}

func (n *Node) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.announceInterval)
	defer ticker.Stop()

	n.announceOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.announceOnce()
		}
	}
}

func (n *Node) announceOnce() {
	n.mu.RLock()
	svc := n.kind.Service
	n.mu.RUnlock()
	svc.LastHeartbeat = time.Now()

	body, err := json.Marshal(datagram{Type: n.kind.Type, Service: svc})
	if err != nil {
		slog.Error("Gossip marshal failed", "error", err)
		return
	}

	for _, target := range n.targets {
		addr, err := net.ResolveUDPAddr("udp", target)
		if err != nil {
			slog.Warn("Gossip target unresolvable", "target", target, "error", err)
			continue
		}
		if _, err := n.conn.WriteTo(body, addr); err != nil {
			slog.Warn("Gossip announce send failed", "target", target, "error", err)
		}
	}
}

func (n *Node) receiveLoop(ctx context.Context) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		size, sender, err := n.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // read timeout or transient error; try again
		}

		n.absorb(buf[:size], sender)
	}
}

// absorb parses one received datagram and upserts it into the
// Directory, per spec.md §4.5's address-substitution and
// service_id-synthesis rules. Unparseable datagrams are silently
// dropped.
func (n *Node) absorb(data []byte, sender net.Addr) {
	var dg datagram
	if err := json.Unmarshal(data, &dg); err != nil {
		return
	}
	if dg.Type == "" {
		return
	}

	if dg.Service.Address == "" {
		if udpAddr, ok := sender.(*net.UDPAddr); ok {
			dg.Service.Address = udpAddr.IP.String()
		}
	}
	if dg.Service.ServiceID == "" {
		dg.Service.ServiceID = fmt.Sprintf("%s:%d", dg.Service.Address, dg.Service.Port)
	}
	if dg.Service.LastHeartbeat.IsZero() {
		dg.Service.LastHeartbeat = time.Now()
	}

	n.dir.Upsert(dg.Type, dg.Service)
}

func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		n.conn.Close()
	}
	n.wg.Wait()

	slog.Info("Gossip node stopped")
	return nil
}

func (n *Node) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.started {
		return &daemon.ComponentHealth{Name: n.Name(), Healthy: false, Error: fmt.Errorf("gossip node not running")}, nil
	}
	return &daemon.ComponentHealth{Name: n.Name(), Healthy: true}, nil
}
