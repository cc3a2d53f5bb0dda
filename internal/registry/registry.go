// Package registry tracks engine nodes seen on the network and their
// liveness. Beacons and session traffic advance a node's LastSeen; a sweeper
// demotes silent nodes to Unreachable and eventually drops them.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// State is a node's position in the liveness lifecycle.
type State int

const (
	// StateDiscovered means beacons are arriving but no session is open
	StateDiscovered State = iota
	// StateConnected means a session is open and idle
	StateConnected
	// StateBusy means a session is open with requests in flight
	StateBusy
	// StateUnreachable means the node went silent past the stale timeout
	StateUnreachable
	// StateGone means the node outlived its grace period and was removed
	StateGone
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateBusy:
		return "busy"
	case StateUnreachable:
		return "unreachable"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state name into JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, accepting what MarshalText produces.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "discovered":
		*s = StateDiscovered
	case "connected":
		*s = StateConnected
	case "busy":
		*s = StateBusy
	case "unreachable":
		*s = StateUnreachable
	case "gone":
		*s = StateGone
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// node is the registry's mutable record. All access goes through Registry.mu.
type node struct {
	ID            string
	Address       string
	Capabilities  []string
	EngineVersion string
	Project       string
	State         State
	FirstSeen     time.Time
	LastSeen      time.Time
	inflight      int
}

// NodeInfo is an immutable snapshot handed to callers.
type NodeInfo struct {
	ID            string    `json:"node_id"`
	Address       string    `json:"address"`
	State         State     `json:"state"`
	Capabilities  []string  `json:"capabilities,omitempty"`
	EngineVersion string    `json:"engine_version,omitempty"`
	Project       string    `json:"project,omitempty"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// Config holds the liveness timing for the registry.
type Config struct {
	// StaleTimeout is how long without traffic before Unreachable
	StaleTimeout time.Duration
	// GracePeriod is how long an Unreachable node survives before removal
	GracePeriod time.Duration
}

// DefaultConfig returns the standard liveness timing.
func DefaultConfig() Config {
	return Config{
		StaleTimeout: config.DefaultStaleMultiplier * config.DefaultBeaconInterval,
		GracePeriod:  config.DefaultGracePeriod,
	}
}

// Registry manages known engine nodes and their states.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*node
	cfg     Config
	logger  *slog.Logger
	events  chan Event
	onEvict func(NodeInfo)
}

// New creates an empty registry with the given liveness timing.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultConfig().StaleTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig().GracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*node),
		cfg:    cfg,
		logger: logger.With("component", "registry"),
		events: make(chan Event, eventBuffer),
	}
}

// OnEvict registers a callback invoked (outside the registry lock) when a
// node is removed, so open sessions can be torn down. Set before use.
func (r *Registry) OnEvict(fn func(NodeInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = fn
}

// ObserveBeacon upserts a node from a beacon whose Address has already been
// resolved by the discovery listener.
func (r *Registry) ObserveBeacon(b wire.Beacon) {
	if b.NodeID == "" {
		return
	}

	now := time.Now()

	r.mu.Lock()
	n, exists := r.nodes[b.NodeID]
	if !exists {
		n = &node{
			ID:        b.NodeID,
			State:     StateDiscovered,
			FirstSeen: now,
		}
		r.nodes[b.NodeID] = n
	}

	n.Address = b.Address
	n.Capabilities = b.Capabilities
	n.EngineVersion = b.EngineVersion
	n.Project = b.Project
	if now.After(n.LastSeen) {
		n.LastSeen = now
	}

	revived := n.State == StateUnreachable
	if revived {
		n.State = StateDiscovered
	}
	info := n.snapshot()
	r.mu.Unlock()

	switch {
	case !exists:
		r.logger.Info("node discovered", "node_id", info.ID, "address", info.Address, "project", info.Project)
		r.publish(Event{Kind: EventDiscovered, Node: info})
	case revived:
		r.logger.Info("node revived", "node_id", info.ID)
		r.publish(Event{Kind: EventStateChanged, Node: info})
	}
}

// Touch refreshes a node's LastSeen; session traffic counts as liveness.
func (r *Registry) Touch(nodeID string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if n, exists := r.nodes[nodeID]; exists && now.After(n.LastSeen) {
		n.LastSeen = now
	}
}

// Get returns a snapshot of a node by ID.
func (r *Registry) Get(nodeID string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nodes[nodeID]
	if !exists {
		return NodeInfo{}, false
	}
	return n.snapshot(), true
}

// List returns snapshots of all known nodes, ordered by ID.
func (r *Registry) List() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]NodeInfo, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n.snapshot())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Count returns the number of known nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// MarkConnected records a successful session open.
func (r *Registry) MarkConnected(nodeID string) error {
	now := time.Now()

	r.mu.Lock()
	n, exists := r.nodes[nodeID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("node not found: %s", nodeID)
	}
	if now.After(n.LastSeen) {
		n.LastSeen = now
	}
	changed := n.State != StateConnected
	n.State = StateConnected
	info := n.snapshot()
	r.mu.Unlock()

	if changed {
		r.publish(Event{Kind: EventStateChanged, Node: info})
	}
	return nil
}

// MarkDisconnected records a session teardown. With unreachable set the node
// goes straight to Unreachable (transport failure); otherwise it returns to
// Discovered (orderly close).
func (r *Registry) MarkDisconnected(nodeID string, unreachable bool) {
	r.mu.Lock()
	n, exists := r.nodes[nodeID]
	if !exists {
		r.mu.Unlock()
		return
	}
	n.inflight = 0
	if unreachable {
		n.State = StateUnreachable
	} else {
		n.State = StateDiscovered
	}
	info := n.snapshot()
	r.mu.Unlock()

	r.publish(Event{Kind: EventStateChanged, Node: info})
}

// BeginExec counts a request in flight; the first one flips Connected to Busy.
func (r *Registry) BeginExec(nodeID string) {
	r.mu.Lock()
	n, exists := r.nodes[nodeID]
	if !exists {
		r.mu.Unlock()
		return
	}
	n.inflight++
	changed := n.State == StateConnected
	if changed {
		n.State = StateBusy
	}
	info := n.snapshot()
	r.mu.Unlock()

	if changed {
		r.publish(Event{Kind: EventStateChanged, Node: info})
	}
}

// EndExec retires a request; the last one flips Busy back to Connected.
func (r *Registry) EndExec(nodeID string) {
	r.mu.Lock()
	n, exists := r.nodes[nodeID]
	if !exists {
		r.mu.Unlock()
		return
	}
	if n.inflight > 0 {
		n.inflight--
	}
	changed := n.inflight == 0 && n.State == StateBusy
	if changed {
		n.State = StateConnected
	}
	info := n.snapshot()
	r.mu.Unlock()

	if changed {
		r.publish(Event{Kind: EventStateChanged, Node: info})
	}
}

// Sweep demotes nodes silent past the stale timeout to Unreachable and
// removes nodes silent past the grace period beyond that. Returns the number
// demoted and the number removed.
func (r *Registry) Sweep() (stale, removed int) {
	now := time.Now()

	r.mu.Lock()
	var demoted []NodeInfo
	var evicted []NodeInfo

	for id, n := range r.nodes {
		silent := now.Sub(n.LastSeen)
		switch {
		case silent > r.cfg.StaleTimeout+r.cfg.GracePeriod:
			n.State = StateGone
			evicted = append(evicted, n.snapshot())
			delete(r.nodes, id)
			removed++
		case silent > r.cfg.StaleTimeout && n.State != StateUnreachable:
			n.State = StateUnreachable
			n.inflight = 0
			demoted = append(demoted, n.snapshot())
			stale++
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	for _, info := range demoted {
		r.logger.Warn("node unreachable", "node_id", info.ID, "last_seen", info.LastSeen)
		r.publish(Event{Kind: EventStateChanged, Node: info})
	}
	for _, info := range evicted {
		r.logger.Warn("node removed", "node_id", info.ID, "last_seen", info.LastSeen)
		r.publish(Event{Kind: EventRemoved, Node: info})
		if onEvict != nil {
			onEvict(info)
		}
	}
	return stale, removed
}

func (n *node) snapshot() NodeInfo {
	caps := make([]string, len(n.Capabilities))
	copy(caps, n.Capabilities)
	if len(caps) == 0 {
		caps = nil
	}
	return NodeInfo{
		ID:            n.ID,
		Address:       n.Address,
		State:         n.State,
		Capabilities:  caps,
		EngineVersion: n.EngineVersion,
		Project:       n.Project,
		FirstSeen:     n.FirstSeen,
		LastSeen:      n.LastSeen,
	}
}
