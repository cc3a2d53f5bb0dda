// Package bridge coordinates remote execution: it validates requests, fails
// fast on unknown nodes, opens sessions on demand, applies per-node
// concurrency limits and aggregates streamed output into final results.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/session"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// Config holds the coordinator's execution limits.
type Config struct {
	// MaxInflightPerNode caps concurrent requests on one node
	MaxInflightPerNode int
	// MaxQueuedPerNode caps the overflow queue behind that limit
	MaxQueuedPerNode int
	// RequestTimeout applies when a request does not carry its own
	RequestTimeout time.Duration
}

// Announcer prompts an immediate discovery announcement. Satisfied by the
// discovery listener.
type Announcer interface {
	Announce() error
}

// Coordinator is the upstream face of the bridge: discovery snapshots,
// explicit connects and code execution.
type Coordinator struct {
	cfg       Config
	reg       *registry.Registry
	sessions  *session.Manager
	announcer Announcer
	logger    *slog.Logger

	mu    sync.Mutex
	gates map[string]*nodeGate
}

// New creates a coordinator. announcer may be nil when discovery is not
// running (tests, fixed-address setups).
func New(cfg Config, reg *registry.Registry, sessions *session.Manager, announcer Announcer, logger *slog.Logger) *Coordinator {
	if cfg.MaxInflightPerNode < 1 {
		cfg.MaxInflightPerNode = config.DefaultMaxInflightPerNode
	}
	if cfg.MaxQueuedPerNode < 0 {
		cfg.MaxQueuedPerNode = config.DefaultMaxQueuedPerNode
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = config.DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:       cfg,
		reg:       reg,
		sessions:  sessions,
		announcer: announcer,
		logger:    logger.With("component", "bridge"),
		gates:     make(map[string]*nodeGate),
	}
}

// ExecuteRequest is one code dispatch to a node.
type ExecuteRequest struct {
	NodeID string
	Mode   wire.Mode
	Code   string
	// Unattended is forwarded to the node verbatim; suppressing
	// confirmation dialogs is node-side policy
	Unattended bool
	// Timeout overrides the configured request timeout when positive
	Timeout time.Duration
}

// ExecutionResult is the aggregated outcome of one request.
type ExecutionResult struct {
	NodeID   string                 `json:"node_id"`
	Status   wire.Status            `json:"status"`
	Value    string                 `json:"value,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Output   []wire.ExecOutputChunk `json:"output,omitempty"`
	Duration time.Duration          `json:"-"`
}

// CombinedOutput joins all captured output in arrival order, both streams
// interleaved as the node emitted them.
func (r *ExecutionResult) CombinedOutput() string {
	var b strings.Builder
	for _, chunk := range r.Output {
		b.WriteString(chunk.Data)
	}
	return b.String()
}

// Execute runs one request through the full pipeline: validate, resolve,
// ensure session, gate, send, await, aggregate.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if _, ok := c.reg.Get(req.NodeID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, req.NodeID)
	}

	s, err := c.sessions.Open(ctx, req.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w: %v", req.NodeID, ErrConnectFailed, err)
	}

	release, full, err := c.gate(req.NodeID).acquire(ctx)
	if full {
		return nil, fmt.Errorf("%w: node %s already has %d requests queued", ErrOverloaded, req.NodeID, c.cfg.MaxQueuedPerNode)
	}
	if err != nil {
		return nil, fmt.Errorf("queued on node %s: %w", req.NodeID, err)
	}
	defer release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	c.reg.BeginExec(req.NodeID)
	defer c.reg.EndExec(req.NodeID)

	start := time.Now()
	p, err := s.Send(req.Mode, req.Code, req.Unattended, timeout)
	if err != nil {
		return nil, c.mapSessionError(req.NodeID, err)
	}

	res, err := p.Wait(ctx)
	duration := time.Since(start)
	if err != nil {
		return nil, c.mapSessionError(req.NodeID, err)
	}

	c.logger.Info("request executed",
		"node_id", req.NodeID,
		"correlation_id", p.CorrelationID(),
		"mode", string(req.Mode),
		"status", string(res.Status),
		"chunks", len(res.Output),
		"duration_ms", duration.Milliseconds(),
	)

	return &ExecutionResult{
		NodeID:   req.NodeID,
		Status:   res.Status,
		Value:    res.Value,
		Error:    res.Error,
		Output:   res.Output,
		Duration: duration,
	}, nil
}

// Connect opens a session to a node without executing anything.
func (c *Coordinator) Connect(ctx context.Context, nodeID string) error {
	if _, ok := c.reg.Get(nodeID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	if _, err := c.sessions.Open(ctx, nodeID); err != nil {
		return fmt.Errorf("node %s: %w: %v", nodeID, ErrConnectFailed, err)
	}
	return nil
}

// Discover prompts an immediate announcement and returns the registry
// snapshot.
func (c *Coordinator) Discover() []registry.NodeInfo {
	if c.announcer != nil {
		if err := c.announcer.Announce(); err != nil {
			c.logger.Debug("announce failed", "error", err)
		}
	}
	return c.reg.List()
}

// Nodes returns the registry snapshot.
func (c *Coordinator) Nodes() []registry.NodeInfo {
	return c.reg.List()
}

// Node returns one node's snapshot.
func (c *Coordinator) Node(nodeID string) (registry.NodeInfo, bool) {
	return c.reg.Get(nodeID)
}

// Events returns the registry's change feed.
func (c *Coordinator) Events() <-chan registry.Event {
	return c.reg.Events()
}

// Close tears down every open session.
func (c *Coordinator) Close() {
	c.sessions.CloseAll()
}

func (c *Coordinator) gate(nodeID string) *nodeGate {
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.gates[nodeID]
	if !ok {
		g = newNodeGate(c.cfg.MaxInflightPerNode, c.cfg.MaxQueuedPerNode)
		c.gates[nodeID] = g
	}
	return g
}

// mapSessionError lifts session-layer failures into the execution taxonomy.
func (c *Coordinator) mapSessionError(nodeID string, err error) error {
	switch {
	case errors.Is(err, session.ErrExecTimeout):
		return fmt.Errorf("node %s: %w: %v", nodeID, ErrTimeout, err)
	case errors.Is(err, session.ErrDisconnected), errors.Is(err, session.ErrClosed):
		return fmt.Errorf("node %s: %w: %v", nodeID, ErrDisconnected, err)
	default:
		return fmt.Errorf("node %s: %w", nodeID, err)
	}
}
