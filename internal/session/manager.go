package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// Config holds the session manager settings.
type Config struct {
	// ClientID identifies the bridge in ConnectRequests
	ClientID string
	// HandshakeTimeout bounds dial plus ConnectAck
	HandshakeTimeout time.Duration
	// MaxFrameBytes caps inbound frame payloads
	MaxFrameBytes int
}

// Manager opens and tracks at most one live session per node. Concurrent
// opens for the same node collapse into a single dial.
type Manager struct {
	cfg    Config
	limits wire.Limits
	dialer Dialer
	reg    *registry.Registry
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]chan struct{}
}

// NewManager creates a session manager backed by the given registry.
// A nil dialer uses real TCP.
func NewManager(cfg Config, dialer Dialer, reg *registry.Registry, logger *slog.Logger) *Manager {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = config.DefaultMaxFrameBytes
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		limits:   wire.Limits{MaxPayloadBytes: cfg.MaxFrameBytes},
		dialer:   dialer,
		reg:      reg,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
		opening:  make(map[string]chan struct{}),
	}
}

// ClientID returns the ID this manager introduces itself with.
func (m *Manager) ClientID() string {
	return m.cfg.ClientID
}

// Open returns the live session for a node, dialing one if needed. The
// handshake must complete within the configured timeout.
func (m *Manager) Open(ctx context.Context, nodeID string) (*Session, error) {
	for {
		m.mu.Lock()
		if s, ok := m.sessions[nodeID]; ok {
			m.mu.Unlock()
			return s, nil
		}
		wait, inflight := m.opening[nodeID]
		if !inflight {
			wait = make(chan struct{})
			m.opening[nodeID] = wait
			m.mu.Unlock()
			return m.open(ctx, nodeID, wait)
		}
		m.mu.Unlock()

		select {
		case <-wait:
			// Another caller finished dialing; loop to pick up the outcome.
		case <-ctx.Done():
			return nil, fmt.Errorf("open session to %s: %w", nodeID, ctx.Err())
		}
	}
}

// Get returns the live session for a node without opening one.
func (m *Manager) Get(nodeID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[nodeID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleEviction tears down the session of a node the registry dropped.
// Wired as the registry's evict callback.
func (m *Manager) HandleEviction(info registry.NodeInfo) {
	m.mu.Lock()
	s, ok := m.sessions[info.ID]
	m.mu.Unlock()

	if ok {
		s.shutdown(fmt.Errorf("%w: node evicted", ErrDisconnected), true)
	}
}

// CloseAll closes every live session; in-flight requests fail with ErrClosed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *Manager) open(ctx context.Context, nodeID string, wait chan struct{}) (*Session, error) {
	s, err := m.dial(ctx, nodeID)

	m.mu.Lock()
	delete(m.opening, nodeID)
	if err == nil {
		m.sessions[nodeID] = s
	}
	m.mu.Unlock()
	close(wait)

	if err != nil {
		m.logger.Warn("session open failed", "node_id", nodeID, "error", err)
		m.reg.MarkDisconnected(nodeID, true)
		return nil, err
	}

	go s.readLoop()

	if err := m.reg.MarkConnected(nodeID); err != nil {
		m.logger.Warn("connected to node missing from registry", "node_id", nodeID)
	}
	m.logger.Info("session open", "node_id", nodeID, "client_id", m.cfg.ClientID)
	return s, nil
}

func (m *Manager) dial(ctx context.Context, nodeID string) (*Session, error) {
	info, ok := m.reg.Get(nodeID)
	if !ok {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(hctx, "tcp", info.Address)
	if err != nil {
		if hctx.Err() != nil {
			return nil, fmt.Errorf("dial %s at %s: %w: %v", nodeID, info.Address, ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("dial %s at %s: %w: %v", nodeID, info.Address, ErrConnectRefused, err)
	}

	// The whole handshake shares the dial deadline.
	if deadline, ok := hctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteMessage(conn, &wire.ConnectRequest{ClientID: m.cfg.ClientID}); err != nil {
		conn.Close()
		return nil, m.handshakeError(nodeID, err)
	}

	msg, err := wire.ReadMessage(conn, m.limits)
	if err != nil {
		conn.Close()
		return nil, m.handshakeError(nodeID, err)
	}

	ack, isAck := msg.(*wire.ConnectAck)
	if !isAck {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w: unexpected %s frame", nodeID, ErrConnectRefused, msg.Type())
	}
	if !ack.Accepted {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w: %s", nodeID, ErrConnectRefused, ack.Reason)
	}

	conn.SetDeadline(time.Time{})

	s := &Session{
		nodeID:    nodeID,
		conn:      conn,
		limits:    m.limits,
		logger:    m.logger,
		onTraffic: m.reg.Touch,
		pending:   make(map[string]*pending),
	}
	s.onClose = m.closeHandler(nodeID, s)
	return s, nil
}

// handshakeError sorts a handshake failure into the connect error taxonomy:
// a blown deadline is a timeout, everything else is a refusal.
func (m *Manager) handshakeError(nodeID string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("handshake with %s: %w: %v", nodeID, ErrConnectTimeout, err)
	}
	return fmt.Errorf("handshake with %s: %w: %v", nodeID, ErrConnectRefused, err)
}

func (m *Manager) closeHandler(nodeID string, s *Session) func(string, bool) {
	return func(_ string, unreachable bool) {
		m.mu.Lock()
		if cur, ok := m.sessions[nodeID]; ok && cur == s {
			delete(m.sessions, nodeID)
		}
		m.mu.Unlock()

		m.reg.MarkDisconnected(nodeID, unreachable)
	}
}
