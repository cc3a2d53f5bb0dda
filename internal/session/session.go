// Package session maintains framed TCP sessions to engine nodes: handshake
// on open, correlation-ID demultiplexing of results and output chunks,
// per-request deadlines and fail-all teardown on transport loss.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelworks/enginelink/internal/wire"
)

// Result is the terminal outcome of one request, with the output captured
// along the way in arrival order.
type Result struct {
	Status wire.Status
	Value  string
	Error  string
	Output []wire.ExecOutputChunk
}

// pending tracks one in-flight request. chunks and result are written by the
// read loop under Session.mu; err is written exactly once before done closes.
type pending struct {
	correlationID string
	mode          wire.Mode
	timer         *time.Timer
	done          chan struct{}

	chunks []wire.ExecOutputChunk
	result *wire.ExecResult
	err    error
}

// Pending is the caller's handle to an in-flight request.
type Pending struct {
	s *Session
	p *pending
}

// CorrelationID returns the request's wire correlation ID.
func (p *Pending) CorrelationID() string {
	return p.p.correlationID
}

// Wait blocks until the request resolves. Cancelling ctx abandons the
// request: a result arriving later is dropped as a no-op.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.p.done:
		if p.p.err != nil {
			return nil, p.p.err
		}
		return &Result{
			Status: p.p.result.Status,
			Value:  p.p.result.Value,
			Error:  p.p.result.Error,
			Output: p.p.chunks,
		}, nil
	case <-ctx.Done():
		p.s.abandon(p.p.correlationID)
		return nil, fmt.Errorf("awaiting result for %s: %w", p.p.correlationID, ctx.Err())
	}
}

// Session is one live TCP connection to a node. A single read loop routes
// frames to pending requests by correlation ID; writes are serialized.
type Session struct {
	nodeID string
	conn   net.Conn
	limits wire.Limits
	logger *slog.Logger

	// onTraffic is called for every inbound frame; session traffic counts
	// as node liveness
	onTraffic func(nodeID string)
	// onClose is called once when the session dies, with unreachable set
	// for transport failure as opposed to orderly local close
	onClose func(nodeID string, unreachable bool)

	wmu sync.Mutex // serializes frame writes

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

// NodeID returns the node this session is connected to.
func (s *Session) NodeID() string {
	return s.nodeID
}

// Send submits code for execution and returns a handle to await. A timeout
// of zero disables the per-request deadline. The correlation ID is assigned
// here; the node echoes it on every chunk and on the result.
func (s *Session) Send(mode wire.Mode, code string, unattended bool, timeout time.Duration) (*Pending, error) {
	p := &pending{
		correlationID: uuid.New().String(),
		mode:          mode,
		done:          make(chan struct{}),
	}
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() { s.expire(p.correlationID) })
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if p.timer != nil {
			p.timer.Stop()
		}
		return nil, fmt.Errorf("send to %s: %w", s.nodeID, ErrClosed)
	}
	s.pending[p.correlationID] = p
	s.mu.Unlock()

	req := &wire.ExecRequest{
		CorrelationID: p.correlationID,
		Mode:          mode,
		Code:          code,
		Unattended:    unattended,
	}
	if err := s.write(req); err != nil {
		s.remove(p.correlationID)
		if p.timer != nil {
			p.timer.Stop()
		}
		// A failed write means the transport is gone; the read loop will
		// fail the rest.
		s.conn.Close()
		return nil, fmt.Errorf("send to %s: %w: %v", s.nodeID, ErrDisconnected, err)
	}

	s.logger.Debug("request sent",
		"node_id", s.nodeID,
		"correlation_id", p.correlationID,
		"mode", string(mode),
		"timeout", timeout,
	)
	return &Pending{s: s, p: p}, nil
}

// Close tears the session down in an orderly way, failing any in-flight
// requests with ErrClosed. Safe to call more than once.
func (s *Session) Close() {
	s.shutdown(ErrClosed, false)
}

func (s *Session) write(msg wire.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return wire.WriteMessage(s.conn, msg)
}

// readLoop runs for the life of the connection, demultiplexing inbound
// frames onto pending requests. Any read error fails everything in flight.
func (s *Session) readLoop() {
	for {
		msg, err := wire.ReadMessage(s.conn, s.limits)
		if err != nil {
			s.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err), true)
			return
		}

		if s.onTraffic != nil {
			s.onTraffic(s.nodeID)
		}

		switch m := msg.(type) {
		case *wire.ExecOutputChunk:
			s.addChunk(m)
		case *wire.ExecResult:
			s.resolve(m)
		default:
			s.logger.Debug("ignoring unexpected frame", "node_id", s.nodeID, "type", msg.Type().String())
		}
	}
}

func (s *Session) addChunk(m *wire.ExecOutputChunk) {
	s.mu.Lock()
	p, ok := s.pending[m.CorrelationID]
	if ok {
		p.chunks = append(p.chunks, *m)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("dropping chunk for unknown request", "node_id", s.nodeID, "correlation_id", m.CorrelationID)
	}
}

func (s *Session) resolve(m *wire.ExecResult) {
	s.mu.Lock()
	p, ok := s.pending[m.CorrelationID]
	if ok {
		delete(s.pending, m.CorrelationID)
		p.result = m
	}
	s.mu.Unlock()

	if !ok {
		// Late result for a timed-out or abandoned request.
		s.logger.Debug("dropping result for unknown request", "node_id", s.nodeID, "correlation_id", m.CorrelationID)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	close(p.done)
}

// expire fires from a request's deadline timer: the entry is abandoned and
// the waiter gets ErrExecTimeout. The node may still answer later; that
// answer will be dropped.
func (s *Session) expire(correlationID string) {
	s.mu.Lock()
	p, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	p.err = fmt.Errorf("request %s on %s: %w", correlationID, s.nodeID, ErrExecTimeout)
	close(p.done)
	s.logger.Warn("request timed out", "node_id", s.nodeID, "correlation_id", correlationID)
}

// abandon drops a pending entry without resolving its handle; used when the
// waiter's context is cancelled.
func (s *Session) abandon(correlationID string) {
	s.mu.Lock()
	p, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()

	if ok && p.timer != nil {
		p.timer.Stop()
	}
}

func (s *Session) remove(correlationID string) {
	s.mu.Lock()
	delete(s.pending, correlationID)
	s.mu.Unlock()
}

// shutdown closes the connection and fails every pending request with the
// cause. Only the first call does anything.
func (s *Session) shutdown(cause error, unreachable bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	failed := s.pending
	s.pending = make(map[string]*pending)
	s.mu.Unlock()

	s.conn.Close()

	for _, p := range failed {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.err = cause
		close(p.done)
	}

	if len(failed) > 0 {
		s.logger.Warn("session down with requests in flight",
			"node_id", s.nodeID,
			"failed", len(failed),
			"cause", cause,
		)
	} else {
		s.logger.Info("session closed", "node_id", s.nodeID, "cause", cause)
	}

	if s.onClose != nil {
		s.onClose(s.nodeID, unreachable)
	}
}
