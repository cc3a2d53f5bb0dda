package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/kestrelworks/enginelink/internal/discovery"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// Node simulates an engine instance: it beacons on the multicast group,
// accepts command sessions and answers execution requests with scripted
// results.
type Node struct {
	cfg    nodeConfig
	logger *slog.Logger

	mu      sync.Mutex
	ln      net.Listener
	disc    *discovery.Listener
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	running bool
	address string
}

func newNode(cfg nodeConfig, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		cfg:    cfg,
		logger: logger.With("component", "nodesim", "node_id", cfg.nodeID),
	}
}

// Start binds the command port and begins beaconing. Discovery failing to
// bind is survivable; the node then only serves direct connections.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}

	ln, err := net.Listen("tcp", n.cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("bind command port %s: %w", n.cfg.listenAddr, err)
	}

	n.ln = ln
	n.address = advertiseAddr(n.cfg.advertiseHost, ln.Addr())
	n.conns = make(map[net.Conn]struct{})
	n.running = true

	n.wg.Add(1)
	go n.acceptLoop(ln)

	n.disc = discovery.New(discovery.Config{
		Group:          n.cfg.group,
		SelfID:         n.cfg.nodeID,
		BeaconInterval: n.cfg.beaconInterval,
		Announcement: &wire.Beacon{
			NodeID:        n.cfg.nodeID,
			Address:       n.address,
			Capabilities:  n.cfg.capabilities,
			EngineVersion: n.cfg.engineVersion,
			Project:       n.cfg.project,
		},
	}, nil, n.logger)
	if err := n.disc.Start(); err != nil {
		n.logger.Error("discovery failed to start; node is not discoverable", "error", err)
	}

	n.logger.Info("node listening", "address", n.address, "group", n.cfg.group)
	return nil
}

// Stop closes the command port, stops beaconing, drops connected clients and
// waits for the handlers to exit.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.ln.Close()
	for conn := range n.conns {
		conn.Close()
	}
	disc := n.disc
	n.mu.Unlock()

	if disc != nil {
		disc.Stop()
	}
	n.wg.Wait()
	n.logger.Info("node stopped")
}

// Address returns the advertised command address once the node is running.
func (n *Node) Address() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.address
}

func (n *Node) acceptLoop(ln net.Listener) {
	defer n.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				n.logger.Error("accept failed", "error", err)
			}
			return
		}

		n.mu.Lock()
		if !n.running {
			n.mu.Unlock()
			conn.Close()
			return
		}
		n.conns[conn] = struct{}{}
		n.wg.Add(1)
		n.mu.Unlock()

		go n.handleConn(conn)
	}
}

// handleConn speaks the node side of the session protocol: one handshake,
// then execution requests until the client goes away.
func (n *Node) handleConn(conn net.Conn) {
	defer n.wg.Done()
	defer func() {
		conn.Close()
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
	}()

	limits := wire.DefaultLimits()

	msg, err := wire.ReadMessage(conn, limits)
	if err != nil {
		n.logger.Debug("handshake read failed", "error", err)
		return
	}
	req, ok := msg.(*wire.ConnectRequest)
	if !ok {
		n.logger.Warn("unexpected first frame", "type", msg.Type().String())
		return
	}

	if err := wire.WriteMessage(conn, &wire.ConnectAck{NodeID: n.cfg.nodeID, Accepted: true}); err != nil {
		return
	}
	n.logger.Info("client connected", "client_id", req.ClientID, "remote", conn.RemoteAddr().String())

	for {
		msg, err := wire.ReadMessage(conn, limits)
		if err != nil {
			n.logger.Info("client disconnected", "client_id", req.ClientID)
			return
		}
		exec, ok := msg.(*wire.ExecRequest)
		if !ok {
			n.logger.Debug("ignoring unexpected frame", "type", msg.Type().String())
			continue
		}

		n.logger.Info("executing",
			"correlation_id", exec.CorrelationID,
			"mode", string(exec.Mode),
			"bytes", len(exec.Code),
		)
		for _, out := range answer(exec) {
			if err := wire.WriteMessage(conn, out); err != nil {
				n.logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

// answer computes the scripted responses for one request. Kept free of I/O so
// the simulator's behavior is testable directly: eval echoes the expression
// back as its value, exec streams the code as stdout, anything containing
// "raise" fails with a stderr traceback, and attended requests are refused.
func answer(req *wire.ExecRequest) []wire.Message {
	if !req.Mode.Valid() {
		return []wire.Message{&wire.ExecResult{
			CorrelationID: req.CorrelationID,
			Status:        wire.StatusError,
			Error:         fmt.Sprintf("unknown execution mode: %s", req.Mode),
		}}
	}

	if !req.Unattended {
		return []wire.Message{&wire.ExecResult{
			CorrelationID: req.CorrelationID,
			Status:        wire.StatusError,
			Error:         "attended execution is not supported by the simulator",
		}}
	}

	if strings.Contains(req.Code, "raise") {
		return []wire.Message{
			&wire.ExecOutputChunk{
				CorrelationID: req.CorrelationID,
				Stream:        wire.StreamStderr,
				Data:          "Traceback (most recent call last):\n",
			},
			&wire.ExecResult{
				CorrelationID: req.CorrelationID,
				Status:        wire.StatusError,
				Error:         "Exception: " + strings.TrimSpace(req.Code),
			},
		}
	}

	if req.Mode == wire.ModeEvalStatement {
		return []wire.Message{&wire.ExecResult{
			CorrelationID: req.CorrelationID,
			Status:        wire.StatusOK,
			Value:         req.Code,
		}}
	}

	msgs := make([]wire.Message, 0, 2)
	if req.Code != "" {
		msgs = append(msgs, &wire.ExecOutputChunk{
			CorrelationID: req.CorrelationID,
			Stream:        wire.StreamStdout,
			Data:          req.Code + "\n",
		})
	}
	return append(msgs, &wire.ExecResult{
		CorrelationID: req.CorrelationID,
		Status:        wire.StatusOK,
	})
}

// advertiseAddr builds the beacon address from the configured host and the
// actually bound port. An empty host is deliberate: the bridge completes it
// from the datagram's source IP.
func advertiseAddr(host string, bound net.Addr) string {
	if tcp, ok := bound.(*net.TCPAddr); ok {
		return net.JoinHostPort(host, strconv.Itoa(tcp.Port))
	}
	return bound.String()
}
