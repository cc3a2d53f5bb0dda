package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/session"
	"github.com/kestrelworks/enginelink/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubNode answers the node side of the protocol for coordinator tests.
type stubNode struct {
	nodeID     string
	refuse     string // non-empty: reject handshakes
	echo       bool   // answer requests with a chunk and an echoed result
	dropAfter  bool   // close the connection after the first request
	failResult string // non-empty: answer with a status=error result

	mu       sync.Mutex
	conns    []net.Conn
	requests []wire.ExecRequest
}

func (n *stubNode) serve(conn net.Conn) {
	n.mu.Lock()
	n.conns = append(n.conns, conn)
	n.mu.Unlock()

	if _, err := wire.ReadMessage(conn, wire.DefaultLimits()); err != nil {
		return
	}
	ack := &wire.ConnectAck{NodeID: n.nodeID, Accepted: n.refuse == "", Reason: n.refuse}
	if err := n.write(conn, ack); err != nil || n.refuse != "" {
		return
	}

	for {
		msg, err := wire.ReadMessage(conn, wire.DefaultLimits())
		if err != nil {
			return
		}
		req, ok := msg.(*wire.ExecRequest)
		if !ok {
			continue
		}
		n.mu.Lock()
		n.requests = append(n.requests, *req)
		n.mu.Unlock()

		switch {
		case n.dropAfter:
			conn.Close()
			return
		case n.failResult != "":
			n.write(conn, &wire.ExecResult{CorrelationID: req.CorrelationID, Status: wire.StatusError, Error: n.failResult})
		case n.echo:
			n.write(conn, &wire.ExecOutputChunk{CorrelationID: req.CorrelationID, Stream: wire.StreamStdout, Data: "out:" + req.Code + "\n"})
			n.write(conn, &wire.ExecResult{CorrelationID: req.CorrelationID, Status: wire.StatusOK, Value: "echo:" + req.Code})
		}
	}
}

func (n *stubNode) write(conn net.Conn, msg wire.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return wire.WriteMessage(conn, msg)
}

func (n *stubNode) lastConn() net.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

func (n *stubNode) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

func (n *stubNode) request(i int) wire.ExecRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[i]
}

// countingDialer serves a stub node and counts dials; tests use it to prove
// fail-fast paths never touch the network.
type countingDialer struct {
	node *stubNode

	mu    sync.Mutex
	dials int
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	client, server := net.Pipe()
	go d.node.serve(server)
	return client, nil
}

func (d *countingDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type stubAnnouncer struct {
	mu    sync.Mutex
	calls int
}

func (a *stubAnnouncer) Announce() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	return nil
}

func (a *stubAnnouncer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newHarness(t *testing.T, node *stubNode, cfg Config) (*Coordinator, *registry.Registry, *countingDialer) {
	t.Helper()
	reg := registry.New(registry.Config{StaleTimeout: time.Minute, GracePeriod: time.Minute}, quietLogger())
	reg.ObserveBeacon(wire.Beacon{NodeID: node.nodeID, Address: "10.0.0.5:7766"})

	dialer := &countingDialer{node: node}
	mgr := session.NewManager(session.Config{
		ClientID:         "bridge-test",
		HandshakeTimeout: time.Second,
	}, dialer, reg, quietLogger())

	return New(cfg, reg, mgr, nil, quietLogger()), reg, dialer
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExecuteInvalidMode(t *testing.T) {
	node := &stubNode{nodeID: "node-1", echo: true}
	c, _, dialer := newHarness(t, node, Config{})

	for _, mode := range []wire.Mode{"", "exec_statement", "MODE_EXEC_EVERYTHING"} {
		_, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "node-1", Mode: mode, Code: "1"})
		if !errors.Is(err, ErrInvalidMode) {
			t.Errorf("Mode %q: expected ErrInvalidMode, got %v", mode, err)
		}
	}

	if dialer.dialCount() != 0 {
		t.Errorf("Invalid mode must not touch the network, got %d dials", dialer.dialCount())
	}
}

func TestExecuteUnknownNode(t *testing.T) {
	node := &stubNode{nodeID: "node-1", echo: true}
	c, _, dialer := newHarness(t, node, Config{})

	_, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "ghost", Mode: wire.ModeEvalStatement, Code: "1"})
	if !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("Expected ErrUnknownNode, got %v", err)
	}
	if dialer.dialCount() != 0 {
		t.Errorf("Unknown node must not dial, got %d dials", dialer.dialCount())
	}
}

func TestExecuteSuccess(t *testing.T) {
	node := &stubNode{nodeID: "node-1", echo: true}
	c, reg, _ := newHarness(t, node, Config{})

	res, err := c.Execute(testCtx(t), ExecuteRequest{
		NodeID:     "node-1",
		Mode:       wire.ModeEvalStatement,
		Code:       "2+2",
		Unattended: true,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if res.Status != wire.StatusOK || res.Value != "echo:2+2" {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.NodeID != "node-1" {
		t.Errorf("Expected node id on result, got %q", res.NodeID)
	}
	if got := res.CombinedOutput(); got != "out:2+2\n" {
		t.Errorf("CombinedOutput = %q", got)
	}
	if res.Duration < 0 {
		t.Errorf("Negative duration: %v", res.Duration)
	}

	req := node.request(0)
	if !req.Unattended {
		t.Error("Unattended flag not forwarded")
	}
	if req.Mode != wire.ModeEvalStatement {
		t.Errorf("Mode not forwarded verbatim: %q", req.Mode)
	}

	// Idle again after the request retires.
	if info, _ := reg.Get("node-1"); info.State != registry.StateConnected {
		t.Errorf("Expected connected after execute, got %v", info.State)
	}
}

func TestExecuteEngineError(t *testing.T) {
	node := &stubNode{nodeID: "node-1", failResult: "NameError: name 'x' is not defined"}
	c, _, _ := newHarness(t, node, Config{})

	res, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "node-1", Mode: wire.ModeExecStatement, Code: "x"})
	if err != nil {
		t.Fatalf("Engine-side failure should not be a transport error: %v", err)
	}
	if res.Status != wire.StatusError {
		t.Errorf("Expected status error, got %v", res.Status)
	}
	if res.Error != "NameError: name 'x' is not defined" {
		t.Errorf("Error text lost: %q", res.Error)
	}
}

func TestExecuteTimeout(t *testing.T) {
	node := &stubNode{nodeID: "node-1"} // records requests, never answers
	c, _, _ := newHarness(t, node, Config{RequestTimeout: 30 * time.Millisecond})

	_, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "node-1", Mode: wire.ModeEvalStatement, Code: "slow()"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestExecuteConnectFailed(t *testing.T) {
	node := &stubNode{nodeID: "node-1", refuse: "draining"}
	c, _, _ := newHarness(t, node, Config{})

	_, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "node-1", Mode: wire.ModeEvalStatement, Code: "1"})
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Expected ErrConnectFailed, got %v", err)
	}
}

func TestExecuteDisconnected(t *testing.T) {
	node := &stubNode{nodeID: "node-1", dropAfter: true}
	c, reg, _ := newHarness(t, node, Config{})

	_, err := c.Execute(testCtx(t), ExecuteRequest{NodeID: "node-1", Mode: wire.ModeEvalStatement, Code: "1"})
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Expected ErrDisconnected, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if info, ok := reg.Get("node-1"); ok && info.State == registry.StateUnreachable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Node never marked unreachable")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExecuteOverloadedWithFIFODrain(t *testing.T) {
	node := &stubNode{nodeID: "node-1"} // holds requests until told
	c, _, _ := newHarness(t, node, Config{
		MaxInflightPerNode: 1,
		MaxQueuedPerNode:   1,
		RequestTimeout:     5 * time.Second,
	})
	ctx := testCtx(t)

	type outcome struct {
		res *ExecutionResult
		err error
	}
	run := func(code string, ch chan<- outcome) {
		res, err := c.Execute(ctx, ExecuteRequest{NodeID: "node-1", Mode: wire.ModeEvalStatement, Code: code})
		ch <- outcome{res, err}
	}

	// First request takes the only slot and reaches the node.
	ch1 := make(chan outcome, 1)
	go run("one", ch1)
	waitFor(t, func() bool { return node.requestCount() == 1 }, "first request on node")

	// Second request queues behind it.
	ch2 := make(chan outcome, 1)
	go run("two", ch2)
	waitFor(t, func() bool { return c.gate("node-1").queued() == 1 }, "second request queued")

	// Third request is over the bound and bounces immediately.
	_, err := c.Execute(ctx, ExecuteRequest{NodeID: "node-1", Mode: wire.ModeEvalStatement, Code: "three"})
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected ErrOverloaded, got %v", err)
	}

	// Releasing the first lets the queued one through, in arrival order.
	conn := node.lastConn()
	node.write(conn, &wire.ExecResult{CorrelationID: node.request(0).CorrelationID, Status: wire.StatusOK, Value: "done:one"})
	first := <-ch1
	if first.err != nil || first.res.Value != "done:one" {
		t.Fatalf("First request: %+v, %v", first.res, first.err)
	}

	waitFor(t, func() bool { return node.requestCount() == 2 }, "queued request on node")
	node.write(conn, &wire.ExecResult{CorrelationID: node.request(1).CorrelationID, Status: wire.StatusOK, Value: "done:two"})
	second := <-ch2
	if second.err != nil || second.res.Value != "done:two" {
		t.Fatalf("Second request: %+v, %v", second.res, second.err)
	}

	if node.requestCount() != 2 {
		t.Errorf("Rejected request reached the node: %d requests", node.requestCount())
	}
	if node.request(0).Code != "one" || node.request(1).Code != "two" {
		t.Errorf("Arrival order broken: %q then %q", node.request(0).Code, node.request(1).Code)
	}
}

func TestConnect(t *testing.T) {
	node := &stubNode{nodeID: "node-1", echo: true}
	c, reg, _ := newHarness(t, node, Config{})

	if err := c.Connect(testCtx(t), "node-1"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if info, _ := reg.Get("node-1"); info.State != registry.StateConnected {
		t.Errorf("Expected connected, got %v", info.State)
	}

	if err := c.Connect(testCtx(t), "ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("Expected ErrUnknownNode, got %v", err)
	}
}

func TestDiscoverAnnouncesAndSnapshots(t *testing.T) {
	node := &stubNode{nodeID: "node-1", echo: true}
	reg := registry.New(registry.Config{StaleTimeout: time.Minute, GracePeriod: time.Minute}, quietLogger())
	reg.ObserveBeacon(wire.Beacon{NodeID: "node-1", Address: "10.0.0.5:7766"})
	mgr := session.NewManager(session.Config{ClientID: "bridge-test"}, &countingDialer{node: node}, reg, quietLogger())
	ann := &stubAnnouncer{}
	c := New(Config{}, reg, mgr, ann, quietLogger())

	nodes := c.Discover()
	if len(nodes) != 1 || nodes[0].ID != "node-1" {
		t.Errorf("Unexpected snapshot: %+v", nodes)
	}
	if ann.callCount() != 1 {
		t.Errorf("Expected one announce, got %d", ann.callCount())
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
