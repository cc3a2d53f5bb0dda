package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelworks/enginelink/internal/bridge"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/session"
	"github.com/kestrelworks/enginelink/internal/wire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNode answers handshakes and echoes execution requests over net.Pipe.
type testNode struct {
	nodeID string
}

func (n *testNode) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go n.serve(server)
	return client, nil
}

func (n *testNode) serve(conn net.Conn) {
	if _, err := wire.ReadMessage(conn, wire.DefaultLimits()); err != nil {
		return
	}
	if err := wire.WriteMessage(conn, &wire.ConnectAck{NodeID: n.nodeID, Accepted: true}); err != nil {
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
		wire.WriteMessage(conn, &wire.ExecOutputChunk{CorrelationID: req.CorrelationID, Stream: wire.StreamStdout, Data: "ran\n"})
		wire.WriteMessage(conn, &wire.ExecResult{CorrelationID: req.CorrelationID, Status: wire.StatusOK, Value: "echo:" + req.Code})
	}
}

type fakeDiscovery struct {
	mu        sync.Mutex
	group     string
	restarts  []string
	announces int
}

func (d *fakeDiscovery) Group() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.group
}

func (d *fakeDiscovery) Restart(group string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restarts = append(d.restarts, group)
	d.group = group
	return nil
}

func (d *fakeDiscovery) Announce() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.announces++
	return nil
}

func (d *fakeDiscovery) announceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.announces
}

// Helper to create a test MCPServer backed by one echoing node.
func createTestMCPServer(t *testing.T, discovery Discovery) (*MCPServer, *registry.Registry) {
	t.Helper()

	reg := registry.New(registry.Config{StaleTimeout: time.Minute, GracePeriod: time.Minute}, quietLogger())
	reg.ObserveBeacon(wire.Beacon{NodeID: "node-1", Address: "10.0.0.5:7766", EngineVersion: "5.4", Project: "Sandbox"})

	mgr := session.NewManager(session.Config{ClientID: "mcp-test"}, &testNode{nodeID: "node-1"}, reg, quietLogger())
	coord := bridge.New(bridge.Config{}, reg, mgr, nil, quietLogger())

	ms := New(Config{Name: "test-server", Version: "1.0.0"}, coord, discovery, quietLogger())
	t.Cleanup(ms.Close)
	return ms, reg
}

func callRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected result to have content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	if ms == nil {
		t.Fatal("Expected non-nil MCPServer")
	}
	if ms.server == nil {
		t.Error("Expected non-nil underlying server")
	}
	if ms.coord == nil {
		t.Error("Expected non-nil coordinator")
	}
}

func TestServer(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	if ms.Server() != ms.server {
		t.Error("Expected returned server to match internal server")
	}
}

func TestCloseIdempotent(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)
	ms.Close()
	ms.Close()
}

func TestHandleRunPython(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := callRequest("run.python", map[string]interface{}{
		"code":    "unreal.log('hi')",
		"node_id": "node-1",
		"mode":    "eval_statement",
	})
	result, err := ms.handleRunPython(context.Background(), request)
	if err != nil {
		t.Fatalf("handleRunPython returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success result, got error: %s", resultText(t, result))
	}

	var resp runResponse
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if !resp.Success {
		t.Errorf("Expected success, got %+v", resp)
	}
	if resp.Result != "echo:unreal.log('hi')" {
		t.Errorf("Unexpected result value: %q", resp.Result)
	}
	if resp.Output != "ran\n" {
		t.Errorf("Unexpected output: %q", resp.Output)
	}
	if resp.NodeID != "node-1" {
		t.Errorf("Unexpected node id: %q", resp.NodeID)
	}
}

func TestHandleRunPython_DefaultsToFirstNode(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := callRequest("run.python", map[string]interface{}{
		"code": "print(1)",
	})
	result, err := ms.handleRunPython(context.Background(), request)
	if err != nil {
		t.Fatalf("handleRunPython returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success result, got error: %s", resultText(t, result))
	}

	var resp runResponse
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp.NodeID != "node-1" {
		t.Errorf("Expected first node, got %q", resp.NodeID)
	}
}

func TestHandleRunPython_MissingCode(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	result, err := ms.handleRunPython(context.Background(), callRequest("run.python", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("handleRunPython should not return error, got: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result for missing code")
	}
}

func TestHandleRunPython_UnknownMode(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := callRequest("run.python", map[string]interface{}{
		"code": "print(1)",
		"mode": "compile_only",
	})
	result, err := ms.handleRunPython(context.Background(), request)
	if err != nil {
		t.Fatalf("handleRunPython should not return error, got: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result for unknown mode")
	}
}

func TestHandleRunPython_NoNodes(t *testing.T) {
	reg := registry.New(registry.Config{StaleTimeout: time.Minute, GracePeriod: time.Minute}, quietLogger())
	mgr := session.NewManager(session.Config{ClientID: "mcp-test"}, &testNode{nodeID: "node-1"}, reg, quietLogger())
	coord := bridge.New(bridge.Config{}, reg, mgr, nil, quietLogger())
	ms := New(Config{Name: "test-server", Version: "1.0.0"}, coord, nil, quietLogger())
	t.Cleanup(ms.Close)

	result, err := ms.handleRunPython(context.Background(), callRequest("run.python", map[string]interface{}{"code": "print(1)"}))
	if err != nil {
		t.Fatalf("handleRunPython should not return error, got: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result with an empty registry")
	}
}

func TestHandleRunPython_ExplicitUnknownNode(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := callRequest("run.python", map[string]interface{}{
		"code":    "print(1)",
		"node_id": "ghost",
	})
	result, err := ms.handleRunPython(context.Background(), request)
	if err != nil {
		t.Fatalf("handleRunPython should not return error, got: %v", err)
	}
	if result.IsError {
		t.Fatal("Execution failures should come back as JSON, not MCP errors")
	}

	var resp runResponse
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp.Success {
		t.Error("Expected success=false for unknown node")
	}
	if resp.Error == "" {
		t.Error("Expected error text for unknown node")
	}
}

func TestPickNodeSkipsUnreachable(t *testing.T) {
	ms, reg := createTestMCPServer(t, nil)
	reg.ObserveBeacon(wire.Beacon{NodeID: "node-0", Address: "10.0.0.4:7766"})
	reg.MarkDisconnected("node-0", true)

	// node-0 sorts first but is unreachable; node-1 should win.
	nodeID, err := ms.pickNode()
	if err != nil {
		t.Fatalf("pickNode failed: %v", err)
	}
	if nodeID != "node-1" {
		t.Errorf("Expected node-1, got %q", nodeID)
	}
}

func TestHandleEngineNodes(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	result, err := ms.handleEngineNodes(context.Background(), callRequest("engine.nodes", nil))
	if err != nil {
		t.Fatalf("handleEngineNodes returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success result, got error: %s", resultText(t, result))
	}

	var nodes []registry.NodeInfo
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &nodes); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if len(nodes) != 1 || nodes[0].ID != "node-1" {
		t.Errorf("Unexpected node list: %+v", nodes)
	}
	if nodes[0].Project != "Sandbox" {
		t.Errorf("Beacon metadata lost: %+v", nodes[0])
	}
}

func TestHandleEngineConnect_NoDiscovery(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	result, err := ms.handleEngineConnect(context.Background(), callRequest("engine.connect", nil))
	if err != nil {
		t.Fatalf("handleEngineConnect should not return error, got: %v", err)
	}
	if !result.IsError {
		t.Error("Expected error result without a discovery listener")
	}
}

func TestHandleEngineConnect(t *testing.T) {
	disc := &fakeDiscovery{group: "239.0.0.1:6766"}
	ms, _ := createTestMCPServer(t, disc)

	request := callRequest("engine.connect", map[string]interface{}{"wait_sec": 0})
	result, err := ms.handleEngineConnect(context.Background(), request)
	if err != nil {
		t.Fatalf("handleEngineConnect returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success result, got error: %s", resultText(t, result))
	}

	var resp connectResponse
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if !resp.Success || resp.Nodes != 1 {
		t.Errorf("Unexpected response: %+v", resp)
	}
	if resp.Group != "239.0.0.1:6766" {
		t.Errorf("Unexpected group: %q", resp.Group)
	}
	if disc.announceCount() != 1 {
		t.Errorf("Expected one announce, got %d", disc.announceCount())
	}
}

func TestHandleEngineConnect_Retune(t *testing.T) {
	disc := &fakeDiscovery{group: "239.0.0.1:6766"}
	ms, _ := createTestMCPServer(t, disc)

	request := callRequest("engine.connect", map[string]interface{}{
		"group":    "239.0.0.2:6766",
		"wait_sec": 0,
	})
	result, err := ms.handleEngineConnect(context.Background(), request)
	if err != nil {
		t.Fatalf("handleEngineConnect returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success result, got error: %s", resultText(t, result))
	}

	disc.mu.Lock()
	restarts := append([]string(nil), disc.restarts...)
	disc.mu.Unlock()
	if len(restarts) != 1 || restarts[0] != "239.0.0.2:6766" {
		t.Errorf("Expected one restart onto the new group, got %v", restarts)
	}

	var resp connectResponse
	if err := sonic.Unmarshal([]byte(resultText(t, result)), &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp.Group != "239.0.0.2:6766" {
		t.Errorf("Expected new group in response, got %q", resp.Group)
	}
}

func TestHandleNodeResource(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := mcp.ReadResourceRequest{}
	request.Params.URI = "engine://node-1"

	contents, err := ms.handleNodeResource(context.Background(), request)
	if err != nil {
		t.Fatalf("handleNodeResource returned error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("Expected one content item, got %d", len(contents))
	}

	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents, got %T", contents[0])
	}
	if text.MIMEType != "application/x-enginelink-node" {
		t.Errorf("Unexpected MIME type: %q", text.MIMEType)
	}

	var info registry.NodeInfo
	if err := sonic.Unmarshal([]byte(text.Text), &info); err != nil {
		t.Fatalf("Resource body is not JSON: %v", err)
	}
	if info.ID != "node-1" || info.EngineVersion != "5.4" {
		t.Errorf("Unexpected snapshot: %+v", info)
	}
}

func TestHandleNodeResource_Unknown(t *testing.T) {
	ms, _ := createTestMCPServer(t, nil)

	request := mcp.ReadResourceRequest{}
	request.Params.URI = "engine://ghost"

	if _, err := ms.handleNodeResource(context.Background(), request); err == nil {
		t.Error("Expected error for unknown node")
	}
}
