// Package mcpserver exposes the bridge to MCP clients: tools for discovery
// and remote code execution, plus one readable resource per live node.
package mcpserver

import (
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kestrelworks/enginelink/internal/bridge"
	"github.com/kestrelworks/enginelink/internal/config"
)

// Discovery is the slice of the multicast listener the MCP surface drives:
// retuning to another group and prompting announcements.
type Discovery interface {
	Group() string
	Restart(group string) error
	Announce() error
}

// Config holds the MCP server identity.
type Config struct {
	Name    string
	Version string
}

// MCPServer wraps the mcp-go server with the bridge wiring.
type MCPServer struct {
	server    *server.MCPServer
	coord     *bridge.Coordinator
	discovery Discovery
	logger    *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// New creates and configures the MCP server. discovery may be nil when the
// listener is not running; engine.connect then reports that instead of
// retuning. Nodes already in the registry are published as resources
// immediately; later changes flow in through the registry event feed.
func New(cfg Config, coord *bridge.Coordinator, discovery Discovery, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithRecovery(),
	)

	ms := &MCPServer{
		server:    mcpServer,
		coord:     coord,
		discovery: discovery,
		logger:    logger.With("component", "mcp"),
		done:      make(chan struct{}),
	}

	ms.registerTools()
	for _, info := range coord.Nodes() {
		ms.addNodeResource(info.ID)
	}
	go ms.watchNodes()

	return ms
}

// registerTools registers all MCP tools with handlers
func (ms *MCPServer) registerTools() {
	connectTool := mcp.NewTool(config.ToolEngineConnect,
		mcp.WithDescription("Restart engine node discovery and report what it finds"),
		mcp.WithString("group",
			mcp.Description("Multicast group address:port to listen on (default: keep the current group)"),
		),
		mcp.WithNumber("wait_sec",
			mcp.Description("How long to wait for beacons, in seconds (default 2)"),
		),
	)
	ms.server.AddTool(connectTool, ms.handleEngineConnect)

	nodesTool := mcp.NewTool(config.ToolEngineNodes,
		mcp.WithDescription("List known engine nodes with their lifecycle states"),
	)
	ms.server.AddTool(nodesTool, ms.handleEngineNodes)

	runTool := mcp.NewTool(config.ToolRunPython,
		mcp.WithDescription("Execute Python code on an engine node"),
		mcp.WithString("code",
			mcp.Required(),
			mcp.Description("Python source to execute"),
		),
		mcp.WithString("node_id",
			mcp.Description("Target node (default: first reachable node)"),
		),
		mcp.WithString("mode",
			mcp.Description("Execution mode (default exec_statement)"),
			mcp.Enum(runModeExecFile, runModeExecStatement, runModeEvalStatement),
		),
		mcp.WithBoolean("unattended",
			mcp.Description("Suppress interactive dialogs on the node (default true)"),
		),
		mcp.WithNumber("timeout_sec",
			mcp.Description("Per-request timeout in seconds (default: the configured request timeout)"),
		),
	)
	ms.server.AddTool(runTool, ms.handleRunPython)
}

// Server returns the underlying mcp-go server for serving
func (ms *MCPServer) Server() *server.MCPServer {
	return ms.server
}

// Close stops the node watcher. Safe to call more than once.
func (ms *MCPServer) Close() {
	ms.closeOnce.Do(func() { close(ms.done) })
}
