package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelworks/enginelink/internal/registry"
)

// connectResponse is what engine.connect hands back to the client.
type connectResponse struct {
	Success bool     `json:"success"`
	Group   string   `json:"group"`
	Nodes   int      `json:"nodes"`
	NodeIDs []string `json:"node_ids,omitempty"`
	Message string   `json:"message"`
}

// handleEngineConnect implements the engine.connect tool
func (ms *MCPServer) handleEngineConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if ms.discovery == nil {
		return mcp.NewToolResultError("discovery is not running"), nil
	}

	group := strings.TrimSpace(request.GetString("group", ""))
	waitSec := request.GetFloat("wait_sec", 2)
	if waitSec < 0 {
		waitSec = 0
	}
	if waitSec > 30 {
		waitSec = 30
	}

	if group != "" && group != ms.discovery.Group() {
		ms.logger.Info("retuning discovery", "group", group)
		if err := ms.discovery.Restart(group); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("switch to group %s: %v", group, err)), nil
		}
	}
	if err := ms.discovery.Announce(); err != nil {
		ms.logger.Debug("announce failed", "error", err)
	}

	nodes := ms.waitForNodes(ctx, time.Duration(waitSec*float64(time.Second)))

	resp := connectResponse{
		Success: len(nodes) > 0,
		Group:   ms.discovery.Group(),
		Nodes:   len(nodes),
	}
	if len(nodes) == 0 {
		resp.Message = "no engine nodes discovered"
	} else {
		resp.NodeIDs = make([]string, len(nodes))
		for i, n := range nodes {
			resp.NodeIDs[i] = n.ID
		}
		resp.Message = fmt.Sprintf("discovered %d node(s)", len(nodes))
	}

	js, err := sonic.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(js)), nil
}

// waitForNodes polls the registry until a node shows up or the wait elapses.
func (ms *MCPServer) waitForNodes(ctx context.Context, wait time.Duration) []registry.NodeInfo {
	deadline := time.Now().Add(wait)
	for {
		nodes := ms.coord.Nodes()
		if len(nodes) > 0 || !time.Now().Before(deadline) {
			return nodes
		}
		select {
		case <-ctx.Done():
			return nodes
		case <-time.After(100 * time.Millisecond):
		}
	}
}
