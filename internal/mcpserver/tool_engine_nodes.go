package mcpserver

import (
	"context"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"
)

// handleEngineNodes implements the engine.nodes tool
func (ms *MCPServer) handleEngineNodes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	js, err := sonic.Marshal(ms.coord.Nodes())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(js)), nil
}
