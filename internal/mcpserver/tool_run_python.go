package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelworks/enginelink/internal/bridge"
	"github.com/kestrelworks/enginelink/internal/registry"
	"github.com/kestrelworks/enginelink/internal/wire"
)

// Tool-level mode names. The wire enum is the protocol's business; clients
// speak these.
const (
	runModeExecFile      = "exec_file"
	runModeExecStatement = "exec_statement"
	runModeEvalStatement = "eval_statement"
)

var runModes = map[string]wire.Mode{
	runModeExecFile:      wire.ModeExecFile,
	runModeExecStatement: wire.ModeExecStatement,
	runModeEvalStatement: wire.ModeEvalStatement,
}

// runResponse is what run.python hands back to the client. Argument errors
// use MCP error results instead; execution outcomes, including failures, are
// always this JSON shape.
type runResponse struct {
	Success bool   `json:"success"`
	NodeID  string `json:"node_id,omitempty"`
	Result  string `json:"result,omitempty"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleRunPython implements the run.python tool
func (ms *MCPServer) handleRunPython(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	modeName := request.GetString("mode", runModeExecStatement)
	mode, ok := runModes[modeName]
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode %q (want %s, %s or %s)",
			modeName, runModeExecFile, runModeExecStatement, runModeEvalStatement)), nil
	}

	nodeID := request.GetString("node_id", "")
	if nodeID == "" {
		nodeID, err = ms.pickNode()
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}

	unattended := request.GetBool("unattended", true)
	timeout := time.Duration(request.GetFloat("timeout_sec", 0) * float64(time.Second))

	res, err := ms.coord.Execute(ctx, bridge.ExecuteRequest{
		NodeID:     nodeID,
		Mode:       mode,
		Code:       code,
		Unattended: unattended,
		Timeout:    timeout,
	})
	if err != nil {
		return runResult(runResponse{NodeID: nodeID, Error: err.Error()})
	}

	return runResult(runResponse{
		Success: res.Status == wire.StatusOK,
		NodeID:  res.NodeID,
		Result:  res.Value,
		Output:  res.CombinedOutput(),
		Error:   res.Error,
	})
}

func runResult(resp runResponse) (*mcp.CallToolResult, error) {
	js, err := sonic.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(js)), nil
}

// pickNode chooses a target when the caller did not name one: the first
// reachable node in sorted order.
func (ms *MCPServer) pickNode() (string, error) {
	for _, info := range ms.coord.Nodes() {
		if info.State == registry.StateUnreachable {
			continue
		}
		return info.ID, nil
	}
	return "", errors.New("no engine nodes available; run engine.connect first")
}
