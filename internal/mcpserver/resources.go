package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelworks/enginelink/internal/config"
	"github.com/kestrelworks/enginelink/internal/registry"
)

// watchNodes mirrors the registry into the resource list. mcp-go broadcasts
// notifications/resources/list_changed on every add and remove, so clients
// see nodes appear and vanish without polling.
func (ms *MCPServer) watchNodes() {
	events := ms.coord.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case registry.EventDiscovered:
				ms.addNodeResource(ev.Node.ID)
			case registry.EventRemoved:
				ms.server.RemoveResource(nodeURI(ev.Node.ID))
			}
		case <-ms.done:
			return
		}
	}
}

func (ms *MCPServer) addNodeResource(nodeID string) {
	res := mcp.NewResource(nodeURI(nodeID),
		fmt.Sprintf("Engine node %s", nodeID),
		mcp.WithResourceDescription("Live engine node snapshot"),
		mcp.WithMIMEType(config.ResourceMIMEType),
	)
	ms.server.AddResource(res, ms.handleNodeResource)
}

func nodeURI(nodeID string) string {
	return config.ResourceScheme + "://" + nodeID
}

// handleNodeResource serves the current snapshot for one node. The snapshot
// is taken at read time, so a stale resource entry still reflects reality.
func (ms *MCPServer) handleNodeResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	nodeID := strings.TrimPrefix(request.Params.URI, config.ResourceScheme+"://")
	info, ok := ms.coord.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node not found: %s", nodeID)
	}

	js, err := sonic.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal node %s: %w", nodeID, err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: config.ResourceMIMEType,
			Text:     string(js),
		},
	}, nil
}
