package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// This file contains server startup methods that are untestable in unit tests
// as they start blocking servers. These should be tested via integration tests.

// Serve runs the MCP server on stdio until the client disconnects.
func (ms *MCPServer) Serve() error {
	ms.logger.Info("serving MCP over stdio")
	return server.ServeStdio(ms.server)
}

// ServeHTTP runs the MCP server with HTTP/SSE transport on addr.
func (ms *MCPServer) ServeHTTP(addr string) error {
	sseServer := server.NewSSEServer(ms.server,
		server.WithBaseURL("http://"+addr),
		server.WithStaticBasePath("/mcp"),
	)
	ms.logger.Info("serving MCP over HTTP/SSE", "address", addr, "base_path", "/mcp")
	return sseServer.Start(addr)
}
