package config

// Tool defines the tools exposed over MCP
const (
	// ToolEngineConnect is the discovery (re)start tool name
	ToolEngineConnect = "engine.connect"
	// ToolEngineNodes is the node listing tool name
	ToolEngineNodes = "engine.nodes"
	// ToolRunPython is the remote python execution tool name
	ToolRunPython = "run.python"
)

// AllTools returns a slice of all exposed tool names
func AllTools() []string {
	return []string{
		ToolEngineConnect,
		ToolEngineNodes,
		ToolRunPython,
	}
}

// ResourceScheme is the URI scheme for per-node MCP resources.
const ResourceScheme = "engine"

// ResourceMIMEType is the content type served for node resources.
const ResourceMIMEType = "application/x-enginelink-node"
