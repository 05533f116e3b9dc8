// types.go — MCP result shapes the gateway serves: tool listings, tool
// results, and the initialize handshake. The gateway's surface is tools
// only; it declares no MCP resources.
package mcp

// MCPContentBlock is one block inside a tool result's content array.
type MCPContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MCPToolResult is the result payload of a tools/call response.
type MCPToolResult struct {
	Content  []MCPContentBlock `json:"content"`
	IsError  bool              `json:"isError"` // SPEC:MCP
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// MCPTool describes one tool in a tools/list response.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"` // SPEC:MCP — camelCase required by the protocol
}

// MCPToolsListResult is the result payload of a tools/list response.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPInitializeResult is the result payload of the initialize handshake.
type MCPInitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"` // SPEC:MCP
	ServerInfo      MCPServerInfo   `json:"serverInfo"`      // SPEC:MCP
	Capabilities    MCPCapabilities `json:"capabilities"`
	Instructions    string          `json:"instructions,omitempty"`
}

// MCPServerInfo identifies the server in the initialize handshake.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPCapabilities declares what this server supports: tools, nothing else.
type MCPCapabilities struct {
	Tools MCPToolsCapability `json:"tools"`
}

// MCPToolsCapability declares tool support.
type MCPToolsCapability struct{}
