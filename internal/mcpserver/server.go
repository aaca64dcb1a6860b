package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/taskescrow/internal/apiclient"
)

// Config holds the escrow API connection used by the tools.
type Config = apiclient.Config

// NewMCPServer creates a configured MCP server with the read-only escrow tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("taskescrow", "1.0.0")
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListUserEscrows, h.HandleListUserEscrows)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolListActiveDisputes, h.HandleListActiveDisputes)
	s.AddTool(ToolEscrowStats, h.HandleEscrowStats)

	return s
}
