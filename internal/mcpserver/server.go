package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "0.1.0"

// NewMCPServer creates a configured MCP server. Administrative tools are
// only registered when an admin secret is configured.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("skinsettle", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolStartSettlement, h.HandleStartSettlement)
	s.AddTool(ToolGetSettlement, h.HandleGetSettlement)
	s.AddTool(ToolListSettlements, h.HandleListSettlements)
	s.AddTool(ToolGetReceipt, h.HandleGetReceipt)
	s.AddTool(ToolVerifyReceipt, h.HandleVerifyReceipt)

	if cfg.AdminSecret != "" {
		s.AddTool(ToolVerifyDelivery, h.HandleVerifyDelivery)
		s.AddTool(ToolOracleStatus, h.HandleOracleStatus)
	}

	return s
}
