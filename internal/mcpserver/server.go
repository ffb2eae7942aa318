package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/riskengine/internal/client"
)

// Config holds the configuration for connecting to the risk engine.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// NewMCPServer creates a configured MCP server with the read-only risk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("riskengine", "1.0.0")
	h := NewHandlers(client.New(client.Config{BaseURL: cfg.APIURL}))

	s.AddTool(ToolGetRiskProfile, h.HandleGetRiskProfile)
	s.AddTool(ToolGetCategoryScore, h.HandleGetCategoryScore)
	s.AddTool(ToolGetRiskHistory, h.HandleGetRiskHistory)

	return s
}
