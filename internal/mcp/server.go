package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/ragdesk/internal/chat"
	"github.com/bull/ragdesk/internal/indexer"
	"github.com/bull/ragdesk/internal/ledger"
)

// Server wraps the MCP server with dependencies.
type Server struct {
	server *mcp.Server
}

// Config holds server dependencies.
type Config struct {
	Chat     *chat.Orchestrator
	Pipeline *indexer.Pipeline
	Ledger   *ledger.Ledger
	Version  string
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	impl := &mcp.Implementation{
		Name:    "ragdesk",
		Version: version,
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat",
		Description: "Answer a message from the tenant's knowledge. Manual answers take precedence; generated answers are charged against the tenant's token balance.",
	}, makeChatHandler(cfg.Chat))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_website",
		Description: "Fetch a single web page and add it to the tenant's knowledge. Returns the source with its final status.",
	}, makeIngestWebsiteHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sources",
		Description: "List the tenant's knowledge sources with their ingestion status.",
	}, makeListSourcesHandler(cfg.Pipeline))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_balance",
		Description: "Get the tenant's token balance and the part held by running operations.",
	}, makeGetBalanceHandler(cfg.Ledger))

	return &Server{server: server}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
