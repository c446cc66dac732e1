package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// HTTPHandlerOptions configures the streamable HTTP transport.
type HTTPHandlerOptions struct {
	// Stateless disables session management. Every tool here is a single
	// request/response exchange, so cmd/server runs stateless.
	Stateless bool
	// JSONResponse answers with application/json instead of an SSE stream.
	JSONResponse bool
}

// NewHTTPHandler serves the MCP server over Streamable HTTP. cmd/server
// mounts it at /mcp next to the REST API.
func NewHTTPHandler(server *Server, opts *HTTPHandlerOptions) http.Handler {
	if opts == nil {
		opts = &HTTPHandlerOptions{}
	}

	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server.MCPServer()
	}, &mcp.StreamableHTTPOptions{
		Stateless:    opts.Stateless,
		JSONResponse: opts.JSONResponse,
	})
}
