// Package mcp exposes the memory service to LLM clients over the Model
// Context Protocol. Tools cover the write/read/feedback lifecycle,
// resources surface the context snapshot and recent memories, and prompts
// teach clients the capture workflow. The same server instance backs both
// the stdio transport and the StreamableHTTP mount on the REST server.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnesis-ai/mnesis/internal/conversations"
	"github.com/mnesis-ai/mnesis/internal/memory"
)

// readWindow is how long a memory_read counts as "recent" when deciding
// whether a memory_write caller skipped the read-before-write workflow.
const readWindow = 10 * time.Minute

// Server wraps the MCP server around the memory core and conversation store.
type Server struct {
	mcpServer     *mcpserver.MCPServer
	core          *memory.Core
	conversations *conversations.Store
	logger        *slog.Logger

	readTracker *readTracker
	rootsCache  *rootsCache
}

// New creates and configures an MCP server with all tools, resources, and
// prompts registered.
func New(core *memory.Core, convs *conversations.Store, version string, logger *slog.Logger) *Server {
	s := &Server{
		core:          core,
		conversations: convs,
		logger:        logger,
		readTracker:   newReadTracker(readWindow),
		rootsCache:    newRootsCache(),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mnesis",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout. Used when the
// process is launched as a client-managed subprocess.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return textResult(string(data))
}
