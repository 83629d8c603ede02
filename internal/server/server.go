package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mnesis-ai/mnesis/internal/auth"
	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/conversations"
	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/mining"
	"github.com/mnesis-ai/mnesis/internal/sessions"
)

// Server is the Mnesis HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Candidates, Graph, Miner, Jobs, Workbench,
// Sessions, Keeper, MCPServer.
type Config struct {
	// Required dependencies.
	Core          *memory.Core
	Conversations *conversations.Store
	Embedder      *embedding.Embedder
	Logger        *slog.Logger

	// Optional dependencies (nil = disabled).
	Candidates *candidates.Store
	Graph      *graph.Layer
	Miner      *mining.Miner
	Jobs       *jobs.Queue
	Workbench  *conflicts.Workbench
	Sessions   *sessions.Tracker
	Keeper     *auth.Keeper
	MCPServer  *mcpserver.MCPServer

	// HTTP server settings.
	Host                string
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Core:                cfg.Core,
		Conversations:       cfg.Conversations,
		Candidates:          cfg.Candidates,
		Graph:               cfg.Graph,
		Miner:               cfg.Miner,
		Jobs:                cfg.Jobs,
		Workbench:           cfg.Workbench,
		Sessions:            cfg.Sessions,
		Embedder:            cfg.Embedder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Health (no auth).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Memory CRUD and search.
	mux.HandleFunc("POST /v1/memories", h.HandleCreateMemory)
	mux.HandleFunc("GET /v1/memories", h.HandleListMemories)
	mux.HandleFunc("POST /v1/memories/search", h.HandleSearchMemories)
	mux.HandleFunc("POST /v1/memories/feedback", h.HandleFeedback)
	mux.HandleFunc("GET /v1/memories/{id}", h.HandleGetMemory)
	mux.HandleFunc("PATCH /v1/memories/{id}", h.HandleUpdateMemory)
	mux.HandleFunc("DELETE /v1/memories/{id}", h.HandleDeleteMemory)
	mux.HandleFunc("POST /v1/memories/{id}/restore", h.HandleRestoreMemory)
	mux.HandleFunc("GET /v1/memories/{id}/events", h.HandleMemoryEvents)

	// Context snapshot.
	mux.HandleFunc("GET /v1/snapshot", h.HandleSnapshot)

	// Association graph.
	mux.HandleFunc("GET /v1/graph/{id}", h.HandleGraph)

	// Conversation ingestion and search.
	mux.HandleFunc("POST /v1/conversations", h.HandleIngestConversation)
	mux.HandleFunc("GET /v1/conversations", h.HandleListConversations)
	mux.HandleFunc("POST /v1/conversations/search", h.HandleSearchConversations)

	// Mining.
	mux.HandleFunc("POST /v1/mining/run", h.HandleMiningRun)
	mux.HandleFunc("GET /v1/mining/status", h.HandleMiningStatus)

	// Background jobs.
	mux.HandleFunc("GET /v1/jobs", h.HandleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.HandleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", h.HandleCancelJob)

	// Conflict workbench.
	mux.HandleFunc("GET /v1/conflicts", h.HandleListConflicts)
	mux.HandleFunc("POST /v1/conflicts/{id}/resolve", h.HandleResolveConflict)

	// Sessions.
	mux.HandleFunc("GET /v1/sessions", h.HandleListSessions)
	mux.HandleFunc("POST /v1/sessions/{id}/end", h.HandleEndSession)

	// Stats.
	mux.HandleFunc("GET /v1/stats", h.HandleStats)

	// MCP StreamableHTTP transport. Sits behind the same bearer token as
	// the REST surface.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.Keeper, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. The default bind is loopback;
// exposing the listener wider is an explicit configuration choice.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
