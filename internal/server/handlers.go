package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mnesis-ai/mnesis/internal/candidates"
	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/conversations"
	"github.com/mnesis-ai/mnesis/internal/embedding"
	"github.com/mnesis-ai/mnesis/internal/graph"
	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/mining"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/sessions"
	"github.com/mnesis-ai/mnesis/internal/store"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	core          *memory.Core
	conversations *conversations.Store
	candidates    *candidates.Store
	graph         *graph.Layer
	miner         *mining.Miner
	jobs          *jobs.Queue
	workbench     *conflicts.Workbench
	sessions      *sessions.Tracker
	embedder      *embedding.Embedder

	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Candidates, Graph, Miner, Jobs, Workbench, Sessions.
type HandlersDeps struct {
	Core          *memory.Core
	Conversations *conversations.Store
	Candidates    *candidates.Store
	Graph         *graph.Layer
	Miner         *mining.Miner
	Jobs          *jobs.Queue
	Workbench     *conflicts.Workbench
	Sessions      *sessions.Tracker
	Embedder      *embedding.Embedder

	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		core:                d.Core,
		conversations:       d.Conversations,
		candidates:          d.Candidates,
		graph:               d.Graph,
		miner:               d.Miner,
		jobs:                d.Jobs,
		workbench:           d.Workbench,
		sessions:            d.Sessions,
		embedder:            d.Embedder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeInternalError logs the real error and returns a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, msg)
}

// writeMemoryError maps memory-core failures onto status codes.
func (h *Handlers) writeMemoryError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "memory not found")
	case memory.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	default:
		h.writeInternalError(w, r, "memory operation failed", err)
	}
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	storeStatus := "ok"
	total, _, _, err := h.core.Counts(r.Context())
	if err != nil {
		storeStatus = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	embedderStatus := string(h.embedder.Status())
	if embedderStatus == string(embedding.StatusError) && status == "healthy" {
		status = "degraded"
	}

	resp := map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"store":          storeStatus,
		"embedder":       embedderStatus,
		"memories":       total,
	}
	if h.jobs != nil {
		if pending, err := h.jobs.PendingCount(r.Context()); err == nil {
			resp["pending_jobs"] = pending
		}
	}
	writeJSON(w, r, httpStatus, resp)
}

type createMemoryRequest struct {
	Content    string   `json:"content"`
	Category   string   `json:"category"`
	Level      string   `json:"level"`
	SourceLLM  string   `json:"source_llm"`
	Importance float64  `json:"importance,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	Privacy    string   `json:"privacy,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

// HandleCreateMemory handles POST /v1/memories.
func (h *Handlers) HandleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" || req.Category == "" || req.Level == "" || req.SourceLLM == "" {
		writeError(w, r, http.StatusBadRequest, "content, category, level, and source_llm are required")
		return
	}

	res, err := h.core.Create(r.Context(), model.CreateRequest{
		Content:    req.Content,
		Category:   model.Category(req.Category),
		Level:      model.Level(req.Level),
		SourceLLM:  req.SourceLLM,
		Importance: req.Importance,
		Confidence: req.Confidence,
		Privacy:    model.Privacy(req.Privacy),
		Tags:       req.Tags,
		SessionID:  req.SessionID,
	})
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, res)
}

// HandleListMemories handles GET /v1/memories.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ListFilter{
		Category:        q.Get("category"),
		Level:           q.Get("level"),
		Status:          q.Get("status"),
		Limit:           queryInt(r, "limit", 50),
		Offset:          queryInt(r, "offset", 0),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if filter.Category != "" && !model.ValidCategory(filter.Category) {
		writeError(w, r, http.StatusBadRequest, "invalid category: "+filter.Category)
		return
	}
	if filter.Level != "" && !model.ValidLevel(filter.Level) {
		writeError(w, r, http.StatusBadRequest, "invalid level: "+filter.Level)
		return
	}

	views, total, err := h.core.List(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "list memories failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"memories": views,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

// HandleGetMemory handles GET /v1/memories/{id}.
func (h *Handlers) HandleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := h.core.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

type updateMemoryRequest struct {
	Content   string `json:"content"`
	SourceLLM string `json:"source_llm"`
}

// HandleUpdateMemory handles PATCH /v1/memories/{id}.
func (h *Handlers) HandleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Content == "" || req.SourceLLM == "" {
		writeError(w, r, http.StatusBadRequest, "content and source_llm are required")
		return
	}

	res, err := h.core.Update(r.Context(), r.PathValue("id"), req.Content, req.SourceLLM)
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleDeleteMemory handles DELETE /v1/memories/{id}. Memories are archived,
// never physically removed.
func (h *Handlers) HandleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	res, err := h.core.Archive(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleRestoreMemory handles POST /v1/memories/{id}/restore.
func (h *Handlers) HandleRestoreMemory(w http.ResponseWriter, r *http.Request) {
	res, err := h.core.Restore(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

type searchMemoriesRequest struct {
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
	Context   string `json:"context,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// HandleSearchMemories handles POST /v1/memories/search.
func (h *Handlers) HandleSearchMemories(w http.ResponseWriter, r *http.Request) {
	var req searchMemoriesRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Query == "" {
		writeError(w, r, http.StatusBadRequest, "query is required")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 5
	}

	views, err := h.core.Search(r.Context(), model.SearchRequest{
		Query:     req.Query,
		Limit:     req.Limit,
		Context:   req.Context,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.writeMemoryError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"memories": views,
		"total":    len(views),
	})
}

type feedbackRequest struct {
	UsedMemoryIDs []string `json:"used_memory_ids"`
	SessionID     string   `json:"session_id,omitempty"`
}

// HandleFeedback handles POST /v1/memories/feedback.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.UsedMemoryIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, "used_memory_ids is required")
		return
	}

	updated, err := h.core.Feedback(r.Context(), req.SessionID, req.UsedMemoryIDs)
	if err != nil {
		h.writeInternalError(w, r, "feedback failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"status":        "ok",
		"updated_count": updated,
	})
}

// HandleMemoryEvents handles GET /v1/memories/{id}/events.
func (h *Handlers) HandleMemoryEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.core.Get(r.Context(), id); err != nil {
		h.writeMemoryError(w, r, err)
		return
	}

	events, err := h.core.Events(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "list events failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"memory_id": id,
		"events":    events,
		"total":     len(events),
	})
}

// HandleSnapshot handles GET /v1/snapshot.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	md, err := h.core.Snapshot(r.Context(), r.URL.Query().Get("context"))
	if err != nil {
		h.writeInternalError(w, r, "snapshot failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"markdown":    md,
		"token_count": h.embedder.CountTokens(md),
	})
}

// HandleGraph handles GET /v1/graph/{id}.
func (h *Handlers) HandleGraph(w http.ResponseWriter, r *http.Request) {
	if h.graph == nil {
		writeError(w, r, http.StatusServiceUnavailable, "graph layer not configured")
		return
	}

	result, err := h.graph.Search(r.Context(), r.PathValue("id"), queryInt(r, "depth", 1))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "memory not found")
			return
		}
		h.writeInternalError(w, r, "graph search failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

// HandleStats handles GET /v1/stats.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, byLevel, byStatus, err := h.core.Counts(ctx)
	if err != nil {
		h.writeInternalError(w, r, "stats failed", err)
		return
	}
	stats := model.Stats{
		TotalMemories:    total,
		MemoriesByLevel:  byLevel,
		MemoriesByStatus: byStatus,
		EmbedderStatus:   string(h.embedder.Status()),
	}

	if stats.Conversations, err = h.conversations.Count(ctx); err != nil {
		h.writeInternalError(w, r, "stats failed", err)
		return
	}
	if h.candidates != nil {
		if stats.Candidates, err = h.candidates.Count(ctx); err != nil {
			h.writeInternalError(w, r, "stats failed", err)
			return
		}
	}
	if h.workbench != nil {
		if stats.PendingConflicts, err = h.workbench.CountPending(ctx); err != nil {
			h.writeInternalError(w, r, "stats failed", err)
			return
		}
	}
	if h.graph != nil {
		if stats.GraphEdges, err = h.graph.EdgeCount(ctx); err != nil {
			h.writeInternalError(w, r, "stats failed", err)
			return
		}
	}
	if h.sessions != nil {
		all, err := h.sessions.List(ctx, 0)
		if err != nil {
			h.writeInternalError(w, r, "stats failed", err)
			return
		}
		stats.Sessions = len(all)
	}
	if h.jobs != nil {
		if stats.JobsByStatus, err = h.jobs.CountByStatus(ctx); err != nil {
			h.writeInternalError(w, r, "stats failed", err)
			return
		}
	}

	writeJSON(w, r, http.StatusOK, stats)
}
