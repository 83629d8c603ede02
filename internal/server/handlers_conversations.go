package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/mnesis-ai/mnesis/internal/model"
)

type ingestMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type ingestConversationRequest struct {
	ID        string          `json:"id,omitempty"`
	Title     string          `json:"title,omitempty"`
	SourceLLM string          `json:"source_llm"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Messages  []ingestMessage `json:"messages"`
}

// HandleIngestConversation handles POST /v1/conversations.
func (h *Handlers) HandleIngestConversation(w http.ResponseWriter, r *http.Request) {
	var req ingestConversationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.SourceLLM == "" {
		writeError(w, r, http.StatusBadRequest, "source_llm is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, r, http.StatusBadRequest, "messages must not be empty")
		return
	}

	conv := &model.Conversation{
		ID:        req.ID,
		Title:     req.Title,
		SourceLLM: req.SourceLLM,
		Tags:      req.Tags,
	}
	if req.StartedAt != nil {
		conv.StartedAt = req.StartedAt.UTC()
	}

	messages := make([]*model.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := &model.Message{
			Role:    model.Role(m.Role),
			Content: m.Content,
		}
		if m.Timestamp != nil {
			msg.Timestamp = m.Timestamp.UTC()
		}
		messages = append(messages, msg)
	}

	stored, err := h.conversations.Ingest(r.Context(), conv, messages)
	if err != nil {
		if strings.Contains(err.Error(), "already ingested") {
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		h.writeInternalError(w, r, "conversation ingest failed", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, stored)
}

// HandleListConversations handles GET /v1/conversations.
func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	offset := queryInt(r, "offset", 0)

	convs, total, err := h.conversations.List(r.Context(), r.URL.Query().Get("source_llm"), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "list conversations failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

type searchConversationsRequest struct {
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
	SourceLLM string `json:"source_llm,omitempty"`
}

// HandleSearchConversations handles POST /v1/conversations/search.
func (h *Handlers) HandleSearchConversations(w http.ResponseWriter, r *http.Request) {
	var req searchConversationsRequest
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

	convs, err := h.conversations.Search(r.Context(), req.Query, req.Limit, req.SourceLLM)
	if err != nil {
		h.writeInternalError(w, r, "conversation search failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"conversations": convs,
		"total":         len(convs),
	})
}
