package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mnesis-ai/mnesis/internal/memory"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/store"
)

func (s *Server) registerTools() {
	// memory_write — save a durable fact about the user.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_write",
			mcplib.WithDescription(`Save a durable fact about the user to their personal memory.

WHEN TO USE: When the user states something worth remembering across
conversations: who they are, what they prefer, what they are working on,
what tools they use. Do NOT save session chatter or things true only for
the next five minutes.

HOW TO WRITE CONTENT: One self-contained fact in third person, 20 to 1000
characters. "The user prefers Rust for systems work", never "I prefer
Rust" and never "likes Rust" with no subject.

Duplicates are handled server-side: an exact or near-duplicate write is
skipped or merged into the existing memory, and the action field in the
response tells you which. A write that contradicts an existing memory
still succeeds and opens a pending conflict for the user to resolve.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("content",
				mcplib.Description("The fact to remember, in third person (\"The user ...\"). 20-1000 characters, one fact per write."),
				mcplib.Required(),
			),
			mcplib.WithString("category",
				mcplib.Description("One of: identity, preferences, skills, relationships, projects, history, working"),
				mcplib.Required(),
			),
			mcplib.WithString("level",
				mcplib.Description("Memory level: semantic (stable facts), episodic (events and history), working (current tasks)"),
				mcplib.Required(),
			),
			mcplib.WithString("source_llm",
				mcplib.Description("Which client is writing this (e.g. claude, chatgpt)"),
				mcplib.Required(),
			),
			mcplib.WithString("tags",
				mcplib.Description("Optional comma-separated tags, e.g. \"context:work,golang\""),
			),
			mcplib.WithString("privacy",
				mcplib.Description("public (default), sensitive, or private. Private memories never leave snapshots."),
			),
			mcplib.WithNumber("importance",
				mcplib.Description("How important this fact is (0.0-1.0). Defaults to 0.5."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("confidence",
				mcplib.Description("How certain you are the fact is true (0.0-1.0). Defaults to 0.7. Low-confidence semantic facts go to review instead of straight to active."),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier for activity tracking"),
			),
		),
		s.handleWrite,
	)

	// memory_read — ranked retrieval over stored memories.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_read",
			mcplib.WithDescription(`Search the user's memory by meaning, ranked by relevance, importance,
and recency.

WHEN TO USE: At the start of a conversation to recall who the user is,
and BEFORE memory_write to see what is already stored. Reading first
prevents duplicate and contradictory writes.

The query is natural language ("what does the user do for work?"), not
keywords. An optional context tag boosts memories tagged for that
context (e.g. "work", "health").`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language query describing what you want to recall"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum memories to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional context tag to boost (e.g. work, personal)"),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier for activity tracking"),
			),
		),
		s.handleRead,
	)

	// memory_update — rewrite one memory's content.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_update",
			mcplib.WithDescription(`Rewrite the content of an existing memory when the fact changed or was
stated more precisely. The prior content is kept as an immutable version,
so nothing is lost. Use memory_read first to find the id.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("The memory id to update"),
				mcplib.Required(),
			),
			mcplib.WithString("content",
				mcplib.Description("The corrected fact, third person, 20-1000 characters"),
				mcplib.Required(),
			),
			mcplib.WithString("source_llm",
				mcplib.Description("Which client is updating this"),
				mcplib.Required(),
			),
		),
		s.handleUpdate,
	)

	// memory_delete — archive a memory.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_delete",
			mcplib.WithDescription(`Archive a memory the user asked to forget or that is no longer true.
Archival is a soft delete: the row is kept but stops appearing in reads
and snapshots, and its graph edges are removed. It can be restored
through the REST API if archived by mistake.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id",
				mcplib.Description("The memory id to archive"),
				mcplib.Required(),
			),
		),
		s.handleDelete,
	)

	// memory_list — paged listing without ranking.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_list",
			mcplib.WithDescription(`List stored memories page by page, newest first, without semantic
ranking. Use this to review what is stored in a category rather than to
answer a question; for questions use memory_read.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("category",
				mcplib.Description("Optional filter: identity, preferences, skills, relationships, projects, history, working"),
			),
			mcplib.WithString("level",
				mcplib.Description("Optional filter: semantic, episodic, working"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Page size"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(50),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Page offset"),
				mcplib.Min(0),
			),
		),
		s.handleList,
	)

	// context_snapshot — Markdown digest for priming a conversation.
	s.mcpServer.AddTool(
		mcplib.NewTool("context_snapshot",
			mcplib.WithDescription(`Get a Markdown digest of the user's memory, budgeted to fit a system
prompt. Sections are ordered identity first, then preferences, skills,
projects, and recent history. Private memories are always excluded.

WHEN TO USE: Once at the start of a conversation, to prime yourself with
who the user is. For specific questions mid-conversation, memory_read is
cheaper and more precise.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("context",
				mcplib.Description("Optional context tag to bias the snapshot (e.g. work)"),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier for activity tracking"),
			),
		),
		s.handleSnapshot,
	)

	// memory_feedback — close the loop on which memories helped.
	s.mcpServer.AddTool(
		mcplib.NewTool("memory_feedback",
			mcplib.WithDescription(`Report which memories you actually used in your reply. Used memories
gain importance and rank higher next time. Call this once near the end
of a conversation with the ids from earlier memory_read results; it also
marks the session as cleanly finished.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("used_memory_ids",
				mcplib.Description("Comma-separated ids of the memories that were actually useful"),
				mcplib.Required(),
			),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier; the session is ended after feedback"),
			),
		),
		s.handleFeedback,
	)

	// conversation_search — semantic search over imported transcripts.
	s.mcpServer.AddTool(
		mcplib.NewTool("conversation_search",
			mcplib.WithDescription(`Search imported conversation transcripts by meaning. Returns
conversation projections with titles, summaries, and any memories
already extracted from each one. Useful for "what did we discuss about
X?" questions that memories alone cannot answer.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language query over past conversations"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum conversations to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
			mcplib.WithString("source_llm",
				mcplib.Description("Optional filter by originating client (e.g. claude, chatgpt)"),
			),
		),
		s.handleConversationSearch,
	)

	// conversation_list — paged transcript listing.
	s.mcpServer.AddTool(
		mcplib.NewTool("conversation_list",
			mcplib.WithDescription(`List imported conversations page by page, newest first. Use
conversation_search when you are looking for something specific.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("source_llm",
				mcplib.Description("Optional filter by originating client"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Page size"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Page offset"),
				mcplib.Min(0),
			),
		),
		s.handleConversationList,
	)
}

func (s *Server) handleWrite(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	content := request.GetString("content", "")
	category := request.GetString("category", "")
	level := request.GetString("level", "")
	sourceLLM := request.GetString("source_llm", "")
	if content == "" || category == "" || level == "" || sourceLLM == "" {
		return errorResult("content, category, level, and source_llm are required"), nil
	}

	// An untagged write picks up a context tag from the client's workspace
	// roots, so project-scoped facts rank higher inside that project later.
	tags := splitCommaList(request.GetString("tags", ""))
	if !hasContextTag(tags) {
		if project := inferProjectFromRoots(s.requestRoots(ctx)); project != "" {
			tags = append(tags, "context:"+project)
		}
	}

	res, err := s.core.Create(ctx, model.CreateRequest{
		Content:    content,
		Category:   model.Category(category),
		Level:      model.Level(level),
		SourceLLM:  sourceLLM,
		Importance: request.GetFloat("importance", 0),
		Confidence: request.GetFloat("confidence", 0),
		Privacy:    model.Privacy(request.GetString("privacy", "")),
		Tags:       tags,
		SessionID:  request.GetString("session_id", ""),
	})
	if err != nil {
		if memory.IsValidation(err) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("write failed: %v", err)), nil
	}

	data, _ := json.MarshalIndent(res, "", "  ")
	contents := []mcplib.Content{
		mcplib.TextContent{Type: "text", Text: string(data)},
	}

	// Nudge: a write without a recent read risks restating what is already
	// stored. The write still succeeds; dedup caught exact repeats anyway.
	if !s.readTracker.WasRead(clientKey(request)) {
		contents = append(contents, mcplib.TextContent{
			Type: "text",
			Text: "NOTE: No memory_read preceded this write in the last few minutes. " +
				"Reading first shows what is already stored and avoids near-duplicate phrasing. " +
				"Next time, call memory_read before memory_write.",
		})
	}

	return &mcplib.CallToolResult{Content: contents}, nil
}

func (s *Server) handleRead(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	views, err := s.core.Search(ctx, model.SearchRequest{
		Query:     query,
		Limit:     request.GetInt("limit", 5),
		Context:   request.GetString("context", ""),
		SessionID: request.GetString("session_id", ""),
	})
	if err != nil {
		if memory.IsValidation(err) {
			return errorResult(err.Error()), nil
		}
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	s.readTracker.Record(clientKey(request))

	return jsonResult(map[string]any{
		"memories": compactMemories(views),
		"total":    len(views),
	}), nil
}

func (s *Server) handleUpdate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	content := request.GetString("content", "")
	sourceLLM := request.GetString("source_llm", "")
	if id == "" || content == "" || sourceLLM == "" {
		return errorResult("id, content, and source_llm are required"), nil
	}

	res, err := s.core.Update(ctx, id, content, sourceLLM)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return errorResult("memory not found: " + id), nil
		case memory.IsValidation(err):
			return errorResult(err.Error()), nil
		default:
			return errorResult(fmt.Sprintf("update failed: %v", err)), nil
		}
	}
	return jsonResult(res), nil
}

func (s *Server) handleDelete(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}

	res, err := s.core.Archive(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errorResult("memory not found: " + id), nil
		}
		return errorResult(fmt.Sprintf("delete failed: %v", err)), nil
	}
	return jsonResult(res), nil
}

func (s *Server) handleList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	category := request.GetString("category", "")
	if category != "" && !model.ValidCategory(category) {
		return errorResult("invalid category: " + category), nil
	}
	level := request.GetString("level", "")
	if level != "" && !model.ValidLevel(level) {
		return errorResult("invalid level: " + level), nil
	}

	limit := request.GetInt("limit", 50)
	offset := request.GetInt("offset", 0)
	views, total, err := s.core.List(ctx, model.ListFilter{
		Category: category,
		Level:    level,
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"memories": compactMemories(views),
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	}), nil
}

func (s *Server) handleSnapshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	md, err := s.core.Snapshot(ctx, request.GetString("context", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("snapshot failed: %v", err)), nil
	}

	// A snapshot counts as a read: the caller now knows what is stored.
	s.readTracker.Record(clientKey(request))

	return textResult(md), nil
}

func (s *Server) handleFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ids := splitCommaList(request.GetString("used_memory_ids", ""))
	if len(ids) == 0 {
		return errorResult("used_memory_ids is required"), nil
	}

	updated, err := s.core.Feedback(ctx, request.GetString("session_id", ""), ids)
	if err != nil {
		return errorResult(fmt.Sprintf("feedback failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"status":        "ok",
		"updated_count": updated,
	}), nil
}

func (s *Server) handleConversationSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	convs, err := s.conversations.Search(ctx, query, request.GetInt("limit", 5), request.GetString("source_llm", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"conversations": compactConversations(convs),
		"total":         len(convs),
	}), nil
}

func (s *Server) handleConversationList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)
	offset := request.GetInt("offset", 0)
	convs, total, err := s.conversations.List(ctx, request.GetString("source_llm", ""), limit, offset)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"conversations": compactConversations(convs),
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	}), nil
}

// clientKey identifies the caller for the read-before-write nudge. A local
// single-user service rarely has more than one client per session, so the
// optional session_id is enough; everything else shares one bucket.
func clientKey(request mcplib.CallToolRequest) string {
	if id := request.GetString("session_id", ""); id != "" {
		return id
	}
	return "local"
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasContextTag(tags []string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, "context:") {
			return true
		}
	}
	return false
}
