package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// session-start — prime the client with the user's memory.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("session-start",
			mcplib.WithPromptDescription("Prime a new conversation with the user's memory"),
			mcplib.WithArgument("context",
				mcplib.ArgumentDescription("Optional context tag for the session (e.g. work, personal)"),
			),
		),
		s.handleSessionStartPrompt,
	)

	// capture-memory — guide the client through writing one good memory.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("capture-memory",
			mcplib.WithPromptDescription("Turn something the user said into a well-formed memory write"),
			mcplib.WithArgument("fact",
				mcplib.ArgumentDescription("What the user said, roughly as they said it"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleCaptureMemoryPrompt,
	)

	// client-setup — full system prompt snippet explaining the memory workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("client-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Mnesis memory workflow (recall first, capture facts, report feedback)"),
		),
		s.handleClientSetupPrompt,
	)
}

func (s *Server) handleSessionStartPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionContext := request.Params.Arguments["context"]
	contextHint := ""
	if sessionContext != "" {
		contextHint = fmt.Sprintf(" with context=%q", sessionContext)
	}

	return &mcplib.GetPromptResult{
		Description: "Prime this conversation with the user's memory",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`At the start of this conversation, load what you know about the user:

1. CALL context_snapshot%s to get the Markdown digest of who they are.
   Treat it as background knowledge, not as something to recite back.

2. WHEN a specific question about the user comes up mid-conversation,
   call memory_read with a natural language query instead of guessing.

3. BEFORE saving anything new, call memory_read to see what is already
   stored. Duplicates are caught server-side, but reading first produces
   better-phrased, non-overlapping memories.

4. NEAR the end, call memory_feedback with the ids of memories that
   actually shaped your replies. That keeps useful memories ranked high.`, contextHint),
				},
			},
		},
	}, nil
}

func (s *Server) handleCaptureMemoryPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	fact := request.Params.Arguments["fact"]
	if fact == "" {
		return nil, fmt.Errorf("fact argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Write this as a well-formed memory",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`The user said: %q

Turn this into a memory write:

1. REPHRASE it as one self-contained fact in third person, starting with
   "The user". Strip greetings, hedges, and anything session-specific.
   Keep it between 20 and 1000 characters.

2. PICK a category: identity (who they are), preferences (what they
   like), skills (what they can do), relationships (people around them),
   projects (what they build), history (what happened), working
   (current short-lived tasks).

3. PICK a level: semantic for stable facts, episodic for dated events,
   working for things that matter only right now.

4. CALL memory_read first with a query covering the same ground, then
   memory_write with honest importance and confidence scores. If the
   fact corrects an existing memory, use memory_update on that id
   instead of writing a near-duplicate.`, fact),
				},
			},
		},
	}, nil
}

func (s *Server) handleClientSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Mnesis memory workflow for LLM clients",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Mnesis, the user's local personal memory. It stores
durable facts about them so every conversation can start from what is
already known instead of from zero. Memory persists across clients: what
one assistant learns, the others can recall.

## The Pattern: Recall First, Capture Facts, Report Back

### At session start:
Call context_snapshot to load the Markdown digest of who the user is.
For specific questions later, call memory_read with a natural language
query.

### When the user states something durable:
Call memory_read to check what is stored, then memory_write with the
fact in third person ("The user ..."). One fact per write. If the fact
replaces an existing memory, call memory_update on that id instead.

### Near session end:
Call memory_feedback with the ids of memories you actually used. Used
memories rank higher next time; unused ones fade.

## Available Tools

- context_snapshot: Markdown digest for priming (use FIRST)
- memory_read: semantic search over stored memories
- memory_write: save one durable fact
- memory_update: rewrite a memory whose fact changed
- memory_delete: archive a memory the user wants forgotten
- memory_list: page through stored memories without ranking
- memory_feedback: report which memories were useful (use LAST)
- conversation_search: semantic search over imported transcripts
- conversation_list: page through imported transcripts

## Categories

- identity: name, location, occupation, core facts
- preferences: likes, dislikes, working style
- skills: languages, tools, expertise
- relationships: people and their roles in the user's life
- projects: what they are building or planning
- history: dated events worth remembering
- working: short-lived tasks (expire within a day)

## Levels

- semantic: stable facts expected to stay true
- episodic: events anchored to a date
- working: scratch state for the current stretch of work

## Scoring

Be honest with confidence (0.0-1.0): semantic writes below 0.85 go to a
review queue instead of straight into snapshots. Importance (0.0-1.0)
is how much the fact should influence future conversations, not how
sure you are of it.`,
				},
			},
		},
	}, nil
}
