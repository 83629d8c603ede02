package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mnesis-ai/mnesis/internal/model"
)

func (s *Server) registerResources() {
	// mnesis://snapshot/current — the context snapshot as a readable resource.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mnesis://snapshot/current",
			"Context Snapshot",
			mcplib.WithResourceDescription("Markdown digest of the user's memory, budgeted for a system prompt"),
			mcplib.WithMIMEType("text/markdown"),
		),
		s.handleSnapshotResource,
	)

	// mnesis://memories/recent — most recently created memories.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mnesis://memories/recent",
			"Recent Memories",
			mcplib.WithResourceDescription("The most recently stored memories, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentMemories,
	)

	// mnesis://memory/{id}/history — one memory's journal and prior versions.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"mnesis://memory/{id}/history",
			"Memory History",
			mcplib.WithTemplateDescription("Event journal and prior content versions for one memory"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMemoryHistory,
	)
}

func (s *Server) handleSnapshotResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	md, err := s.core.Snapshot(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("mcp: snapshot resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mnesis://snapshot/current",
			MIMEType: "text/markdown",
			Text:     md,
		},
	}, nil
}

func (s *Server) handleRecentMemories(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	views, total, err := s.core.List(ctx, model.ListFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent memories: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"memories": compactMemories(views),
		"total":    total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal recent memories: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mnesis://memories/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMemoryHistory(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Extract the id from mnesis://memory/{id}/history.
	uri := request.Params.URI
	id := strings.TrimSuffix(strings.TrimPrefix(uri, "mnesis://memory/"), "/history")
	if id == "" || id == uri {
		return nil, fmt.Errorf("mcp: invalid memory history URI: %s", uri)
	}

	events, err := s.core.Events(ctx, id, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory events: %w", err)
	}
	versions, err := s.core.Versions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: memory versions: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"memory_id": id,
		"events":    events,
		"versions":  versions,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal history: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
