package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func promptRequest(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{
		Params: mcplib.GetPromptParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func promptText(t *testing.T, result *mcplib.GetPromptResult) string {
	t.Helper()
	require.NotEmpty(t, result.Messages)
	tc, ok := result.Messages[0].Content.(mcplib.TextContent)
	require.True(t, ok, "expected TextContent")
	return tc.Text
}

func TestSessionStartPrompt(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleSessionStartPrompt(ctx, promptRequest("session-start", nil))
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, "context_snapshot")
	assert.Contains(t, text, "memory_feedback")

	// The optional context argument threads into the instructions.
	result, err = s.handleSessionStartPrompt(ctx, promptRequest("session-start", map[string]string{
		"context": "work",
	}))
	require.NoError(t, err)
	assert.Contains(t, promptText(t, result), `context="work"`)
}

func TestCaptureMemoryPrompt(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	result, err := s.handleCaptureMemoryPrompt(ctx, promptRequest("capture-memory", map[string]string{
		"fact": "I switched the team to trunk-based development",
	}))
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, "I switched the team to trunk-based development")
	assert.Contains(t, text, "third person")
	assert.Contains(t, text, "memory_write")

	_, err = s.handleCaptureMemoryPrompt(ctx, promptRequest("capture-memory", nil))
	assert.Error(t, err)
}

func TestClientSetupPrompt(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleClientSetupPrompt(context.Background(), promptRequest("client-setup", nil))
	require.NoError(t, err)

	text := promptText(t, result)
	assert.Contains(t, text, "memory_read")
	assert.Contains(t, text, "memory_write")
	assert.Contains(t, text, "context_snapshot")
	assert.Contains(t, text, "memory_feedback")
}
