package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestInferProjectFromRoots(t *testing.T) {
	tests := []struct {
		name  string
		roots []mcplib.Root
		want  string
	}{
		{
			name: "plain workspace path",
			roots: []mcplib.Root{
				{URI: "file:///home/ada/code/homeboard"},
			},
			want: "homeboard",
		},
		{
			name: "trailing slash",
			roots: []mcplib.Root{
				{URI: "file:///home/ada/code/homeboard/"},
			},
			want: "homeboard",
		},
		{
			name: "skips non-file schemes",
			roots: []mcplib.Root{
				{URI: "https://example.com/repo"},
				{URI: "file:///srv/projects/mnesis"},
			},
			want: "mnesis",
		},
		{
			name: "root directory yields nothing",
			roots: []mcplib.Root{
				{URI: "file:///"},
			},
			want: "",
		},
		{
			name:  "no roots",
			roots: nil,
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferProjectFromRoots(tt.roots))
		})
	}
}

func TestRootsCache(t *testing.T) {
	cache := newRootsCache()

	_, ok := cache.Get("sess-1")
	assert.False(t, ok)

	roots := []mcplib.Root{{URI: "file:///srv/projects/mnesis"}}
	cache.Set("sess-1", roots)

	got, ok := cache.Get("sess-1")
	assert.True(t, ok)
	assert.Equal(t, roots, got)

	// A cached empty result is still a hit, so failed list-roots calls are
	// not retried on every write.
	cache.Set("sess-2", []mcplib.Root{})
	got, ok = cache.Get("sess-2")
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestRequestRootsWithoutSession(t *testing.T) {
	s := newTestServer(t)

	// Outside a live MCP session there is no client to ask.
	assert.Nil(t, s.requestRoots(context.Background()))
}
