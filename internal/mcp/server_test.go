package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewServer(s, nil), s
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.False(t, res.IsError, "tool call failed: %+v", res.Content)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestHandleListCodebases(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	cb := &models.Codebase{
		Name: "webapp",
		Path: "/repo/webapp",
		Commands: map[string]models.CommandTemplate{
			"plan": {Name: "plan", Path: ".relay/plan.md"},
		},
	}
	require.NoError(t, s.CreateCodebase(ctx, cb))

	res, err := srv.handleListCodebases(ctx, mcp.CallToolRequest{})
	require.NoError(t, err)

	var out []struct {
		Name     string   `json:"name"`
		Path     string   `json:"path"`
		Commands []string `json:"commands"`
	}
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "webapp", out[0].Name)
	assert.Equal(t, []string{"plan"}, out[0].Commands)
}

func TestHandleListSessions_MissingParam(t *testing.T) {
	srv, _ := newTestServer(t)

	res, err := srv.handleListSessions(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err, "tool errors are reported in-band")
	assert.True(t, res.IsError)
}

func TestMCPServer_RegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NotNil(t, srv.MCPServer())
}

func TestThreadLabel(t *testing.T) {
	assert.Equal(t, "issue-42", threadLabel(42, false))
	assert.Equal(t, "pr-42", threadLabel(42, true))
}
