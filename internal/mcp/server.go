// Package mcp exposes the relay data layer and dispatch operations as MCP
// tools, so an agent can inspect and drive the coordinator.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/relay/internal/lifecycle"
	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/orchestrator"
	"github.com/joescharf/relay/internal/store"
)

// Server wraps the relay data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	orch  *orchestrator.Orchestrator
}

// NewServer creates the MCP server wrapper.
func NewServer(s store.Store, orch *orchestrator.Orchestrator) *Server {
	return &Server{store: s, orch: orch}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("relay", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listCodebasesTool())
	srv.AddTool(s.listConversationsTool())
	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.dispatchTool())
	srv.AddTool(s.closeThreadTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// relay_list_codebases
func (s *Server) listCodebasesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("relay_list_codebases",
		mcp.WithDescription("List all registered codebases. Returns a JSON array with id, name, path, repo_url, and the names of any command templates."),
	)
	return tool, s.handleListCodebases
}

func (s *Server) handleListCodebases(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	codebases, err := s.store.ListCodebases(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list codebases: %v", err)), nil
	}

	type codebaseOut struct {
		ID       string   `json:"id"`
		Name     string   `json:"name"`
		Path     string   `json:"path"`
		RepoURL  string   `json:"repo_url,omitempty"`
		Commands []string `json:"commands"`
	}

	out := make([]codebaseOut, len(codebases))
	for i, c := range codebases {
		names := make([]string, 0, len(c.Commands))
		for name := range c.Commands {
			names = append(names, name)
		}
		out[i] = codebaseOut{
			ID:       c.ID,
			Name:     c.Name,
			Path:     c.Path,
			RepoURL:  c.RepoURL,
			Commands: names,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal codebases: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// relay_list_conversations
func (s *Server) listConversationsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("relay_list_conversations",
		mcp.WithDescription("List conversations, optionally filtered by codebase name. Returns a JSON array with platform, surface conversation id, working directory, and worktree path."),
		mcp.WithString("codebase", mcp.Description("Codebase name to filter by")),
	)
	return tool, s.handleListConversations
}

func (s *Server) handleListConversations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var codebaseID string
	if name := request.GetString("codebase", ""); name != "" {
		c, err := s.store.GetCodebaseByName(ctx, name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("codebase not found: %s", name)), nil
		}
		codebaseID = c.ID
	}

	conversations, err := s.store.ListConversations(ctx, codebaseID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list conversations: %v", err)), nil
	}

	type conversationOut struct {
		ID             string `json:"id"`
		Platform       string `json:"platform"`
		ConversationID string `json:"conversation_id"`
		CodebaseID     string `json:"codebase_id,omitempty"`
		Cwd            string `json:"cwd,omitempty"`
		WorktreePath   string `json:"worktree_path,omitempty"`
		CreatedAt      string `json:"created_at"`
	}

	out := make([]conversationOut, len(conversations))
	for i, c := range conversations {
		out[i] = conversationOut{
			ID:             c.ID,
			Platform:       string(c.Platform),
			ConversationID: c.PlatformConversationID,
			CodebaseID:     c.CodebaseID,
			Cwd:            c.Cwd,
			WorktreePath:   c.WorktreePath,
			CreatedAt:      c.CreatedAt.Format(time.RFC3339),
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal conversations: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// relay_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("relay_list_sessions",
		mcp.WithDescription("List agent sessions for a conversation. Returns a JSON array with active flag, resume token presence, last command, and timestamps."),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Internal conversation ID")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conversation_id"), nil
	}

	sessions, err := s.store.ListSessions(ctx, conversationID, 50)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}

	type sessionOut struct {
		ID          string `json:"id"`
		Active      bool   `json:"active"`
		HasToken    bool   `json:"has_resume_token"`
		LastCommand string `json:"last_command,omitempty"`
		StartedAt   string `json:"started_at"`
		EndedAt     string `json:"ended_at,omitempty"`
	}

	out := make([]sessionOut, len(sessions))
	for i, sess := range sessions {
		out[i] = sessionOut{
			ID:          sess.ID,
			Active:      sess.Active,
			HasToken:    sess.ResumeToken != "",
			LastCommand: sess.Meta.LastCommand,
			StartedAt:   sess.StartedAt.Format(time.RFC3339),
		}
		if sess.EndedAt != nil {
			out[i].EndedAt = sess.EndedAt.Format(time.RFC3339)
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal sessions: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// relay_dispatch
func (s *Server) dispatchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("relay_dispatch",
		mcp.WithDescription("Dispatch a prompt to the coding agent on behalf of a conversation. Resolves the conversation's codebase, worktree, and session, then runs the agent to completion."),
		mcp.WithString("platform", mcp.Required(), mcp.Description("Surface platform: github, slack, discord, web, cli")),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Surface-native conversation ID")),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("Prompt text for the agent")),
		mcp.WithString("command", mcp.Description("Agent-directed command name, e.g. plan or execute")),
		mcp.WithString("codebase", mcp.Description("Codebase name, links the conversation on first contact")),
	)
	return tool, s.handleDispatch
}

func (s *Server) handleDispatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	platform, err := request.RequireString("platform")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: platform"), nil
	}
	conversationID, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conversation_id"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: prompt"), nil
	}

	req := orchestrator.Request{
		Platform:               models.Platform(platform),
		PlatformConversationID: conversationID,
		Prompt:                 prompt,
		Command:                request.GetString("command", ""),
		CodebaseName:           request.GetString("codebase", ""),
	}
	if err := s.orch.HandleRequest(ctx, req); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispatch failed: %v", err)), nil
	}

	result := map[string]any{
		"status":          "handled",
		"conversation_id": conversationID,
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// relay_close_thread
func (s *Server) closeThreadTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("relay_close_thread",
		mcp.WithDescription("Handle an issue or PR close/merge: ends the active session and removes the worktree unless other conversations still reference it or it has uncommitted changes."),
		mcp.WithString("platform", mcp.Required(), mcp.Description("Surface platform: github, slack, discord, web, cli")),
		mcp.WithNumber("number", mcp.Required(), mcp.Description("Issue or PR number")),
		mcp.WithBoolean("is_pull_request", mcp.Description("Whether the number refers to a pull request")),
	)
	return tool, s.handleCloseThread
}

func (s *Server) handleCloseThread(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	platform, err := request.RequireString("platform")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: platform"), nil
	}
	number, err := request.RequireInt("number")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: number"), nil
	}
	isPR := request.GetBool("is_pull_request", false)

	ev := orchestrator.CloseEvent{
		Platform: models.Platform(platform),
		Number:   number,
		IsPR:     isPR,
	}
	if err := s.orch.HandleClose(ctx, ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("no conversation for %s", threadLabel(number, isPR))), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("close failed: %v", err)), nil
	}

	result := map[string]any{
		"status": "closed",
		"thread": threadLabel(number, isPR),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

func threadLabel(number int, isPR bool) string {
	if isPR {
		return lifecycle.PullThreadID(number)
	}
	return lifecycle.IssueThreadID(number)
}
