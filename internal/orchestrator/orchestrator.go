// Package orchestrator is the single entry point for inbound user requests:
// it resolves the conversation, codebase, worktree, and session, invokes the
// agent backend, and delivers the output through the surface's messenger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/relay/internal/agent"
	"github.com/joescharf/relay/internal/lifecycle"
	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/sessions"
	"github.com/joescharf/relay/internal/store"
	"github.com/joescharf/relay/internal/surface"
	"github.com/joescharf/relay/internal/worktree"
)

// Summarizer condenses a transcript into a short digest for resumed
// conversations. Implemented by llm.Client.
type Summarizer interface {
	SummarizeTranscript(ctx context.Context, transcript string) (string, error)
}

// Request is one inbound user request from any surface.
type Request struct {
	Platform               models.Platform
	PlatformConversationID string
	Prompt                 string
	Command                string // agent-directed command name, "" for plain prompts
	CodebaseName           string // links the conversation on first contact, optional
	Issue                  *lifecycle.IssueEvent
}

// CloseEvent signals that an issue or pull request was closed or merged.
type CloseEvent struct {
	Platform models.Platform
	Number   int
	IsPR     bool
}

// Orchestrator wires the coordination core together.
type Orchestrator struct {
	store      store.Store
	sessions   *sessions.Manager
	lifecycle  *lifecycle.Coordinator
	querier    agent.Querier
	messenger  surface.Messenger
	summarizer Summarizer // may be nil
	logger     *slog.Logger
}

// New creates an Orchestrator. summarizer may be nil, in which case resume
// requests carry the raw transcript head instead of an LLM digest.
func New(s store.Store, sm *sessions.Manager, lc *lifecycle.Coordinator, q agent.Querier, m surface.Messenger, sum Summarizer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      s,
		sessions:   sm,
		lifecycle:  lc,
		querier:    q,
		messenger:  m,
		summarizer: sum,
		logger:     logger,
	}
}

// HandleRequest processes one user request end to end. User-visible failures
// (no codebase, worktree creation, backend errors) are reported through the
// messenger; the returned error is for the caller's logs.
func (o *Orchestrator) HandleRequest(ctx context.Context, req Request) error {
	conv, err := o.loadOrCreateConversation(ctx, req)
	if err != nil {
		return err
	}

	codebase, err := o.resolveCodebase(ctx, conv, req.CodebaseName)
	if err != nil {
		return err
	}
	if codebase == nil {
		o.send(ctx, conv.PlatformConversationID,
			"No codebase is linked to this conversation yet. Link one first, then retry.")
		return nil
	}

	if req.Issue != nil {
		if _, err := o.lifecycle.EnsureWorktree(ctx, conv, codebase, *req.Issue); err != nil {
			var ce *worktree.CreateError
			if errors.As(err, &ce) {
				o.send(ctx, conv.PlatformConversationID, fmt.Sprintf(
					"Could not prepare a worktree for branch %q. Resolve the conflict (an existing branch or directory is in the way) and retry.", ce.Branch))
				o.logger.Error("worktree creation failed",
					"conversation", conv.ID, "branch", ce.Branch, "error", err)
				return nil
			}
			return err
		}
	}

	dir := firstNonEmpty(conv.WorktreePath, conv.Cwd, codebase.Path)
	if _, statErr := os.Stat(dir); statErr != nil {
		// The directory vanished behind our back. Heal and fall back to the
		// codebase's canonical path for this request.
		o.logger.Warn("working directory missing, healing",
			"conversation", conv.ID, "dir", dir)
		if err := o.sessions.HealStaleDir(ctx, conv, codebase); err != nil {
			return err
		}
		dir = codebase.Path
	}

	sess, reset, err := o.sessions.Resolve(ctx, conv, codebase.ID, req.Command)
	if err != nil {
		return err
	}
	if reset {
		o.logger.Info("session phase reset",
			"conversation", conv.ID, "session", sess.ID, "command", req.Command)
	}

	prompt := o.buildPrompt(dir, codebase, req, sess)

	stream, err := o.querier.Query(ctx, agent.QueryRequest{
		Prompt:      prompt,
		Dir:         dir,
		ResumeToken: sess.ResumeToken,
	})
	if err != nil {
		return o.reportBackendError(ctx, conv, err)
	}

	result, err := o.drain(ctx, conv.PlatformConversationID, stream)
	if err != nil {
		return o.reportBackendError(ctx, conv, err)
	}
	if result.IsError {
		return o.reportBackendError(ctx, conv, fmt.Errorf("agent result: %s", result.Text))
	}

	if err := o.sessions.RecordResult(ctx, sess, result.ResumeToken, req.Command); err != nil {
		return err
	}
	return nil
}

// HandleClose tears down the conversation's worktree for a closed or merged
// issue/PR, subject to reference counting and the dirty-state guard.
func (o *Orchestrator) HandleClose(ctx context.Context, ev CloseEvent) error {
	threadID := lifecycle.IssueThreadID(ev.Number)
	if ev.IsPR {
		threadID = lifecycle.PullThreadID(ev.Number)
	}

	conv, err := o.store.GetConversationByPlatform(ctx, ev.Platform, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.CodebaseID == "" || conv.WorktreePath == "" {
		return o.sessions.End(ctx, conv.ID)
	}

	codebase, err := o.store.GetCodebase(ctx, conv.CodebaseID)
	if err != nil {
		return err
	}

	res, err := o.lifecycle.Release(ctx, conv, codebase)
	if err != nil {
		return err
	}
	if res.Dirty {
		o.send(ctx, conv.PlatformConversationID, fmt.Sprintf(
			"Worktree %s has uncommitted changes and was left in place.", res.Path))
	}
	return nil
}

// RequestResume marks the conversation for resumption, digesting transcript
// (when a summarizer is configured) so the next prompt carries prior context.
func (o *Orchestrator) RequestResume(ctx context.Context, platform models.Platform, platformConversationID, transcript string) error {
	conv, err := o.store.GetConversationByPlatform(ctx, platform, platformConversationID)
	if err != nil {
		return err
	}
	if conv.CodebaseID == "" {
		return fmt.Errorf("conversation %s has no linked codebase", conv.ID)
	}

	digest := transcript
	if o.summarizer != nil && transcript != "" {
		summary, err := o.summarizer.SummarizeTranscript(ctx, transcript)
		if err != nil {
			// The digest is best effort; resume still works without it.
			o.logger.Warn("transcript summarization failed", "error", err)
		} else {
			digest = summary
		}
	}
	return o.sessions.RequestResume(ctx, conv, conv.CodebaseID, digest)
}

// loadOrCreateConversation returns the conversation for the surface-native id,
// creating it on first contact.
func (o *Orchestrator) loadOrCreateConversation(ctx context.Context, req Request) (*models.Conversation, error) {
	conv, err := o.store.GetConversationByPlatform(ctx, req.Platform, req.PlatformConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &models.Conversation{
		Platform:               req.Platform,
		PlatformConversationID: req.PlatformConversationID,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// resolveCodebase returns the conversation's linked codebase, linking one by
// name on first contact. Returns (nil, nil) when no codebase can be resolved.
func (o *Orchestrator) resolveCodebase(ctx context.Context, conv *models.Conversation, name string) (*models.Codebase, error) {
	if conv.CodebaseID != "" {
		return o.store.GetCodebase(ctx, conv.CodebaseID)
	}
	if name == "" {
		return nil, nil
	}

	codebase, err := o.store.GetCodebaseByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conv.CodebaseID = codebase.ID
	if conv.Cwd == "" {
		conv.Cwd = codebase.Path
	}
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("link codebase: %w", err)
	}
	return codebase, nil
}

// buildPrompt assembles the final agent prompt: the command's template body
// (when the codebase defines one), then a pending resume digest, then the
// user's text.
func (o *Orchestrator) buildPrompt(dir string, codebase *models.Codebase, req Request, sess *models.Session) string {
	var parts []string

	if req.Command != "" {
		if tmpl, ok := codebase.Commands[req.Command]; ok && tmpl.Path != "" {
			body, err := os.ReadFile(filepath.Join(dir, tmpl.Path))
			if err != nil {
				o.logger.Warn("command template unreadable",
					"command", req.Command, "path", tmpl.Path, "error", err)
			} else {
				parts = append(parts, strings.TrimSpace(string(body)))
			}
		}
	}

	if rr := sess.Meta.ResumeRequested; rr != nil && rr.Digest != "" {
		parts = append(parts,
			"Context from the previous conversation:\n"+rr.Digest)
	}

	if req.Prompt != "" {
		parts = append(parts, req.Prompt)
	}
	return strings.Join(parts, "\n\n")
}

// reportBackendError sends the classified, detail-free message to the user
// and returns the underlying error for the caller's logs.
func (o *Orchestrator) reportBackendError(ctx context.Context, conv *models.Conversation, err error) error {
	cat := classifyBackendError(err)
	o.send(ctx, conv.PlatformConversationID, userMessage(cat))
	o.logger.Error("agent backend error",
		"conversation", conv.ID, "category", string(cat), "error", err)
	return err
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
