// Package sessions implements the session-continuity state machine: one
// logical, resumable agent dialogue per conversation.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/store"
)

// Manager resolves, resets, and heals sessions for conversations.
type Manager struct {
	store store.Store

	// planCommand/executeCommand define the two-phase workflow boundary.
	// Running executeCommand right after a session whose last command was
	// planCommand intentionally discards agent-side continuity.
	planCommand    string
	executeCommand string
}

// NewManager creates a session manager. plan and execute name the two-phase
// workflow commands; either may be empty to disable phase-reset detection.
func NewManager(s store.Store, plan, execute string) *Manager {
	return &Manager{store: s, planCommand: plan, executeCommand: execute}
}

// Resolve returns the session the next agent invocation should use, creating
// one when the conversation has none. The returned bool reports whether a
// phase-reset occurred (the prior session was ended and a fresh one, with no
// resume token, was started).
func (m *Manager) Resolve(ctx context.Context, conv *models.Conversation, codebaseID, command string) (*models.Session, bool, error) {
	active, err := m.store.GetActiveSession(ctx, conv.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	if active == nil || errors.Is(err, store.ErrNotFound) {
		sess := &models.Session{
			ConversationID: conv.ID,
			CodebaseID:     codebaseID,
			Active:         true,
		}
		if err := m.store.CreateSession(ctx, sess); err != nil {
			return nil, false, fmt.Errorf("create session: %w", err)
		}
		return sess, false, nil
	}

	if m.isPhaseBoundary(active, command) {
		next := &models.Session{
			ConversationID: conv.ID,
			CodebaseID:     codebaseID,
			Active:         true,
		}
		if err := m.store.ReplaceActiveSession(ctx, conv.ID, next); err != nil {
			return nil, false, fmt.Errorf("phase reset: %w", err)
		}
		return next, true, nil
	}

	return active, false, nil
}

// isPhaseBoundary reports whether command crosses the planning→execution
// boundary relative to the session's recorded last command.
func (m *Manager) isPhaseBoundary(active *models.Session, command string) bool {
	if m.planCommand == "" || m.executeCommand == "" {
		return false
	}
	return command == m.executeCommand && active.Meta.LastCommand == m.planCommand
}

// HealStaleDir handles a working directory that vanished from disk: the
// active session is ended, the conversation's worktree reference is cleared,
// and its cwd falls back to the codebase's canonical path. Safe to call when
// no session is active, so consecutive stale requests both succeed.
func (m *Manager) HealStaleDir(ctx context.Context, conv *models.Conversation, codebase *models.Codebase) error {
	if err := m.End(ctx, conv.ID); err != nil {
		return err
	}
	conv.WorktreePath = ""
	conv.Cwd = codebase.Path
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("reset conversation directory: %w", err)
	}
	return nil
}

// End deactivates the conversation's active session, if any.
func (m *Manager) End(ctx context.Context, conversationID string) error {
	active, err := m.store.GetActiveSession(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	active.Active = false
	active.EndedAt = &now
	if err := m.store.UpdateSession(ctx, active); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordResult persists the backend's new resume token and the invoked
// command name after a completed request. A pending resume digest is cleared:
// it is prepended to a prompt exactly once.
func (m *Manager) RecordResult(ctx context.Context, sess *models.Session, resumeToken, command string) error {
	if resumeToken != "" {
		sess.ResumeToken = resumeToken
	}
	if command != "" {
		sess.Meta.LastCommand = command
	}
	sess.Meta.ResumeRequested = nil
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("record session result: %w", err)
	}
	return nil
}

// RequestResume marks the conversation's active session (creating one if
// needed) with a resume request carrying a digest of prior history.
func (m *Manager) RequestResume(ctx context.Context, conv *models.Conversation, codebaseID, digest string) error {
	active, err := m.store.GetActiveSession(ctx, conv.ID)
	if errors.Is(err, store.ErrNotFound) {
		sess := &models.Session{
			ConversationID: conv.ID,
			CodebaseID:     codebaseID,
			Active:         true,
			Meta: models.SessionMeta{
				ResumeRequested: &models.ResumeRequest{Count: 1, Digest: digest},
			},
		}
		return m.store.CreateSession(ctx, sess)
	}
	if err != nil {
		return err
	}

	count := 1
	if active.Meta.ResumeRequested != nil {
		count = active.Meta.ResumeRequested.Count + 1
	}
	active.Meta.ResumeRequested = &models.ResumeRequest{Count: count, Digest: digest}
	return m.store.UpdateSession(ctx, active)
}
