package store

import (
	"context"
	"errors"

	"github.com/joescharf/relay/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for relay.
type Store interface {
	// Codebases
	CreateCodebase(ctx context.Context, c *models.Codebase) error
	GetCodebase(ctx context.Context, id string) (*models.Codebase, error)
	GetCodebaseByName(ctx context.Context, name string) (*models.Codebase, error)
	ListCodebases(ctx context.Context) ([]*models.Codebase, error)
	UpdateCodebase(ctx context.Context, c *models.Codebase) error
	// DeleteCodebase removes the codebase and unlinks every conversation and
	// session that referenced it, in one transaction.
	DeleteCodebase(ctx context.Context, id string) error

	// Conversations
	CreateConversation(ctx context.Context, c *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetConversationByPlatform(ctx context.Context, platform models.Platform, platformConversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, codebaseID string) ([]*models.Conversation, error)
	ListConversationsByWorktreePath(ctx context.Context, path string) ([]*models.Conversation, error)
	UpdateConversation(ctx context.Context, c *models.Conversation) error

	// ReleaseWorktree clears the conversation's worktree reference, resets its
	// cwd to resetCwd, and counts the conversations still referencing the same
	// path, all inside one transaction, so release-and-check-empty is atomic.
	// Returns the released path ("" if the conversation held none) and the
	// number of remaining referents.
	ReleaseWorktree(ctx context.Context, conversationID, resetCwd string) (path string, remaining int, err error)

	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// GetActiveSession returns the conversation's active session, or
	// ErrNotFound when there is none.
	GetActiveSession(ctx context.Context, conversationID string) (*models.Session, error)
	ListSessions(ctx context.Context, conversationID string, limit int) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	// ReplaceActiveSession deactivates any active session for the
	// conversation and creates next as the new active one, as a single
	// logical step.
	ReplaceActiveSession(ctx context.Context, conversationID string, next *models.Session) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
