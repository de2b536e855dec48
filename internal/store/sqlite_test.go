package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/relay/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCodebase(t *testing.T, s *SQLiteStore, name string) *models.Codebase {
	t.Helper()
	c := &models.Codebase{Name: name, Path: "/tmp/" + name}
	require.NoError(t, s.CreateCodebase(context.Background(), c))
	return c
}

func newTestConversation(t *testing.T, s *SQLiteStore, codebaseID, threadID string) *models.Conversation {
	t.Helper()
	c := &models.Conversation{
		Platform:               models.PlatformGitHub,
		PlatformConversationID: threadID,
		CodebaseID:             codebaseID,
	}
	require.NoError(t, s.CreateConversation(context.Background(), c))
	return c
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Running migrate again should be a no-op
	err := s.Migrate(ctx)
	assert.NoError(t, err)
}

// --- Codebase CRUD ---

func TestCodebaseCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Create
	c := &models.Codebase{
		Name:    "webapp",
		Path:    "/home/dev/webapp",
		RepoURL: "https://github.com/test/webapp",
		Commands: map[string]models.CommandTemplate{
			"plan": {Name: "plan", Path: ".relay/plan.md", Description: "Plan a change"},
		},
	}
	err := s.CreateCodebase(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.False(t, c.CreatedAt.IsZero())

	// Get by ID
	got, err := s.GetCodebase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Name, got.Name)
	assert.Equal(t, c.Path, got.Path)
	assert.Equal(t, c.RepoURL, got.RepoURL)
	require.Contains(t, got.Commands, "plan")
	assert.Equal(t, ".relay/plan.md", got.Commands["plan"].Path)

	// Get by name
	got, err = s.GetCodebaseByName(ctx, "webapp")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	// List
	list, err := s.ListCodebases(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Update
	got.RepoURL = "https://github.com/test/webapp2"
	got.Commands["execute"] = models.CommandTemplate{Name: "execute", Path: ".relay/execute.md"}
	err = s.UpdateCodebase(ctx, got)
	require.NoError(t, err)

	got, err = s.GetCodebase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/test/webapp2", got.RepoURL)
	assert.Len(t, got.Commands, 2)

	// Delete
	err = s.DeleteCodebase(ctx, c.ID)
	require.NoError(t, err)

	_, err = s.GetCodebase(ctx, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCodebaseUniqueName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestCodebase(t, s, "dup")
	err := s.CreateCodebase(ctx, &models.Codebase{Name: "dup", Path: "/elsewhere"})
	assert.Error(t, err)
}

func TestDeleteCodebase_UnlinksConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")
	conv := newTestConversation(t, s, cb.ID, "issue-1")
	conv.WorktreePath = "/tmp/webapp.worktrees/issue-1"
	conv.Cwd = conv.WorktreePath
	require.NoError(t, s.UpdateConversation(ctx, conv))

	sess := &models.Session{ConversationID: conv.ID, CodebaseID: cb.ID, Active: true}
	require.NoError(t, s.CreateSession(ctx, sess))

	require.NoError(t, s.DeleteCodebase(ctx, cb.ID))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CodebaseID)
	assert.Empty(t, got.WorktreePath)
	assert.Empty(t, got.Cwd)

	_, err = s.GetActiveSession(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	ended, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)
	assert.NotNil(t, ended.EndedAt)
}

// --- Conversations ---

func TestConversationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")

	c := &models.Conversation{
		Platform:               models.PlatformSlack,
		PlatformConversationID: "C12345/171234.5678",
		CodebaseID:             cb.ID,
		Cwd:                    cb.Path,
	}
	err := s.CreateConversation(ctx, c)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlatformSlack, got.Platform)
	assert.Equal(t, c.PlatformConversationID, got.PlatformConversationID)
	assert.Equal(t, cb.Path, got.Cwd)

	got, err = s.GetConversationByPlatform(ctx, models.PlatformSlack, "C12345/171234.5678")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = s.GetConversationByPlatform(ctx, models.PlatformGitHub, "C12345/171234.5678")
	assert.ErrorIs(t, err, ErrNotFound, "identity includes the platform")

	got.WorktreePath = "/tmp/wt"
	require.NoError(t, s.UpdateConversation(ctx, got))

	got, err = s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/wt", got.WorktreePath)
}

func TestConversationUniquePerPlatformThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newTestConversation(t, s, "", "issue-7")
	err := s.CreateConversation(ctx, &models.Conversation{
		Platform:               models.PlatformGitHub,
		PlatformConversationID: "issue-7",
	})
	assert.Error(t, err)

	// Same thread id on a different platform is a distinct conversation.
	err = s.CreateConversation(ctx, &models.Conversation{
		Platform:               models.PlatformSlack,
		PlatformConversationID: "issue-7",
	})
	assert.NoError(t, err)
}

func TestListConversationsByWorktreePath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")
	path := "/tmp/webapp.worktrees/issue-42"

	issueConv := newTestConversation(t, s, cb.ID, "issue-42")
	issueConv.WorktreePath = path
	require.NoError(t, s.UpdateConversation(ctx, issueConv))

	prConv := newTestConversation(t, s, cb.ID, "pr-50")
	prConv.WorktreePath = path
	require.NoError(t, s.UpdateConversation(ctx, prConv))

	newTestConversation(t, s, cb.ID, "issue-99")

	list, err := s.ListConversationsByWorktreePath(ctx, path)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListConversationsByWorktreePath(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list, "empty path never matches")
}

// --- ReleaseWorktree ---

func TestReleaseWorktree_SharedPath(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")
	path := "/tmp/webapp.worktrees/issue-42"

	issueConv := newTestConversation(t, s, cb.ID, "issue-42")
	issueConv.WorktreePath = path
	issueConv.Cwd = path
	require.NoError(t, s.UpdateConversation(ctx, issueConv))

	prConv := newTestConversation(t, s, cb.ID, "pr-50")
	prConv.WorktreePath = path
	prConv.Cwd = path
	require.NoError(t, s.UpdateConversation(ctx, prConv))

	// First release: the other conversation still references the path.
	got, remaining, err := s.ReleaseWorktree(ctx, issueConv.ID, cb.Path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, 1, remaining)

	reloaded, err := s.GetConversation(ctx, issueConv.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.WorktreePath)
	assert.Equal(t, cb.Path, reloaded.Cwd)

	// Second release: no referents left.
	got, remaining, err = s.ReleaseWorktree(ctx, prConv.ID, cb.Path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, 0, remaining)
}

func TestReleaseWorktree_NoWorktree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation(t, s, "", "issue-1")

	path, remaining, err := s.ReleaseWorktree(ctx, conv.ID, "/repo")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Zero(t, remaining)
}

func TestReleaseWorktree_ConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.ReleaseWorktree(context.Background(), "missing", "/repo")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- Sessions ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")
	conv := newTestConversation(t, s, cb.ID, "issue-1")

	sess := &models.Session{
		ConversationID: conv.ID,
		CodebaseID:     cb.ID,
		Active:         true,
		Meta: models.SessionMeta{
			LastCommand: "plan",
			ResumeRequested: &models.ResumeRequest{
				Count:  2,
				Digest: "user asked for a refactor of the parser",
			},
		},
	}
	err := s.CreateSession(ctx, sess)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.False(t, sess.StartedAt.IsZero())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.Equal(t, "plan", got.Meta.LastCommand)
	require.NotNil(t, got.Meta.ResumeRequested)
	assert.Equal(t, 2, got.Meta.ResumeRequested.Count)
	assert.Equal(t, "user asked for a refactor of the parser", got.Meta.ResumeRequested.Digest)

	active, err := s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, active.ID)

	active.ResumeToken = "tok-123"
	active.Meta.ResumeRequested = nil
	require.NoError(t, s.UpdateSession(ctx, active))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got.ResumeToken)
	assert.Nil(t, got.Meta.ResumeRequested)

	list, err := s.ListSessions(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetActiveSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetActiveSession(context.Background(), "no-such-conversation")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceActiveSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := newTestCodebase(t, s, "webapp")
	conv := newTestConversation(t, s, cb.ID, "issue-1")

	old := &models.Session{
		ConversationID: conv.ID,
		CodebaseID:     cb.ID,
		Active:         true,
		ResumeToken:    "tok-old",
		Meta:           models.SessionMeta{LastCommand: "plan"},
	}
	require.NoError(t, s.CreateSession(ctx, old))

	next := &models.Session{CodebaseID: cb.ID}
	require.NoError(t, s.ReplaceActiveSession(ctx, conv.ID, next))
	assert.NotEmpty(t, next.ID)

	// Exactly one active session, and it is the fresh one with no token.
	active, err := s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, active.ID)
	assert.Empty(t, active.ResumeToken)

	ended, err := s.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)
	assert.NotNil(t, ended.EndedAt)

	list, err := s.ListSessions(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	activeCount := 0
	for _, sess := range list {
		if sess.Active {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}
