package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, s store.Store) (*models.Codebase, *models.Conversation) {
	t.Helper()
	ctx := context.Background()

	cb := &models.Codebase{Name: "webapp", Path: "/repo/webapp"}
	require.NoError(t, s.CreateCodebase(ctx, cb))

	conv := &models.Conversation{
		Platform:               models.PlatformGitHub,
		PlatformConversationID: "issue-42",
		CodebaseID:             cb.ID,
		Cwd:                    cb.Path,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))
	return cb, conv
}

func TestResolve_CreatesSession(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")
	ctx := context.Background()

	sess, reset, err := m.Resolve(ctx, conv, cb.ID, "plan")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.NotEmpty(t, sess.ID)
	assert.True(t, sess.Active)
	assert.Empty(t, sess.ResumeToken)

	// A second resolve returns the same session.
	again, reset, err := m.Resolve(ctx, conv, cb.ID, "plan")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, sess.ID, again.ID)
}

func TestResolve_PhaseReset(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, conv, cb.ID, "plan")
	require.NoError(t, err)
	require.NoError(t, m.RecordResult(ctx, sess, "tok-plan", "plan"))

	// execute after plan starts a fresh session with no resume token.
	next, reset, err := m.Resolve(ctx, conv, cb.ID, "execute")
	require.NoError(t, err)
	assert.True(t, reset)
	assert.NotEqual(t, sess.ID, next.ID)
	assert.Empty(t, next.ResumeToken)

	old, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, old.Active)

	// execute after execute continues the same session.
	require.NoError(t, m.RecordResult(ctx, next, "tok-exec", "execute"))
	same, reset, err := m.Resolve(ctx, conv, cb.ID, "execute")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, next.ID, same.ID)
	assert.Equal(t, "tok-exec", same.ResumeToken)
}

func TestResolve_PhaseResetDisabled(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "", "")
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, conv, cb.ID, "plan")
	require.NoError(t, err)
	require.NoError(t, m.RecordResult(ctx, sess, "tok", "plan"))

	same, reset, err := m.Resolve(ctx, conv, cb.ID, "execute")
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, sess.ID, same.ID)
}

func TestRecordResult(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")
	ctx := context.Background()

	require.NoError(t, m.RequestResume(ctx, conv, cb.ID, "digest of prior work"))
	sess, _, err := m.Resolve(ctx, conv, cb.ID, "")
	require.NoError(t, err)
	require.NotNil(t, sess.Meta.ResumeRequested)

	require.NoError(t, m.RecordResult(ctx, sess, "tok-1", "plan"))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumeToken)
	assert.Equal(t, "plan", got.Meta.LastCommand)
	assert.Nil(t, got.Meta.ResumeRequested, "digest is prepended exactly once")

	// An empty token from the backend keeps the previous one.
	require.NoError(t, m.RecordResult(ctx, got, "", "plan"))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.ResumeToken)
}

func TestRequestResume_IncrementsCount(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")
	ctx := context.Background()

	require.NoError(t, m.RequestResume(ctx, conv, cb.ID, "first digest"))
	require.NoError(t, m.RequestResume(ctx, conv, cb.ID, "second digest"))

	active, err := s.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, active.Meta.ResumeRequested)
	assert.Equal(t, 2, active.Meta.ResumeRequested.Count)
	assert.Equal(t, "second digest", active.Meta.ResumeRequested.Digest)
}

func TestHealStaleDir(t *testing.T) {
	s := newTestStore(t)
	cb, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")
	ctx := context.Background()

	conv.WorktreePath = "/gone/worktree"
	conv.Cwd = "/gone/worktree"
	require.NoError(t, s.UpdateConversation(ctx, conv))

	sess, _, err := m.Resolve(ctx, conv, cb.ID, "")
	require.NoError(t, err)

	require.NoError(t, m.HealStaleDir(ctx, conv, cb))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorktreePath)
	assert.Equal(t, cb.Path, got.Cwd)

	ended, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active)

	// Healing again with no active session still succeeds.
	require.NoError(t, m.HealStaleDir(ctx, conv, cb))
}

func TestEnd_NoActiveSession(t *testing.T) {
	s := newTestStore(t)
	_, conv := newFixture(t, s)
	m := NewManager(s, "plan", "execute")

	assert.NoError(t, m.End(context.Background(), conv.ID))
}
