package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/sessions"
	"github.com/joescharf/relay/internal/store"
	"github.com/joescharf/relay/internal/worktree"
)

// fakeWorktrees records worktree operations without touching git.
type fakeWorktrees struct {
	existing  map[string]bool // paths IsWorktree reports true for
	created   []string
	removed   []string
	createErr error
	removeErr error
}

func newFakeWorktrees() *fakeWorktrees {
	return &fakeWorktrees{existing: map[string]bool{}}
}

func (f *fakeWorktrees) IsWorktree(path string) bool { return f.existing[path] }

func (f *fakeWorktrees) CreateForIssue(repoPath string, number int, isPullRequest bool, headRef, headSHA string) (*worktree.Info, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := fmt.Sprintf("issue-%d", number)
	if isPullRequest {
		name = fmt.Sprintf("pr-%d", number)
	}
	path := filepath.Join(repoPath+".worktrees", name)
	f.created = append(f.created, path)
	f.existing[path] = true
	return &worktree.Info{Path: path, Branch: name}, nil
}

func (f *fakeWorktrees) Remove(repoPath, worktreePath string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, worktreePath)
	delete(f.existing, worktreePath)
	return nil
}

// fakeLinks resolves PR numbers to fixed linked issues.
type fakeLinks struct {
	linked map[int][]int
	err    error
}

func (f *fakeLinks) LinkedIssues(_ context.Context, _ *models.Codebase, prNumber int) ([]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.linked[prNumber], nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store    store.Store
	wt       *fakeWorktrees
	sessions *sessions.Manager
	codebase *models.Codebase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	cb := &models.Codebase{Name: "webapp", Path: "/repo/webapp"}
	require.NoError(t, s.CreateCodebase(ctx, cb))

	return &fixture{
		store:    s,
		wt:       newFakeWorktrees(),
		sessions: sessions.NewManager(s, "plan", "execute"),
		codebase: cb,
	}
}

func (f *fixture) conversation(t *testing.T, threadID string) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{
		Platform:               models.PlatformGitHub,
		PlatformConversationID: threadID,
		CodebaseID:             f.codebase.ID,
		Cwd:                    f.codebase.Path,
	}
	require.NoError(t, f.store.CreateConversation(context.Background(), conv))
	return conv
}

func (f *fixture) coordinator(links LinkedIssueResolver) *Coordinator {
	return NewCoordinator(f.store, f.wt, f.sessions, links, nil)
}

func TestEnsureWorktree_CreatesForIssue(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	path, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)
	assert.Contains(t, path, "issue-42")
	assert.Len(t, f.wt.created, 1)

	// The conversation record points at the new worktree.
	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, path, got.WorktreePath)
	assert.Equal(t, path, got.Cwd)

	// A second call reuses the existing worktree.
	again, err := c.EnsureWorktree(ctx, got, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Len(t, f.wt.created, 1)
}

func TestEnsureWorktree_StaleRegistration(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	conv.WorktreePath = "/vanished/issue-42"
	conv.Cwd = conv.WorktreePath
	require.NoError(t, f.store.UpdateConversation(ctx, conv))

	// The registered path is not a worktree anymore, so a new one is created.
	path, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)
	assert.NotEqual(t, "/vanished/issue-42", path)
	assert.Len(t, f.wt.created, 1)
}

func TestEnsureWorktree_PRAdoptsLinkedIssueWorktree(t *testing.T) {
	f := newFixture(t)
	links := &fakeLinks{linked: map[int][]int{50: {42}}}
	c := f.coordinator(links)
	ctx := context.Background()

	// The issue conversation already has a worktree.
	issueConv := f.conversation(t, IssueThreadID(42))
	issuePath, err := c.EnsureWorktree(ctx, issueConv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	// The PR adopts it instead of creating a second one.
	prConv := f.conversation(t, PullThreadID(50))
	prPath, err := c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true, HeadRef: "feature/x"})
	require.NoError(t, err)
	assert.Equal(t, issuePath, prPath)
	assert.Len(t, f.wt.created, 1, "no second worktree created")

	got, err := f.store.GetConversation(ctx, prConv.ID)
	require.NoError(t, err)
	assert.Equal(t, issuePath, got.WorktreePath)
}

func TestEnsureWorktree_PRAdoptsEventCarriedIssues(t *testing.T) {
	// No resolver configured: the linked numbers arrive on the event itself,
	// as surface connectors deliver them.
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	issueConv := f.conversation(t, IssueThreadID(42))
	issuePath, err := c.EnsureWorktree(ctx, issueConv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	prConv := f.conversation(t, PullThreadID(50))
	prPath, err := c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true, HeadRef: "feature/x", LinkedIssues: []int{42}})
	require.NoError(t, err)
	assert.Equal(t, issuePath, prPath)
	assert.Len(t, f.wt.created, 1, "no second worktree created")
}

func TestEnsureWorktree_EventLinksPrecedeResolver(t *testing.T) {
	// The resolver points at an issue with no worktree; the event names the
	// one that has one. Event-carried numbers win.
	f := newFixture(t)
	c := f.coordinator(&fakeLinks{linked: map[int][]int{50: {7}}})
	ctx := context.Background()

	issueConv := f.conversation(t, IssueThreadID(42))
	issuePath, err := c.EnsureWorktree(ctx, issueConv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	prConv := f.conversation(t, PullThreadID(50))
	prPath, err := c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true, LinkedIssues: []int{42}})
	require.NoError(t, err)
	assert.Equal(t, issuePath, prPath)
}

func TestEnsureWorktree_PRLinkLookupFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(&fakeLinks{err: fmt.Errorf("api unavailable")})
	ctx := context.Background()

	prConv := f.conversation(t, PullThreadID(50))
	path, err := c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true, HeadRef: "feature/x"})
	require.NoError(t, err)
	assert.Contains(t, path, "pr-50")
	assert.Len(t, f.wt.created, 1)
}

func TestEnsureWorktree_CreateErrorPropagates(t *testing.T) {
	f := newFixture(t)
	f.wt.createErr = &worktree.CreateError{Branch: "issue-42", Path: "/x", Err: fmt.Errorf("branch exists")}
	c := f.coordinator(nil)

	conv := f.conversation(t, "issue-42")
	_, err := c.EnsureWorktree(context.Background(), conv, f.codebase, IssueEvent{Number: 42})
	var ce *worktree.CreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "issue-42", ce.Branch)

	// Nothing was persisted on the conversation.
	got, err2 := f.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err2)
	assert.Empty(t, got.WorktreePath)
}

func TestRelease_RemovesWhenLastReferent(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	path, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	res, err := c.Release(ctx, conv, f.codebase)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, path, res.Path)
	assert.Zero(t, res.Remaining)
	assert.Equal(t, []string{path}, f.wt.removed)

	got, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, got.WorktreePath)
	assert.Equal(t, f.codebase.Path, got.Cwd)
}

func TestRelease_SharedWorktreeSurvivesFirstClose(t *testing.T) {
	f := newFixture(t)
	links := &fakeLinks{linked: map[int][]int{50: {42}}}
	c := f.coordinator(links)
	ctx := context.Background()

	issueConv := f.conversation(t, IssueThreadID(42))
	path, err := c.EnsureWorktree(ctx, issueConv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	prConv := f.conversation(t, PullThreadID(50))
	_, err = c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true})
	require.NoError(t, err)

	// Close the issue first: the PR still references the worktree.
	res, err := c.Release(ctx, issueConv, f.codebase)
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Equal(t, 1, res.Remaining)
	assert.Empty(t, f.wt.removed)

	// Close the PR: now the worktree goes away.
	prConv, err = f.store.GetConversation(ctx, prConv.ID)
	require.NoError(t, err)
	res, err = c.Release(ctx, prConv, f.codebase)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, []string{path}, f.wt.removed)
}

func TestRelease_OrderIndependence(t *testing.T) {
	// Same scenario as above, closing the PR before the issue.
	f := newFixture(t)
	links := &fakeLinks{linked: map[int][]int{50: {42}}}
	c := f.coordinator(links)
	ctx := context.Background()

	issueConv := f.conversation(t, IssueThreadID(42))
	path, err := c.EnsureWorktree(ctx, issueConv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	prConv := f.conversation(t, PullThreadID(50))
	_, err = c.EnsureWorktree(ctx, prConv, f.codebase,
		IssueEvent{Number: 50, IsPullRequest: true})
	require.NoError(t, err)

	prConv, err = f.store.GetConversation(ctx, prConv.ID)
	require.NoError(t, err)
	res, err := c.Release(ctx, prConv, f.codebase)
	require.NoError(t, err)
	assert.False(t, res.Removed)
	assert.Equal(t, 1, res.Remaining)

	issueConv, err = f.store.GetConversation(ctx, issueConv.ID)
	require.NoError(t, err)
	res, err = c.Release(ctx, issueConv, f.codebase)
	require.NoError(t, err)
	assert.True(t, res.Removed)
	assert.Equal(t, []string{path}, f.wt.removed)
}

func TestRelease_DirtyWorktreeKept(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	path, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	f.wt.removeErr = &worktree.DirtyError{Path: path}
	res, err := c.Release(ctx, conv, f.codebase)
	require.NoError(t, err)
	assert.True(t, res.Dirty)
	assert.False(t, res.Removed)
}

func TestRelease_AlreadyRemovedIsSuccess(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	_, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	f.wt.removeErr = worktree.ErrAlreadyRemoved
	res, err := c.Release(ctx, conv, f.codebase)
	require.NoError(t, err)
	assert.True(t, res.Removed)
}

func TestRelease_EndsActiveSession(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)
	ctx := context.Background()

	conv := f.conversation(t, "issue-42")
	_, err := c.EnsureWorktree(ctx, conv, f.codebase, IssueEvent{Number: 42})
	require.NoError(t, err)

	sess, _, err := f.sessions.Resolve(ctx, conv, f.codebase.ID, "")
	require.NoError(t, err)

	_, err = c.Release(ctx, conv, f.codebase)
	require.NoError(t, err)

	ended, err := f.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ended.Active, "resume after teardown must not target a removed directory")
}

func TestRelease_NoWorktree(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(nil)

	conv := f.conversation(t, "issue-42")
	res, err := c.Release(context.Background(), conv, f.codebase)
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.False(t, res.Removed)
}

func TestThreadIDs(t *testing.T) {
	assert.Equal(t, "issue-42", IssueEvent{Number: 42}.ThreadID())
	assert.Equal(t, "pr-42", IssueEvent{Number: 42, IsPullRequest: true}.ThreadID())
}
