// Package lifecycle decides, per issue or pull-request event, whether to
// create, share, or destroy a worktree, keeping conversation records
// consistent with the result.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/joescharf/relay/internal/models"
	"github.com/joescharf/relay/internal/sessions"
	"github.com/joescharf/relay/internal/store"
	"github.com/joescharf/relay/internal/worktree"
)

// WorktreeManager is the subset of worktree operations the coordinator needs.
type WorktreeManager interface {
	IsWorktree(path string) bool
	CreateForIssue(repoPath string, number int, isPullRequest bool, headRef, headSHA string) (*worktree.Info, error)
	Remove(repoPath, worktreePath string) error
}

// LinkedIssueResolver reports the issue numbers linked to a pull request.
// The relation lives on the issue-tracker surface; implementations are
// provided by the (out of scope) surface connectors.
type LinkedIssueResolver interface {
	LinkedIssues(ctx context.Context, codebase *models.Codebase, prNumber int) ([]int, error)
}

// IssueEvent describes the issue or pull request an inbound event refers to.
type IssueEvent struct {
	Number        int
	IsPullRequest bool
	HeadRef       string // PR head branch, when known
	HeadSHA       string // PR head commit, when known
	LinkedIssues  []int  // issues the PR closes or references, when the surface knows
}

// IssueThreadID returns the surface-native conversation id convention for an
// issue number. PRs use PullThreadID; the two never collide.
func IssueThreadID(number int) string { return fmt.Sprintf("issue-%d", number) }

// PullThreadID returns the surface-native conversation id convention for a
// pull-request number.
func PullThreadID(number int) string { return fmt.Sprintf("pr-%d", number) }

// ThreadID returns the conversation id for an event per the conventions above.
func (ev IssueEvent) ThreadID() string {
	if ev.IsPullRequest {
		return PullThreadID(ev.Number)
	}
	return IssueThreadID(ev.Number)
}

// ReleaseResult reports what a teardown actually did.
type ReleaseResult struct {
	Path      string // released worktree path, "" when there was none
	Removed   bool   // worktree removed from disk
	Remaining int    // other conversations still referencing Path
	Dirty     bool   // removal skipped: uncommitted changes
}

// Coordinator composes the worktree manager and the store to implement
// create-with-sharing and reference-counted teardown.
type Coordinator struct {
	store    store.Store
	wt       WorktreeManager
	sessions *sessions.Manager
	links    LinkedIssueResolver // may be nil
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. links may be nil when the surface
// cannot resolve PR→issue relations.
func NewCoordinator(s store.Store, wt WorktreeManager, sm *sessions.Manager, links LinkedIssueResolver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: s, wt: wt, sessions: sm, links: links, logger: logger}
}

// EnsureWorktree returns the worktree path the conversation should work in,
// creating or adopting one as needed and persisting the result on the
// conversation.
//
// Order of preference: the conversation's own worktree (unconditionally,
// after a staleness check), a worktree shared from an issue linked to the
// PR, then a freshly created one. A *worktree.CreateError from the last step
// must abort the caller's request before any agent invocation.
func (c *Coordinator) EnsureWorktree(ctx context.Context, conv *models.Conversation, codebase *models.Codebase, ev IssueEvent) (string, error) {
	if conv.WorktreePath != "" {
		if c.wt.IsWorktree(conv.WorktreePath) {
			return conv.WorktreePath, nil
		}
		// Stale registration: the directory was decommissioned behind our
		// back. Drop the reference and fall through to create a new one.
		c.logger.Warn("stale worktree registration",
			"conversation", conv.ID, "path", conv.WorktreePath)
		conv.WorktreePath = ""
		conv.Cwd = codebase.Path
		if err := c.store.UpdateConversation(ctx, conv); err != nil {
			return "", fmt.Errorf("clear stale worktree: %w", err)
		}
	}

	if ev.IsPullRequest {
		path, err := c.adoptLinkedWorktree(ctx, conv, codebase, ev)
		if err != nil {
			return "", err
		}
		if path != "" {
			return path, nil
		}
	}

	info, err := c.wt.CreateForIssue(codebase.Path, ev.Number, ev.IsPullRequest, ev.HeadRef, ev.HeadSHA)
	if err != nil {
		return "", err
	}

	conv.WorktreePath = info.Path
	conv.Cwd = info.Path
	if err := c.store.UpdateConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("persist worktree path: %w", err)
	}
	c.logger.Info("worktree created",
		"conversation", conv.ID, "path", info.Path, "branch", info.Branch)
	return info.Path, nil
}

// adoptLinkedWorktree checks each issue linked to the PR for an existing
// worktree and adopts the first one found, so issue and PR conversations
// share a single working copy. The linked numbers carried on the event take
// precedence; the resolver is consulted only when the event carries none.
// Returns "" when nothing is shareable.
func (c *Coordinator) adoptLinkedWorktree(ctx context.Context, conv *models.Conversation, codebase *models.Codebase, ev IssueEvent) (string, error) {
	linked := ev.LinkedIssues
	if len(linked) == 0 && c.links != nil {
		resolved, err := c.links.LinkedIssues(ctx, codebase, ev.Number)
		if err != nil {
			// The relation is advisory; fall back to creating a fresh worktree.
			c.logger.Warn("linked issue lookup failed", "pr", ev.Number, "error", err)
			return "", nil
		}
		linked = resolved
	}

	for _, issueNumber := range linked {
		issueConv, err := c.store.GetConversationByPlatform(ctx, conv.Platform, IssueThreadID(issueNumber))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if issueConv.WorktreePath == "" || !c.wt.IsWorktree(issueConv.WorktreePath) {
			continue
		}

		conv.WorktreePath = issueConv.WorktreePath
		conv.Cwd = issueConv.WorktreePath
		if err := c.store.UpdateConversation(ctx, conv); err != nil {
			return "", fmt.Errorf("persist shared worktree: %w", err)
		}
		c.logger.Info("worktree shared",
			"conversation", conv.ID, "issue", issueNumber, "path", issueConv.WorktreePath)
		return issueConv.WorktreePath, nil
	}
	return "", nil
}

// Release implements reference-counted teardown for a close/merge event.
//
// The conversation's own reference is cleared (and its cwd reset to the
// codebase path) before remaining referents are counted, both inside one
// store transaction. The worktree is removed from disk only when no
// other conversation still points at it. An already-removed worktree is
// silent success; uncommitted changes keep the directory and set Dirty so
// the caller can warn the user.
func (c *Coordinator) Release(ctx context.Context, conv *models.Conversation, codebase *models.Codebase) (*ReleaseResult, error) {
	res := &ReleaseResult{}
	if conv.WorktreePath == "" {
		return res, nil
	}

	// Deactivate first so a later resume cannot point at a removed directory.
	if err := c.sessions.End(ctx, conv.ID); err != nil {
		return nil, fmt.Errorf("end session: %w", err)
	}

	path, remaining, err := c.store.ReleaseWorktree(ctx, conv.ID, codebase.Path)
	if err != nil {
		return nil, err
	}
	conv.WorktreePath = ""
	conv.Cwd = codebase.Path
	res.Path = path
	res.Remaining = remaining

	if remaining > 0 {
		c.logger.Info("worktree kept, still referenced",
			"path", path, "remaining", remaining)
		return res, nil
	}

	switch err := c.wt.Remove(codebase.Path, path); {
	case err == nil:
		res.Removed = true
		c.logger.Info("worktree removed", "path", path)
	case errors.Is(err, worktree.ErrAlreadyRemoved):
		res.Removed = true
	default:
		var dirty *worktree.DirtyError
		if errors.As(err, &dirty) {
			res.Dirty = true
			c.logger.Warn("worktree has uncommitted changes, left in place", "path", path)
			return res, nil
		}
		return res, fmt.Errorf("remove worktree: %w", err)
	}
	return res, nil
}
