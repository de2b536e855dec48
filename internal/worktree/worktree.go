// Package worktree manages isolated git working copies, independent of any
// conversation or session concept.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Info holds parsed worktree metadata from `git worktree list --porcelain`.
type Info struct {
	Path   string
	Branch string
	HEAD   string
}

// CreateError is returned when a worktree cannot be created. Callers surface
// Branch to the user; creation is not idempotent.
type CreateError struct {
	Branch string
	Path   string
	Err    error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create worktree %s (branch %s): %v", e.Path, e.Branch, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// DirtyError is returned by Remove when the worktree contains uncommitted
// changes. The directory is left in place; callers should warn, not destroy.
type DirtyError struct {
	Path string
}

func (e *DirtyError) Error() string {
	return fmt.Sprintf("worktree %s contains uncommitted changes", e.Path)
}

// ErrAlreadyRemoved is returned by Remove when the worktree no longer exists.
var ErrAlreadyRemoved = errors.New("worktree already removed")

// Manager performs filesystem-level operations on git worktrees.
type Manager struct {
	// BaseDir overrides where new worktrees are created. When empty, they go
	// to a "<repo>.worktrees" directory sibling to the repository.
	BaseDir string
}

// NewManager creates a Manager. baseDir may be empty to use the default
// sibling-directory convention.
func NewManager(baseDir string) *Manager {
	return &Manager{BaseDir: baseDir}
}

func gitCmd(dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsWorktree reports whether path is a git-linked working copy that is not
// the main repository. Detection reads the working copy's .git link file: a
// linked worktree has a regular .git file pointing at the repository's
// worktree ledger, while the main repository has a .git directory.
func (m *Manager) IsWorktree(path string) bool {
	info, err := os.Lstat(filepath.Join(path, ".git"))
	if err != nil || info.IsDir() {
		return false
	}
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:")
}

// worktreeBase returns the directory new worktrees are created under.
func (m *Manager) worktreeBase(repoPath string) string {
	if m.BaseDir != "" {
		return m.BaseDir
	}
	return strings.TrimSuffix(repoPath, string(filepath.Separator)) + ".worktrees"
}

// PathFor returns the deterministic on-disk path for an issue or PR worktree.
func (m *Manager) PathFor(repoPath string, number int, isPullRequest bool) string {
	name := fmt.Sprintf("issue-%d", number)
	if isPullRequest {
		name = fmt.Sprintf("pr-%d", number)
	}
	return filepath.Join(m.worktreeBase(repoPath), name)
}

// CreateForIssue creates a new worktree for an issue or pull request.
//
// Pull requests prefer an exact-commit checkout of headSHA for
// reproducibility, falling back to the named head branch when no SHA is
// given or the SHA checkout fails. Plain issues get a brand-new branch off
// the repository's default branch. Naming collisions and filesystem errors
// return a *CreateError; callers must not assume idempotency.
func (m *Manager) CreateForIssue(repoPath string, number int, isPullRequest bool, headRef, headSHA string) (*Info, error) {
	path := m.PathFor(repoPath, number, isPullRequest)
	branch := fmt.Sprintf("issue-%d", number)
	if isPullRequest {
		branch = headRef
		if branch == "" {
			branch = fmt.Sprintf("pr-%d", number)
		}
	}

	if _, err := os.Stat(path); err == nil {
		return nil, &CreateError{Branch: branch, Path: path, Err: os.ErrExist}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &CreateError{Branch: branch, Path: path, Err: err}
	}

	if isPullRequest {
		if headSHA != "" {
			if _, err := gitCmd(repoPath, "worktree", "add", "--detach", path, headSHA); err == nil {
				return &Info{Path: path, Branch: branch, HEAD: headSHA}, nil
			}
			// SHA may not be fetched yet; fall through to the branch checkout.
		}
		if headRef != "" {
			if _, err := gitCmd(repoPath, "worktree", "add", path, headRef); err == nil {
				return &Info{Path: path, Branch: headRef}, nil
			}
			out, err := gitCmd(repoPath, "worktree", "add", "--track", "-b", headRef, path, "origin/"+headRef)
			if err != nil {
				return nil, &CreateError{Branch: branch, Path: path, Err: fmt.Errorf("%s", firstNonEmpty(out, err.Error()))}
			}
			return &Info{Path: path, Branch: headRef}, nil
		}
	}

	base, err := m.DefaultBranch(repoPath)
	if err != nil {
		return nil, &CreateError{Branch: branch, Path: path, Err: err}
	}
	if _, err := gitCmd(repoPath, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, &CreateError{Branch: branch, Path: path, Err: err}
	}
	return &Info{Path: path, Branch: branch}, nil
}

// Remove detaches and deletes a worktree. It fails with *DirtyError when the
// worktree has uncommitted changes, ErrAlreadyRemoved when it is already
// gone (pruning any stale ledger entry git still holds for the path), and a
// plain error for anything else.
func (m *Manager) Remove(repoPath, worktreePath string) error {
	listed := false
	if infos, err := m.List(repoPath); err == nil {
		for _, info := range infos {
			if info.Path == worktreePath {
				listed = true
				break
			}
		}
	}

	if _, err := os.Stat(worktreePath); os.IsNotExist(err) {
		if listed {
			// The directory vanished out-of-band but git still tracks it.
			// Drop the stale ledger entry so the path can be provisioned again.
			if _, err := gitCmd(repoPath, "worktree", "prune"); err != nil {
				return fmt.Errorf("prune stale worktree: %w", err)
			}
		}
		return ErrAlreadyRemoved
	}

	if out, err := gitCmd(worktreePath, "status", "--porcelain"); err == nil && out != "" {
		return &DirtyError{Path: worktreePath}
	}

	if _, err := gitCmd(repoPath, "worktree", "remove", worktreePath); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "is not a working tree") || strings.Contains(msg, "No such file") {
			return ErrAlreadyRemoved
		}
		if strings.Contains(msg, "contains modified or untracked files") {
			return &DirtyError{Path: worktreePath}
		}
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}

// List reads the repository's own worktree ledger. The first entry is the
// main working copy.
func (m *Manager) List(repoPath string) ([]Info, error) {
	out, err := gitCmd(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parsePorcelain(out), nil
}

// FindByBranch locates a worktree checked out to branchName, matching both
// the exact name and its slug form, since externally created worktrees may
// use different naming conventions. Returns nil when no worktree matches.
func (m *Manager) FindByBranch(repoPath, branchName string) (*Info, error) {
	infos, err := m.List(repoPath)
	if err != nil {
		return nil, err
	}
	want := Slug(branchName)
	for i := range infos {
		if infos[i].Branch == branchName || Slug(infos[i].Branch) == want {
			return &infos[i], nil
		}
	}
	return nil, nil
}

// DefaultBranch resolves the repository's default branch, preferring the
// remote HEAD and falling back to the currently checked-out branch.
func (m *Manager) DefaultBranch(repoPath string) (string, error) {
	if out, err := gitCmd(repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	out, err := gitCmd(repoPath, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve default branch: %w", err)
	}
	return out, nil
}

// Slug normalizes a branch name for comparison: lowercase, with every run
// of non-alphanumeric characters collapsed to a single hyphen.
func Slug(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastHyphen = false
		} else if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func parsePorcelain(output string) []Info {
	var worktrees []Info
	var current Info

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = Info{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
