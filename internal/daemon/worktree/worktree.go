// Package worktree is the Git worktree collaborator: sessions that opt
// into worktree isolation get a linked worktree under
// <repo>-worktrees/<branch>, and archiving consults it before anything
// is thrown away.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/kaihq/kai/internal/daemon/db"
)

// CommitStatus summarizes what would be lost if a worktree were
// removed.
type CommitStatus struct {
	Branch       string `json:"branch"`
	CommitsAhead int    `json:"commitsAhead"`
	Dirty        bool   `json:"dirty"`
}

// Manager runs git against real repositories.
type Manager struct{}

// NewManager returns the git-backed worktree manager.
func NewManager() *Manager {
	return &Manager{}
}

// shortID trims a session id to the first 8 characters.
func shortID(sessionID string) string {
	if len(sessionID) > 8 {
		return sessionID[:8]
	}
	return sessionID
}

// branchFor derives the worktree branch name from a session id.
func branchFor(sessionID string) string {
	return "kai/session-" + shortID(sessionID)
}

// Create adds a linked worktree for the session next to the main repo
// and returns its location. base selects the start point; empty means
// HEAD.
func (m *Manager) Create(ctx context.Context, repoRoot, sessionID, base string) (*db.WorktreeInfo, error) {
	branch := branchFor(sessionID)
	if err := validateBranchName(branch); err != nil {
		return nil, fmt.Errorf("invalid branch name: %w", err)
	}
	if fi, err := os.Stat(filepath.Join(repoRoot, ".git")); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%q is not a git repository", repoRoot)
	}

	// The directory name stays flat even though the branch is
	// namespaced; Cleanup scans the parent directory entry by entry.
	path := filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-worktrees", "session-"+shortID(sessionID))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create worktree parent: %w", err)
	}

	args := []string{"-C", repoRoot, "worktree", "add", path, "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	out, err := exec.CommandContext(ctx, "git", args...).CombinedOutput()
	if err != nil {
		// The branch may survive from an earlier session; check it out
		// instead of creating it.
		if strings.Contains(string(out), "already exists") {
			out2, err2 := exec.CommandContext(ctx, "git", "-C", repoRoot, "worktree", "add", path, branch).CombinedOutput()
			if err2 != nil {
				return nil, fmt.Errorf("git worktree add: %s", strings.TrimSpace(string(out2)))
			}
		} else {
			return nil, fmt.Errorf("git worktree add: %s", strings.TrimSpace(string(out)))
		}
	}

	return &db.WorktreeInfo{
		WorktreePath: path,
		MainRepoPath: repoRoot,
		Branch:       branch,
	}, nil
}

// Status reports uncommitted changes and commits not reachable from any
// other branch for a session worktree.
func (m *Manager) Status(ctx context.Context, info *db.WorktreeInfo) (*CommitStatus, error) {
	if _, err := os.Lstat(filepath.Join(info.WorktreePath, ".git")); err != nil {
		return nil, fmt.Errorf("%q is not a git working tree", info.WorktreePath)
	}

	status := &CommitStatus{Branch: info.Branch}

	out, err := exec.CommandContext(ctx, "git", "-C", info.WorktreePath, "status", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	status.Dirty = len(strings.TrimSpace(string(out))) > 0

	// Commits on HEAD not reachable from any other branch would be lost
	// with the worktree's branch.
	out, err = exec.CommandContext(ctx, "git", "-C", info.WorktreePath, "log", "HEAD",
		"--not", "--exclude="+info.Branch, "--branches", "--oneline").Output()
	if err == nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed != "" {
			status.CommitsAhead = len(strings.Split(trimmed, "\n"))
		}
	}
	return status, nil
}

// Remove deletes the worktree and prunes bookkeeping. Removal is
// forced; callers gate on Status first.
func (m *Manager) Remove(ctx context.Context, info *db.WorktreeInfo) error {
	out, err := exec.CommandContext(ctx, "git", "-C", info.MainRepoPath, "worktree", "remove", info.WorktreePath, "--force").CombinedOutput()
	if err != nil {
		if rmErr := os.RemoveAll(info.WorktreePath); rmErr != nil {
			return fmt.Errorf("git worktree remove: %s; manual removal failed: %w", strings.TrimSpace(string(out)), rmErr)
		}
		_ = exec.CommandContext(ctx, "git", "-C", info.MainRepoPath, "worktree", "prune").Run()
	}
	// Drops the parent dir when this was the last worktree in it.
	_ = os.Remove(filepath.Dir(info.WorktreePath))
	return nil
}

// Cleanup prunes stale worktree records and removes orphaned worktree
// directories for a workspace. Returns the paths it removed.
func (m *Manager) Cleanup(ctx context.Context, workspacePath string) ([]string, error) {
	if fi, err := os.Stat(filepath.Join(workspacePath, ".git")); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%q is not a git repository", workspacePath)
	}
	_ = exec.CommandContext(ctx, "git", "-C", workspacePath, "worktree", "prune").Run()

	parent := filepath.Join(filepath.Dir(workspacePath), filepath.Base(workspacePath)+"-worktrees")
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktrees dir: %w", err)
	}

	registered, err := m.list(ctx, workspacePath)
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for _, e := range entries {
		path := filepath.Join(parent, e.Name())
		if registered[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		cleaned = append(cleaned, path)
	}
	_ = os.Remove(parent)
	return cleaned, nil
}

// list returns the worktree paths git still knows about.
func (m *Manager) list(ctx context.Context, repoRoot string) (map[string]bool, error) {
	out, err := exec.CommandContext(ctx, "git", "-C", repoRoot, "worktree", "list", "--porcelain").Output()
	if err != nil {
		return nil, fmt.Errorf("git worktree list: %w", err)
	}
	paths := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths[strings.TrimSpace(rest)] = true
		}
	}
	return paths, nil
}

// validateBranchName enforces git-check-ref-format rules for the names
// we generate and accept.
func validateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	if len(name) > 256 {
		return fmt.Errorf("branch name must be at most 256 characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("branch name must not contain control characters")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', ']', '\\':
			return fmt.Errorf("branch name must not contain '%c'", r)
		}
	}
	switch name[0] {
	case '/', '.', '-', '@':
		return fmt.Errorf("branch name must not start with '%c'", name[0])
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name must not end with /, ., or .lock")
	}
	for _, sub := range []string{"..", "//", "/."} {
		if strings.Contains(name, sub) {
			return fmt.Errorf("branch name must not contain '%s'", sub)
		}
	}
	return nil
}
