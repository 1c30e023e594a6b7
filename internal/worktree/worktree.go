package worktree

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/kingdom/internal/errors"
)

// BranchFor returns the branch name used for a ticket's worktree.
func BranchFor(ticketID string) string { return "ticket/" + ticketID }

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// Create adds a worktree at path on a new branch started from base. It
// refuses when path already exists or the branch is already checked out in
// another worktree. An existing branch that is not checked out anywhere is
// reused, so a cleaned ticket can be restarted on its previous work.
func (r *Repo) Create(path, branch, base string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.NewGitError("worktree path already exists", errors.ErrWorktreeExists).
			WithWorktree(path).
			WithBranch(branch)
	}
	wts, err := r.List()
	if err != nil {
		return err
	}
	for _, wt := range wts {
		if wt.Branch == branch || samePath(wt.Path, path) {
			return errors.NewGitError("branch already has a worktree at "+wt.Path, errors.ErrWorktreeExists).
				WithWorktree(path).
				WithBranch(branch)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	args := []string{"worktree", "add", "-b", branch, path, base}
	if r.BranchExists(branch) {
		args = []string{"worktree", "add", path, branch}
	}
	out, err := r.git("", args...)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithWorktree(path).
			WithBranch(branch).
			WithGitOutput(out)
	}
	return nil
}

// Remove removes the worktree at path. If git refuses, the directory is
// removed by hand and stale references are pruned.
func (r *Repo) Remove(path string) error {
	out, err := r.git("", "worktree", "remove", "--force", path)
	if err == nil {
		return nil
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		_, _ = r.git("", "worktree", "prune")
		return errors.NewGitError("no worktree to remove", errors.ErrWorktreeNotFound).WithWorktree(path)
	}
	_ = os.RemoveAll(path)
	_, _ = r.git("", "worktree", "prune")
	return errors.NewGitError("failed to remove worktree cleanly", err).
		WithWorktree(path).
		WithGitOutput(out)
}

// List returns all worktrees, the main checkout first.
func (r *Repo) List() ([]Worktree, error) {
	out, err := r.git("", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var (
		wts []Worktree
		cur *Worktree
	)
	for line := range strings.Lines(out) {
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "worktree "):
			wts = append(wts, Worktree{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &wts[len(wts)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return wts
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	ea, errA := filepath.EvalSymlinks(a)
	eb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ea == eb
}
