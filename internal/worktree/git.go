// Package worktree wraps the git operations kingdom needs: provisioning a
// worktree per ticket, reading branch and HEAD state, producing review
// diffs, and merging accepted work into the feature branch.
//
// All commands go through a CommandExecutor so unit tests can script git's
// responses without a repository.
package worktree

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/kingdom/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// -----------------------------------------------------------------------------
// Repo
// -----------------------------------------------------------------------------

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", errors.ErrNotGitRepository, startDir)
		}
		dir = parent
	}
}

// Repo runs git against one repository.
type Repo struct {
	root     string
	executor CommandExecutor
}

// Open returns a Repo for the repository containing dir.
func Open(dir string) (*Repo, error) {
	root, err := FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Repo{root: root, executor: NewCLICommandExecutor()}, nil
}

// NewWithExecutor creates a Repo rooted at root with a custom executor.
// This is primarily useful for testing.
func NewWithExecutor(root string, executor CommandExecutor) *Repo {
	return &Repo{root: root, executor: executor}
}

// Root returns the repository's top-level directory.
func (r *Repo) Root() string { return r.root }

func (r *Repo) git(dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.root
	}
	out, err := r.executor.Run(dir, "git", args...)
	return string(out), err
}

// CurrentBranch returns the branch checked out at path. A detached HEAD
// returns "HEAD".
func (r *Repo) CurrentBranch(path string) (string, error) {
	out, err := r.git(path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to get current branch", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return strings.TrimSpace(out), nil
}

// HeadSHA returns the commit checked out at path.
func (r *Repo) HeadSHA(path string) (string, error) {
	out, err := r.git(path, "rev-parse", "HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to resolve HEAD", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return strings.TrimSpace(out), nil
}

// HasUncommittedChanges returns true if there are uncommitted changes at path.
func (r *Repo) HasUncommittedChanges(path string) (bool, error) {
	out, err := r.git(path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return strings.TrimSpace(out) != "", nil
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.git("", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Checkout switches the main checkout to branch. Git refuses when local
// changes would be overwritten.
func (r *Repo) Checkout(branch string) error {
	if !r.BranchExists(branch) {
		return errors.NewGitError("cannot checkout", errors.ErrBranchNotFound).WithBranch(branch)
	}
	out, err := r.git("", "checkout", branch)
	if err != nil {
		return errors.NewGitError("failed to checkout", err).
			WithBranch(branch).
			WithGitOutput(out)
	}
	return nil
}

// RequireBranch verifies that path has want checked out.
func (r *Repo) RequireBranch(path, want string) error {
	got, err := r.CurrentBranch(path)
	if err != nil {
		return err
	}
	if got != want {
		return errors.NewGitError(fmt.Sprintf("%s is checked out, expected %s", got, want), errors.ErrWrongBranch).
			WithBranch(want).
			WithRepository(path)
	}
	return nil
}

// Merge merges branch into whatever is checked out at path with a merge
// commit. A conflicting merge is aborted, leaving path as it was, and
// reported as ErrMergeConflict.
func (r *Repo) Merge(path, branch, message string) error {
	args := []string{"merge", "--no-ff", "--no-edit"}
	if message != "" {
		args = append(args, "-m", message)
	}
	args = append(args, branch)
	out, err := r.git(path, args...)
	if err == nil {
		return nil
	}
	conflicts, _ := r.ConflictingFiles(path)
	if len(conflicts) > 0 || strings.Contains(out, "CONFLICT") {
		_, _ = r.git(path, "merge", "--abort")
		return errors.NewGitError("merge conflict in "+strings.Join(conflicts, ", "), errors.ErrMergeConflict).
			WithBranch(branch).
			WithRepository(path).
			WithGitOutput(out)
	}
	return errors.NewGitError("failed to merge", err).
		WithBranch(branch).
		WithRepository(path).
		WithGitOutput(out)
}

// ConflictingFiles lists unmerged paths at path.
func (r *Repo) ConflictingFiles(path string) ([]string, error) {
	out, err := r.git(path, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicts", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return splitNonEmpty(out), nil
}

// DiffSince returns the diff at path from base to HEAD. Uncommitted changes
// are not included.
func (r *Repo) DiffSince(path, base string) (string, error) {
	out, err := r.git(path, "diff", base+"..HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to diff", err).
			WithRepository(path).
			WithBranch(base + "..HEAD").
			WithGitOutput(out)
	}
	return out, nil
}

// DiffFromMergeBase returns the three-dot diff of HEAD at path against
// branch: the changes since HEAD diverged from it.
func (r *Repo) DiffFromMergeBase(path, branch string) (string, error) {
	out, err := r.git(path, "diff", branch+"...HEAD")
	if err != nil {
		return "", errors.NewGitError("failed to diff against merge base", err).
			WithRepository(path).
			WithBranch(branch).
			WithGitOutput(out)
	}
	return out, nil
}

// CommitAll stages and commits all changes at path with the given message.
// Returns nil if there are no changes to commit.
func (r *Repo) CommitAll(path, message string) error {
	out, err := r.git(path, "add", "-A")
	if err != nil {
		return errors.NewGitError("failed to stage changes", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	out, err = r.git(path, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return errors.NewGitError("failed to commit changes", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for line := range strings.Lines(s) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
