//go:build integration

package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/testutil"
)

func TestFindGitRoot(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	sub := filepath.Join(repoDir, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	got, err := FindGitRoot(sub)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.EvalSymlinks(repoDir)
	if resolved, _ := filepath.EvalSymlinks(got); resolved != want {
		t.Errorf("FindGitRoot() = %q, want %q", got, repoDir)
	}

	if _, err := FindGitRoot(t.TempDir()); !errors.Is(err, errors.ErrNotGitRepository) {
		t.Errorf("FindGitRoot(non-repo) error = %v", err)
	}
}

func TestRepo_CreateAndRemove(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	r, err := Open(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	wtPath := filepath.Join(repoDir, ".kd", "worktrees", "kin-1")
	branch := BranchFor("kin-1")

	if err := r.Create(wtPath, branch, "main"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got, _ := r.CurrentBranch(wtPath); got != branch {
		t.Errorf("worktree branch = %q", got)
	}

	// A second worktree for the same ticket is refused.
	if err := r.Create(filepath.Join(repoDir, "other"), branch, "main"); !errors.Is(err, errors.ErrWorktreeExists) {
		t.Errorf("second Create() error = %v, want ErrWorktreeExists", err)
	}

	wts, err := r.List()
	if err != nil || len(wts) != 2 {
		t.Fatalf("List() = %+v, %v", wts, err)
	}

	if err := r.Remove(wtPath); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory still exists")
	}

	// The branch survives and can be checked out again.
	if err := r.Create(wtPath, branch, "main"); err != nil {
		t.Errorf("recreate on existing branch: %v", err)
	}
}

func TestRepo_DiffsAndMerge(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	r, err := Open(repoDir)
	if err != nil {
		t.Fatal(err)
	}
	start, err := r.HeadSHA(repoDir)
	if err != nil {
		t.Fatal(err)
	}

	wtPath := filepath.Join(t.TempDir(), "kin-2")
	if err := r.Create(wtPath, "ticket/kin-2", "main"); err != nil {
		t.Fatal(err)
	}
	testutil.CommitFile(t, wtPath, "feature.txt", "hello\n", "Add feature")

	diff, err := r.DiffFromMergeBase(wtPath, "main")
	if err != nil || !strings.Contains(diff, "+hello") {
		t.Errorf("DiffFromMergeBase() = %q, %v", diff, err)
	}
	diff, err = r.DiffSince(wtPath, start)
	if err != nil || !strings.Contains(diff, "feature.txt") {
		t.Errorf("DiffSince() = %q, %v", diff, err)
	}

	if err := r.RequireBranch(repoDir, "main"); err != nil {
		t.Fatal(err)
	}
	if err := r.Merge(repoDir, "ticket/kin-2", "Merge kin-2"); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "feature.txt")); err != nil {
		t.Error("merged file missing from main")
	}
}

func TestRepo_MergeConflictAborts(t *testing.T) {
	testutil.SkipIfNoGit(t)

	repoDir := testutil.SetupTestRepo(t)
	r, _ := Open(repoDir)
	wtPath := filepath.Join(t.TempDir(), "kin-3")
	if err := r.Create(wtPath, "ticket/kin-3", "main"); err != nil {
		t.Fatal(err)
	}
	testutil.CommitFile(t, wtPath, "README.md", "ticket side\n", "ticket edit")
	testutil.CommitFile(t, repoDir, "README.md", "main side\n", "main edit")

	err := r.Merge(repoDir, "ticket/kin-3", "")
	if !errors.Is(err, errors.ErrMergeConflict) {
		t.Fatalf("Merge() error = %v, want ErrMergeConflict", err)
	}
	if dirty, _ := r.HasUncommittedChanges(repoDir); dirty {
		t.Error("conflicting merge was not aborted")
	}
}
