// Package layout resolves paths inside a project's .kd directory.
//
// Per-branch state lives under .kd/branches/<normalized-branch>/:
//
//	tickets/<id>.md
//	threads/<thread-id>/<seq>-<sender>.md
//	sessions/<agent>.json
//	logs/, metrics/
//	state.json
//
// Tickets not yet assigned to a branch live in .kd/backlog/tickets, closed
// ones are moved to .kd/archive/<branch>/tickets, and ticket worktrees are
// created under .kd/worktrees/<id>.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
)

// DirName is the name of the project state directory.
const DirName = ".kd"

// Layout locates files under a project root.
type Layout struct {
	// Root is the project root containing the .kd directory.
	Root string
}

// New returns a Layout rooted at root.
func New(root string) Layout {
	return Layout{Root: root}
}

// Find walks up from start until it finds a directory containing .kd.
func Find(start string) (Layout, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return Layout{}, err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, DirName))
		if err == nil && info.IsDir() {
			return Layout{Root: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Layout{}, kerrors.ErrNotInitialized
		}
		dir = parent
	}
}

const gitignore = `# Transient Kingdom state
worktrees/
branches/*/sessions/
branches/*/logs/
branches/*/metrics/
branches/*/state.json
branches/*/threads/*/.stream-*.jsonl
branches/*/threads/*/.seq.json*
*.lock
`

// Init creates the .kd skeleton. It is safe to run more than once.
func (l Layout) Init() error {
	for _, dir := range []string{l.BacklogTicketsDir(), filepath.Join(l.KD(), "archive"), l.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	ignorePath := filepath.Join(l.KD(), ".gitignore")
	if _, err := os.Stat(ignorePath); os.IsNotExist(err) {
		if err := os.WriteFile(ignorePath, []byte(gitignore), 0644); err != nil {
			return fmt.Errorf("write .gitignore: %w", err)
		}
	}
	return nil
}

// EnsureBranch creates the per-branch directory tree.
func (l Layout) EnsureBranch(branch string) error {
	for _, dir := range []string{
		l.TicketsDir(branch),
		l.ThreadsDir(branch),
		l.SessionsDir(branch),
		l.LogsDir(branch),
		l.MetricsDir(branch),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// KD returns the .kd directory.
func (l Layout) KD() string { return filepath.Join(l.Root, DirName) }

// ConfigPath returns the project config file.
func (l Layout) ConfigPath() string { return filepath.Join(l.KD(), "config.yaml") }

// BranchDir returns the state directory for branch.
func (l Layout) BranchDir(branch string) string {
	return filepath.Join(l.KD(), "branches", NormalizeBranch(branch))
}

// TicketsDir returns the branch's ticket directory.
func (l Layout) TicketsDir(branch string) string {
	return filepath.Join(l.BranchDir(branch), "tickets")
}

// ThreadsDir returns the branch's thread root.
func (l Layout) ThreadsDir(branch string) string {
	return filepath.Join(l.BranchDir(branch), "threads")
}

// ThreadDir returns one thread's directory.
func (l Layout) ThreadDir(branch, threadID string) string {
	return filepath.Join(l.ThreadsDir(branch), threadID)
}

// SessionsDir returns the branch's agent session directory.
func (l Layout) SessionsDir(branch string) string {
	return filepath.Join(l.BranchDir(branch), "sessions")
}

// LogsDir returns the branch's log directory.
func (l Layout) LogsDir(branch string) string {
	return filepath.Join(l.BranchDir(branch), "logs")
}

// MetricsDir returns the branch's metrics textfile directory.
func (l Layout) MetricsDir(branch string) string {
	return filepath.Join(l.BranchDir(branch), "metrics")
}

// StatePath returns the branch's shared state.json.
func (l Layout) StatePath(branch string) string {
	return filepath.Join(l.BranchDir(branch), "state.json")
}

// BacklogTicketsDir returns the directory of unassigned tickets.
func (l Layout) BacklogTicketsDir() string {
	return filepath.Join(l.KD(), "backlog", "tickets")
}

// ArchiveTicketsDir returns where closed tickets of branch are archived.
func (l Layout) ArchiveTicketsDir(branch string) string {
	return filepath.Join(l.KD(), "archive", NormalizeBranch(branch), "tickets")
}

// WorktreesDir returns the root for ticket worktrees.
func (l Layout) WorktreesDir() string { return filepath.Join(l.KD(), "worktrees") }

// WorktreePath returns the worktree location for a ticket.
func (l Layout) WorktreePath(ticketID string) string {
	return filepath.Join(l.WorktreesDir(), ticketID)
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NormalizeBranch maps a git branch name to a single safe path segment:
// "feature/Login Flow" becomes "feature-login-flow".
func NormalizeBranch(branch string) string {
	s := strings.ToLower(strings.TrimSpace(branch))
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "default"
	}
	return s
}
