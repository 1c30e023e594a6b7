package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/kingdom/internal/layout"
	"github.com/Iron-Ham/kingdom/internal/state"
	"github.com/Iron-Ham/kingdom/internal/worktree"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Kingdom in the current repository",
	Long: `Initialize Kingdom in the current git repository.
This creates a .kd directory with a starter config.yaml, the ticket
backlog, and state directories for the checked-out branch.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

const starterConfig = `# Kingdom configuration. Values here override ~/.config/kingdom/config.yaml.
agents:
  claude:
    backend: claude
  codex:
    backend: codex

council:
  members: [claude, codex]
  timeout: 10m
  review_timeout: 15m
  diff_scope: cumulative

peasant:
  agent: claude
  max_iterations: 50
  timeout: 30m
  max_bounces: 3
  reset_bounces_on_reject: true

quality_gates:
  - name: test
    command: go test ./...
  - name: lint
    command: go vet ./...
`

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	// Find the git repository root (may be in a parent directory)
	root, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return err
	}
	l := layout.New(root)
	if err := l.Init(); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	if _, err := os.Stat(l.ConfigPath()); os.IsNotExist(err) {
		if err := state.AtomicWrite(l.ConfigPath(), []byte(starterConfig)); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
	}

	repo, err := worktree.Open(root)
	if err != nil {
		return err
	}
	if branch, err := repo.CurrentBranch(root); err == nil {
		if err := l.EnsureBranch(branch); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Feature branch: %s\n", branch)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Kingdom initialized successfully!")
	fmt.Fprintf(cmd.OutOrStdout(), "State directory: %s\n", l.KD())
	return nil
}
