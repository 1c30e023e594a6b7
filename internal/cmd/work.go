package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/kingdom/internal/agent"
	"github.com/Iron-Ham/kingdom/internal/council"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/harness"
	"github.com/Iron-Ham/kingdom/internal/layout"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/ticket"
	"github.com/Iron-Ham/kingdom/internal/worktree"
)

var workCmd = &cobra.Command{
	Use:   "work <ticket>",
	Short: "Run the peasant loop for a ticket in this workspace",
	Long: `Run the harness loop for a ticket in the current directory until the
work is ready for the King, the loop escalates, or it is stopped.

This is what 'kd peasant start' launches in the background. --base and
--branch point at the project root and feature branch whose state the loop
reads and writes; they default to the enclosing project and its checked-out
branch.`,
	Args: cobra.ExactArgs(1),
	RunE: runWork,
}

var (
	workBase   string
	workBranch string
)

func init() {
	workCmd.Flags().StringVar(&workBase, "base", "", "project root holding .kd (default: enclosing project)")
	workCmd.Flags().StringVar(&workBranch, "branch", "", "feature branch (default: checked-out branch)")
}

func runWork(cmd *cobra.Command, args []string) error {
	workdir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	l := layout.New(workBase)
	if workBase == "" {
		if l, err = layout.Find(workdir); err != nil {
			return err
		}
	}
	ws, err := openWorkspaceAt(l, workBranch)
	if err != nil {
		return err
	}

	id := ticket.NormalizeID(args[0])
	t, err := ticket.Find(id, l.TicketsDir(ws.branch))
	if err != nil {
		return err
	}
	name := session.PeasantName(id)
	prev, _, err := ws.sessions.Get(name)
	if err != nil {
		return err
	}
	mode := prev.Mode
	if mode == "" {
		mode = session.ModeHand
		if workdir != l.Root {
			mode = session.ModeWorktree
		}
	}

	logger, err := logging.NewLogger(
		filepath.Join(l.LogsDir(ws.branch), name+".log"),
		ws.cfg.Logging.Level,
		logging.RotationConfig{MaxSizeMB: ws.cfg.Logging.MaxSizeMB, MaxBackups: ws.cfg.Logging.MaxBackups},
	)
	if err != nil {
		return fmt.Errorf("open harness log: %w", err)
	}
	defer func() { _ = logger.Close() }()

	metrics := harness.NewMetrics(name, filepath.Join(l.MetricsDir(ws.branch), name+".prom"))
	invoker, err := agent.NewInvoker(ws.cfg.Agents, logger)
	if err != nil {
		return err
	}
	invoker.SetObserver(metrics.ObserveInvocation)

	repo, err := worktree.Open(workdir)
	if err != nil {
		return err
	}
	reviewers := council.New(council.Options{
		Members:     ws.cfg.Council.Members,
		Timeout:     ws.cfg.Council.Timeout,
		MaxParallel: ws.cfg.Council.MaxParallel,
		Workdir:     workdir,
	}, invoker, ws.sessions, ws.threads, logger)

	opts := harness.OptionsFromConfig(harness.Options{
		TicketID:        id,
		TicketPath:      t.Path,
		Session:         name,
		Agent:           prev.Agent,
		Mode:            mode,
		Workdir:         workdir,
		Feature:         ws.branch,
		ThreadDir:       l.ThreadDir(ws.branch, id),
		ReviewThreadDir: l.ThreadDir(ws.branch, id+"-review"),
	}, ws.cfg)

	h := harness.New(opts, harness.Deps{
		Caller:   invoker,
		Gates:    harness.ShellGates{Gates: ws.cfg.QualityGates, Timeout: ws.cfg.Peasant.Timeout},
		Reviewer: reviewers,
		Git:      repo,
		Sessions: ws.sessions,
		Threads:  ws.threads,
		Logger:   logger,
		Metrics:  metrics,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = h.Run(ctx)
	switch {
	case err == nil:
		st := h.State()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", name, st.Phase, st.Escalation)
		return nil
	case kerrors.Is(err, context.Canceled):
		logger.Info("harness stopped by signal")
		return nil
	default:
		logger.Error("harness failed", "error", err)
		return err
	}
}
