package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/peasant"
	"github.com/Iron-Ham/kingdom/internal/session"
)

var peasantCmd = &cobra.Command{
	Use:     "peasant",
	Aliases: []string{"p"},
	Short:   "Start, supervise and review ticket workers",
}

var (
	peasantMode     string
	peasantAgent    string
	peasantForce    bool
	peasantRelaunch bool
	reviewAccept    bool
	reviewReject    string
	cleanForce      bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start <ticket>",
		Short: "Provision a workspace and launch a peasant in the background",
		Long: `Provision a workspace for the ticket and launch 'kd work' in the
background. In worktree mode (the default) the peasant gets its own git
worktree on branch ticket/<id>; in hand mode it works in the project root
on the feature branch.`,
		Args: cobra.ExactArgs(1),
		RunE: runPeasantStart,
	}
	startCmd.Flags().StringVarP(&peasantMode, "mode", "m", string(session.ModeWorktree), "workspace mode: worktree or hand")
	startCmd.Flags().StringVarP(&peasantAgent, "agent", "a", "", "agent to run (default: peasant.agent)")
	startCmd.Flags().BoolVarP(&peasantForce, "force", "f", false, "start even if dependencies are not closed")

	stopCmd := &cobra.Command{
		Use:   "stop <ticket>",
		Short: "Send SIGTERM to a running peasant",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeasantStop,
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show every peasant on the feature branch",
		Args:  cobra.NoArgs,
		RunE:  runPeasantStatus,
	}

	msgCmd := &cobra.Command{
		Use:   "msg <ticket> <message>",
		Short: "Send the King's directive to a peasant",
		Long: `Append a directive from the King to the peasant's thread. A running
peasant reads it on its next iteration. If the peasant is dead the message
waits in the thread; pass --relaunch to start it again.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runPeasantMsg,
	}
	msgCmd.Flags().BoolVarP(&peasantRelaunch, "relaunch", "r", false, "relaunch a dead peasant to read the message")

	reviewCmd := &cobra.Command{
		Use:   "review <ticket>",
		Short: "Accept or reject a peasant's work",
		Long: `Accept merges the ticket branch into the feature branch (checking the
feature branch out first if needed), closes the ticket and archives it.
Reject sends the feedback to the peasant and relaunches it if it is not
running.`,
		Args: cobra.ExactArgs(1),
		RunE: runPeasantReview,
	}
	reviewCmd.Flags().BoolVar(&reviewAccept, "accept", false, "merge and close the ticket")
	reviewCmd.Flags().StringVar(&reviewReject, "reject", "", "send the work back with this feedback")
	reviewCmd.MarkFlagsMutuallyExclusive("accept", "reject")
	reviewCmd.MarkFlagsOneRequired("accept", "reject")

	syncCmd := &cobra.Command{
		Use:   "sync <ticket>",
		Short: "Merge the feature branch into a peasant's worktree",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeasantSync,
	}

	cleanCmd := &cobra.Command{
		Use:   "clean <ticket>",
		Short: "Remove a stopped peasant's worktree and archive its streams",
		Args:  cobra.ExactArgs(1),
		RunE:  runPeasantClean,
	}
	cleanCmd.Flags().BoolVarP(&cleanForce, "force", "f", false, "remove the worktree even with uncommitted changes")

	peasantCmd.AddCommand(startCmd, stopCmd, statusCmd, msgCmd, reviewCmd, syncCmd, cleanCmd, newLogsCmd())
}

func runPeasantStart(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	s, err := ws.manager().Start(peasant.StartOptions{
		TicketID: args[0],
		Mode:     session.Mode(peasantMode),
		Agent:    peasantAgent,
		Force:    peasantForce,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Started %s (pid %d)\n", nameColor(s.Session), s.PID)
	fmt.Fprintf(out, "  thread:  %s\n", s.ThreadID)
	fmt.Fprintf(out, "  workdir: %s\n", s.Workdir)
	fmt.Fprintf(out, "  branch:  %s\n", s.Branch)
	return nil
}

func runPeasantStop(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	pid, err := ws.manager().Stop(args[0])
	if err != nil {
		if kerrors.Is(err, kerrors.ErrNotRunning) {
			warnf(cmd.ErrOrStderr(), "%v", err)
			return nil
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent SIGTERM to pid %d\n", pid)
	return nil
}

func runPeasantStatus(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	rows, err := ws.manager().Status()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(rows) == 0 {
		fmt.Fprintf(out, "No peasants on %s.\n", ws.branch)
		return nil
	}

	tw := newTable(out, table.Row{"Ticket", "Agent", "Status", "Phase", "Iter", "Bounces", "Mode", "PID", "Updated"})
	var dead []string
	for _, r := range rows {
		status := string(r.Status)
		switch r.Status {
		case session.StatusDead, session.StatusFailed:
			status = errorColor(status)
			if r.Status == session.StatusDead {
				dead = append(dead, r.TicketID)
			}
		case session.StatusDone:
			status = okColor(status)
		}
		phase := string(r.Phase)
		if r.Escalation != "" {
			phase += " (" + r.Escalation + ")"
		}
		tw.AppendRow(table.Row{r.TicketID, r.Agent, status, phase, r.Iteration, r.Bounces, r.Mode, r.PID, ago(r.UpdatedAt)})
	}
	tw.Render()

	if len(dead) > 0 {
		warnf(cmd.ErrOrStderr(), "dead peasants: %s (relaunch with `kd peasant msg <ticket> --relaunch`)", strings.Join(dead, ", "))
	}
	return nil
}

func runPeasantMsg(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	text := strings.Join(args[1:], " ")
	sent, err := ws.manager().Message(args[0], text, peasantRelaunch)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Posted message %d to %s\n", sent.Message.Sequence, sent.Message.To)
	switch {
	case sent.Relaunched:
		fmt.Fprintf(out, "Relaunched peasant (pid %d)\n", sent.PID)
	case sent.Dead:
		warnf(cmd.ErrOrStderr(), "the peasant is not running; the message will be read when it is relaunched (--relaunch)")
	}
	return nil
}

func runPeasantReview(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	m := ws.manager()
	out := cmd.OutOrStdout()
	if reviewAccept {
		if err := m.Accept(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Merged into %s and closed.\n", okColor("Accepted."), ws.branch)
		return nil
	}

	res, err := m.Reject(args[0], reviewReject)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Rejected; feedback posted as message %d.\n", res.Message.Sequence)
	if res.Relaunched {
		fmt.Fprintf(out, "Relaunched peasant (pid %d)\n", res.PID)
	}
	return nil
}

func runPeasantSync(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	if err := ws.manager().Sync(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into the worktree.\n", ws.branch)
	return nil
}

func runPeasantClean(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	if err := ws.manager().Clean(args[0], cleanForce); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cleaned.")
	return nil
}
