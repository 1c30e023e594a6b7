package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/ticket"
)

var tkCmd = &cobra.Command{
	Use:   "tk",
	Short: "Manage tickets",
}

var (
	tkPriority int
	tkType     string
	tkDeps     []string
	tkBody     string
	tkBacklog  bool
	tkStatus   string
	tkPattern  string
	tkArchived bool
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a ticket on the feature branch (or in the backlog)",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runTkCreate,
	}
	createCmd.Flags().IntVarP(&tkPriority, "priority", "p", ticket.DefaultPriority, "priority (lower is sooner)")
	createCmd.Flags().StringVarP(&tkType, "type", "t", "task", "ticket type")
	createCmd.Flags().StringSliceVarP(&tkDeps, "dep", "d", nil, "ticket this one depends on (repeatable)")
	createCmd.Flags().StringVarP(&tkBody, "body", "b", "", "description")
	createCmd.Flags().BoolVar(&tkBacklog, "backlog", false, "create in the shared backlog")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Args:  cobra.NoArgs,
		RunE:  runTkList,
	}
	listCmd.Flags().StringVarP(&tkStatus, "status", "s", "", "only tickets with this status")
	listCmd.Flags().StringVarP(&tkPattern, "match", "m", "", "glob matched against id and title")
	listCmd.Flags().BoolVar(&tkBacklog, "backlog", false, "list the backlog instead of the branch")
	listCmd.Flags().BoolVar(&tkArchived, "archived", false, "list archived tickets instead of the branch")

	showCmd := &cobra.Command{
		Use:   "show <ticket>",
		Short: "Print a ticket",
		Args:  cobra.ExactArgs(1),
		RunE:  runTkShow,
	}

	readyCmd := &cobra.Command{
		Use:   "ready",
		Short: "List open tickets whose dependencies are all closed",
		Args:  cobra.NoArgs,
		RunE:  runTkReady,
	}

	moveCmd := &cobra.Command{
		Use:   "move <ticket> <backlog|branch>",
		Short: "Move a ticket between the backlog and the feature branch",
		Args:  cobra.ExactArgs(2),
		RunE:  runTkMove,
	}

	statusCmd := &cobra.Command{
		Use:   "status <ticket> <open|in_progress|in_review|closed>",
		Short: "Change a ticket's status",
		Args:  cobra.ExactArgs(2),
		RunE:  runTkStatus,
	}

	tkCmd.AddCommand(createCmd, listCmd, showCmd, readyCmd, moveCmd, statusCmd)
}

// ticketDirs are searched in order when looking a ticket up.
func (w *workspace) ticketDirs() []string {
	return []string{
		w.layout.TicketsDir(w.branch),
		w.layout.BacklogTicketsDir(),
		w.layout.ArchiveTicketsDir(w.branch),
	}
}

func runTkCreate(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	dir := ws.layout.TicketsDir(ws.branch)
	if tkBacklog {
		dir = ws.layout.BacklogTicketsDir()
	}
	deps := make([]string, 0, len(tkDeps))
	for _, d := range tkDeps {
		deps = append(deps, ticket.NormalizeID(d))
	}
	if len(deps) > 0 {
		known, err := ticket.Known(ws.ticketDirs()...)
		if err != nil {
			return err
		}
		if err := ticket.ResolveDeps(&ticket.Ticket{ID: "new ticket", Deps: deps}, known); err != nil {
			return err
		}
	}
	t, err := ticket.Create(dir, strings.Join(args, " "), ticket.CreateOptions{
		Priority: tkPriority,
		Type:     tkType,
		Deps:     deps,
		Body:     tkBody,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), t.ID)
	return nil
}

func runTkList(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	dir := ws.layout.TicketsDir(ws.branch)
	switch {
	case tkBacklog:
		dir = ws.layout.BacklogTicketsDir()
	case tkArchived:
		dir = ws.layout.ArchiveTicketsDir(ws.branch)
	}
	status := ticket.Status(tkStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", tkStatus, kerrors.ErrInvalidInput)
	}
	tickets, errs, err := ticket.List(dir, ticket.Filter{Status: status, Pattern: tkPattern})
	if err != nil {
		return err
	}
	for _, e := range errs {
		warnf(cmd.ErrOrStderr(), "%v", e)
	}
	renderTickets(cmd, tickets)
	return nil
}

func renderTickets(cmd *cobra.Command, tickets []*ticket.Ticket) {
	out := cmd.OutOrStdout()
	if len(tickets) == 0 {
		fmt.Fprintln(out, "No tickets.")
		return
	}
	tw := newTable(out, table.Row{"ID", "Title", "Status", "Priority", "Type", "Deps"})
	for _, t := range tickets {
		tw.AppendRow(table.Row{t.ID, t.Title(), t.Status, t.Priority, t.Type, strings.Join(t.Deps, ", ")})
	}
	tw.Render()
}

func runTkShow(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	t, err := ticket.Find(args[0], ws.ticketDirs()...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  priority %d  %s\n", nameColor(t.ID), t.Status, t.Priority, t.Type)
	if len(t.Deps) > 0 {
		fmt.Fprintf(out, "%s %s\n", dimColor("depends on"), strings.Join(t.Deps, ", "))
	}
	fmt.Fprintf(out, "%s\n\n%s\n", dimColor(t.Path), t.Body)
	return nil
}

func runTkReady(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	candidates, errs, err := ticket.List(ws.layout.TicketsDir(ws.branch), ticket.Filter{Status: ticket.StatusOpen})
	if err != nil {
		return err
	}
	for _, e := range errs {
		warnf(cmd.ErrOrStderr(), "%v", e)
	}
	known, err := ticket.Known(ws.ticketDirs()...)
	if err != nil {
		return err
	}
	renderTickets(cmd, ticket.Ready(candidates, known))
	return nil
}

func runTkMove(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	var from, to string
	switch args[1] {
	case "backlog":
		from, to = ws.layout.TicketsDir(ws.branch), ws.layout.BacklogTicketsDir()
	case "branch":
		from, to = ws.layout.BacklogTicketsDir(), ws.layout.TicketsDir(ws.branch)
	default:
		return fmt.Errorf("destination must be backlog or branch, not %q: %w", args[1], kerrors.ErrInvalidInput)
	}
	t, err := ticket.Find(args[0], from)
	if err != nil {
		return err
	}
	if err := t.Move(to); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Moved %s to %s\n", t.ID, args[1])
	return nil
}

func runTkStatus(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	to := ticket.Status(args[1])
	if !to.Valid() {
		return fmt.Errorf("unknown status %q: %w", args[1], kerrors.ErrInvalidInput)
	}
	t, err := ticket.Find(args[0], ws.ticketDirs()...)
	if err != nil {
		return err
	}
	if _, err := ticket.Update(t.Path, func(t *ticket.Ticket) error {
		return t.SetStatus(to)
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", t.ID, t.Status, to)
	return nil
}
