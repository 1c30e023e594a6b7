package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/kingdom/internal/agent"
	"github.com/Iron-Ham/kingdom/internal/council"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/layout"
	"github.com/Iron-Ham/kingdom/internal/peasant"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

var councilCmd = &cobra.Command{
	Use:     "council",
	Aliases: []string{"c"},
	Short:   "Consult the council of advisor agents",
}

var (
	askTo        string
	askAsync     bool
	askNewThread bool
	workerBase   string
	workerBranch string
)

func init() {
	askCmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask the council a question",
		Long: `Post a question from the King to the current council thread and collect
each member's answer. With --async the question is posted, a background
worker is started to collect the answers, and the thread id is printed
immediately; follow along with 'kd council watch'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runCouncilAsk,
	}
	askCmd.Flags().StringVar(&askTo, "to", "", "ask a single member (default: all)")
	askCmd.Flags().BoolVar(&askAsync, "async", false, "return immediately and answer in the background")
	askCmd.Flags().BoolVar(&askNewThread, "new-thread", false, "start a new council thread")

	workerCmd := &cobra.Command{
		Use:    "worker <thread>",
		Short:  "Answer pending King messages in a thread (used by ask --async)",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE:   runCouncilWorker,
	}
	workerCmd.Flags().StringVar(&askTo, "to", "", "member to answer (default: all)")
	workerCmd.Flags().StringVar(&workerBase, "base", "", "project root holding .kd")
	workerCmd.Flags().StringVar(&workerBranch, "branch", "", "feature branch")

	showCmd := &cobra.Command{
		Use:   "show [thread]",
		Short: "Print a council thread (default: the current one)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCouncilShow,
	}

	watchCmd := &cobra.Command{
		Use:   "watch [thread]",
		Short: "Follow a thread as members answer",
		Long: `Follow a thread live. On a terminal, members' output is streamed as it
is produced; otherwise only finished messages are printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCouncilWatch,
	}

	chatCmd := &cobra.Command{
		Use:   "chat [thread]",
		Short: "Talk with the council interactively",
		Long: `Read messages from stdin, one per line, and post each to the thread.
Start a line with @member to address one member. A new message sent while
a member is still answering replaces the question it is answering.
Type /quit or send EOF to leave.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCouncilChat,
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Start fresh conversations with every member",
		Args:  cobra.NoArgs,
		RunE:  runCouncilReset,
	}

	councilCmd.AddCommand(askCmd, workerCmd, showCmd, watchCmd, chatCmd, resetCmd)
}

func newCouncil(ws *workspace) (*council.Council, error) {
	invoker, err := agent.NewInvoker(ws.cfg.Agents, ws.log)
	if err != nil {
		return nil, err
	}
	return council.New(council.Options{
		Members:     ws.cfg.Council.Members,
		Timeout:     ws.cfg.Council.Timeout,
		MaxParallel: ws.cfg.Council.MaxParallel,
		Workdir:     ws.layout.Root,
	}, invoker, ws.sessions, ws.threads, ws.log), nil
}

// currentThread returns the branch's council thread, creating one when
// there is none or fresh is set.
func currentThread(ws *workspace, fresh bool) (id, dir string, err error) {
	id, err = session.EnsureCurrentThread(ws.layout.StatePath(ws.branch), fresh,
		func(id string) bool { return thread.Exists(ws.layout.ThreadDir(ws.branch, id)) },
		func() (string, error) {
			id := thread.NewID("council")
			meta := thread.Meta{ID: id, Kind: thread.KindCouncil, Members: ws.cfg.Council.Members}
			if _, err := ws.threads.Create(ws.layout.ThreadDir(ws.branch, id), meta); err != nil {
				return "", err
			}
			return id, nil
		})
	if err != nil {
		return "", "", err
	}
	return id, ws.layout.ThreadDir(ws.branch, id), nil
}

// threadArg resolves an optional thread argument, defaulting to the current
// thread.
func threadArg(ws *workspace, args []string) (string, string, error) {
	if len(args) == 0 {
		return currentThread(ws, false)
	}
	dir := ws.layout.ThreadDir(ws.branch, args[0])
	if !thread.Exists(dir) {
		return "", "", fmt.Errorf("thread %s: %w", args[0], kerrors.ErrThreadNotFound)
	}
	return args[0], dir, nil
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printReply(out io.Writer, r council.Reply) {
	header := nameColor(r.Member)
	if r.Err != nil {
		header += " " + errorColor("(failed)")
	}
	fmt.Fprintf(out, "\n%s\n%s\n", header, strings.TrimRight(r.Message.Body, "\n"))
}

func runCouncilAsk(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	id, dir, err := currentThread(ws, askNewThread)
	if err != nil {
		return err
	}
	prompt := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if askAsync {
		if _, err := ws.threads.Add(dir, thread.King, askTo, prompt); err != nil {
			return err
		}
		launchArgs := []string{"council", "worker", id, "--base", ws.layout.Root, "--branch", ws.branch}
		if askTo != "" {
			launchArgs = append(launchArgs, "--to", askTo)
		}
		pid, err := peasant.DetachedLauncher{}.Launch(peasant.LaunchSpec{
			Args:    launchArgs,
			Dir:     ws.layout.Root,
			LogPath: filepath.Join(ws.layout.LogsDir(ws.branch), id+".out"),
		})
		if err != nil {
			return err
		}
		ws.log.Info("council worker started", "thread", id, "pid", pid)
		fmt.Fprintln(out, id)
		return nil
	}

	c, err := newCouncil(ws)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	fmt.Fprintf(out, "%s %s\n", dimColor("thread"), id)
	var mu sync.Mutex
	replies, err := c.Ask(ctx, dir, prompt, council.AskOptions{
		To: askTo,
		OnReply: func(r council.Reply) {
			mu.Lock()
			defer mu.Unlock()
			printReply(out, r)
		},
	})
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r.Err != nil {
			warnf(cmd.ErrOrStderr(), "%s: %v", r.Member, r.Err)
		}
	}
	return nil
}

func runCouncilWorker(cmd *cobra.Command, args []string) error {
	l := layout.New(workerBase)
	if workerBase == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if l, err = layout.Find(cwd); err != nil {
			return err
		}
	}
	ws, err := openWorkspaceAt(l, workerBranch)
	if err != nil {
		return err
	}
	dir := ws.layout.ThreadDir(ws.branch, args[0])
	if !thread.Exists(dir) {
		return fmt.Errorf("thread %s: %w", args[0], kerrors.ErrThreadNotFound)
	}
	c, err := newCouncil(ws)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	replies, err := c.Respond(ctx, dir, council.AskOptions{To: askTo})
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r.Err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", r.Member, r.Err)
		}
	}
	return nil
}

func runCouncilShow(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	id, dir, err := threadArg(ws, args)
	if err != nil {
		return err
	}
	listing, err := ws.threads.List(dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", dimColor("thread"), id)
	for _, m := range listing.Messages {
		printMessage(out, m.Sequence, m.From, m.To, m.Body)
	}
	for _, e := range listing.Errors {
		warnf(cmd.ErrOrStderr(), "%v", e)
	}
	return nil
}

func printMessage(out io.Writer, seq int, from, to, body string) {
	header := fmt.Sprintf("%s %s", dimColor(fmt.Sprintf("#%d", seq)), nameColor(from))
	if to != "" {
		header += dimColor(" → " + to)
	}
	fmt.Fprintf(out, "\n%s\n%s\n", header, strings.TrimRight(body, "\n"))
}

func runCouncilReset(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	c, err := newCouncil(ws)
	if err != nil {
		return err
	}
	if err := c.Reset(); err != nil {
		return err
	}
	bs, err := session.ReadBranchState(ws.layout.StatePath(ws.branch))
	if err != nil {
		return err
	}
	if bs.CurrentThread != "" {
		dir := ws.layout.ThreadDir(ws.branch, bs.CurrentThread)
		if n, err := thread.ArchiveStreams(dir); err == nil && n > 0 {
			ws.log.Info("archived streams", "thread", bs.CurrentThread, "count", n)
		}
	}
	if err := session.SetCurrentThread(ws.layout.StatePath(ws.branch), ""); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Council reset; the next ask starts a new thread.")
	return nil
}

func runCouncilChat(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	id, dir, err := threadArg(ws, args)
	if err != nil {
		return err
	}
	c, err := newCouncil(ws)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s\n", dimColor("chatting in"), id, dimColor("(@member to address one, /quit to leave)"))
	ch := c.NewChat(dir)
	defer ch.Close()

	var mu sync.Mutex
	onReply := func(r council.Reply) {
		mu.Lock()
		defer mu.Unlock()
		printReply(out, r)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				ch.Wait()
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" {
				return nil
			}
			to, text := splitAddress(line)
			if _, err := ch.Send(ctx, text, to, onReply); err != nil {
				warnf(cmd.ErrOrStderr(), "%v", err)
			}
		}
	}
}

// splitAddress parses an optional leading "@member".
func splitAddress(line string) (to, text string) {
	if !strings.HasPrefix(line, "@") {
		return "", line
	}
	name, rest, _ := strings.Cut(line[1:], " ")
	return name, strings.TrimSpace(rest)
}
