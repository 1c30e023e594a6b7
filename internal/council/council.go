// Package council consults a configured set of agents for advisory,
// read-only feedback and records their replies in a thread.
package council

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/kingdom/internal/agent"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

const preamble = `You are an advisor on a council reviewing a software project.
You are consulted for opinion only: do not modify files or run commands that change state.
Answer the King's latest message. Be direct and concrete.`

// Options configures a Council.
type Options struct {
	Members     []string
	Timeout     time.Duration
	MaxParallel int
	// Workdir is where member processes run.
	Workdir string
}

// Council queries member agents.
type Council struct {
	opts     Options
	caller   agent.Caller
	sessions *session.Store
	threads  *thread.Store
	logger   *logging.Logger
}

// New creates a Council.
func New(opts Options, caller agent.Caller, sessions *session.Store, threads *thread.Store, logger *logging.Logger) *Council {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Council{opts: opts, caller: caller, sessions: sessions, threads: threads, logger: logger}
}

// Members returns the configured member names.
func (c *Council) Members() []string { return append([]string(nil), c.opts.Members...) }

// Reply is one member's answer.
type Reply struct {
	Member  string
	Text    string
	Err     error
	Message thread.Message
}

// AskOptions narrows an Ask.
type AskOptions struct {
	// To limits the ask to one member. Empty asks everyone.
	To string
	// OnReply is called as each reply is persisted, from the member's goroutine.
	OnReply func(Reply)
}

// targets resolves which members an ask goes to.
func (c *Council) targets(to string) ([]string, error) {
	if to == "" || to == thread.All {
		if len(c.opts.Members) == 0 {
			return nil, fmt.Errorf("no council members configured: %w", kerrors.ErrInvalidInput)
		}
		return c.Members(), nil
	}
	for _, m := range c.opts.Members {
		if m == to {
			return []string{to}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s is not a council member", kerrors.ErrUnknownAgent, to)
}

// Ask posts prompt from the King to the thread at dir and collects replies.
func (c *Council) Ask(ctx context.Context, dir, prompt string, opts AskOptions) ([]Reply, error) {
	members, err := c.targets(opts.To)
	if err != nil {
		return nil, err
	}
	if _, err := c.threads.Add(dir, thread.King, opts.To, prompt); err != nil {
		return nil, err
	}
	return c.respond(ctx, dir, members, opts.OnReply), nil
}

// Respond has members answer whatever King messages they have not yet
// replied to. It is what a detached async worker runs after Ask's message
// has been posted.
func (c *Council) Respond(ctx context.Context, dir string, opts AskOptions) ([]Reply, error) {
	members, err := c.targets(opts.To)
	if err != nil {
		return nil, err
	}
	return c.respond(ctx, dir, members, opts.OnReply), nil
}

func (c *Council) respond(ctx context.Context, dir string, members []string, onReply func(Reply)) []Reply {
	replies := make([]Reply, len(members))
	g, gctx := errgroup.WithContext(ctx)
	if c.opts.MaxParallel > 0 {
		g.SetLimit(c.opts.MaxParallel)
	}
	for i, m := range members {
		g.Go(func() error {
			r := c.query(gctx, dir, m, nil)
			replies[i] = r
			if onReply != nil {
				onReply(r)
			}
			return nil
		})
	}
	_ = g.Wait()
	return replies
}

// gate makes the staleness check and the write of a reply atomic with
// respect to new messages posted under the same mutex.
type gate struct {
	mu      *sync.Mutex
	current func() bool
}

// query runs one member against the thread. With a gate, a reply that is no
// longer current when the invocation finishes is discarded unpersisted.
func (c *Council) query(ctx context.Context, dir, member string, g *gate) Reply {
	logger := c.logger.With("member", member, "thread", filepath.Base(dir))
	name := session.CouncilName(member)

	st, _, err := c.sessions.Get(name)
	if err != nil {
		return Reply{Member: member, Err: err}
	}
	prompt, err := c.buildPrompt(dir, member, st.ResumeID == "")
	if err != nil {
		return Reply{Member: member, Err: err}
	}

	stream, err := thread.OpenStream(dir, member)
	if err != nil {
		logger.Warn("stream unavailable", "error", err)
	}
	req := agent.Request{
		Agent:    member,
		Prompt:   prompt,
		ResumeID: st.ResumeID,
		Elevated: false,
		Workdir:  c.opts.Workdir,
		Timeout:  c.opts.Timeout,
	}
	if stream != nil {
		req.Stream = stream
	}
	resp, invokeErr := c.caller.Invoke(ctx, req)
	if stream != nil {
		_ = stream.Close()
	}

	if g != nil {
		g.mu.Lock()
		defer g.mu.Unlock()
		if !g.current() {
			logger.Debug("discarding superseded reply")
			return Reply{Member: member, Text: resp.Text, Err: ErrSuperseded}
		}
	}

	if _, err := c.sessions.Update(name, func(s *session.AgentState) error {
		s.Agent = member
		if resp.ResumeID != "" {
			s.ResumeID = resp.ResumeID
		}
		s.Status = session.StatusDone
		s.LastError = ""
		if invokeErr != nil {
			s.Status = session.StatusFailed
			s.LastError = invokeErr.Error()
		}
		return nil
	}); err != nil {
		logger.Warn("session update failed", "error", err)
	}

	body := resp.Text
	if invokeErr != nil {
		logger.Warn("member failed", "error", invokeErr)
		body = failureBody(resp.Text, invokeErr)
	}
	msg, err := c.threads.Add(dir, member, thread.King, body)
	if err != nil {
		return Reply{Member: member, Text: resp.Text, Err: kerrors.Join(invokeErr, err)}
	}
	return Reply{Member: member, Text: resp.Text, Err: invokeErr, Message: msg}
}

// ErrSuperseded marks a chat reply dropped because a newer message arrived
// while it was being produced.
var ErrSuperseded = kerrors.New("reply superseded by a newer message")

func failureBody(partial string, err error) string {
	note := fmt.Sprintf("*Error: %v*", err)
	if kerrors.Is(err, kerrors.ErrTimeout) {
		note = "*Timed out before finishing.*"
	}
	if strings.TrimSpace(partial) == "" {
		return note
	}
	return partial + "\n\n" + note
}

// buildPrompt gathers the King's messages the member has not answered yet.
func (c *Council) buildPrompt(dir, member string, fresh bool) (string, error) {
	l, err := c.threads.List(dir)
	if err != nil {
		return "", err
	}
	after := 0
	for _, m := range l.Messages {
		if m.From == member {
			after = m.Sequence
		}
	}

	var pending []string
	for _, m := range l.Messages {
		if m.Sequence > after && m.From == thread.King && m.AddressedTo(member) {
			pending = append(pending, m.Body)
		}
	}
	if len(pending) == 0 {
		return "", fmt.Errorf("nothing for %s to answer: %w", member, kerrors.ErrInvalidInput)
	}

	var b strings.Builder
	if fresh {
		b.WriteString(preamble)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.Join(pending, "\n\n"))
	return b.String(), nil
}

// Reset forgets every member's resume token so the next ask starts a new
// conversation.
func (c *Council) Reset() error {
	var errs []error
	for _, m := range c.opts.Members {
		if err := c.sessions.ClearResume(session.CouncilName(m)); err != nil {
			errs = append(errs, err)
		}
	}
	return kerrors.Join(errs...)
}
