// Package harness runs the peasant loop for one ticket: it repeatedly
// invokes an agent with the ticket and any new thread messages, enforces
// quality gates when the agent declares DONE, submits the change to a
// council review, and escalates to the King when a human decision is needed.
//
// The loop position is persisted in the peasant's session record after
// every step so a restarted harness resumes where the previous one stopped.
package harness

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Iron-Ham/kingdom/internal/agent"
	"github.com/Iron-Ham/kingdom/internal/config"
	"github.com/Iron-Ham/kingdom/internal/council"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
	"github.com/Iron-Ham/kingdom/internal/ticket"
)

// CouncilSender is the thread sender of review feedback directives.
const CouncilSender = "council"

// GatesSender is the thread sender of quality gate failures.
const GatesSender = "gates"

// Escalation reasons recorded in the session when the loop stops for the King.
const (
	ReasonApproved          = "approved"
	ReasonBounceLimit       = "bounce_limit"
	ReasonCouncilTimeout    = "council_timeout"
	ReasonCouncilIncomplete = "council_incomplete"
	ReasonReviewFailed      = "review_failed"
	ReasonMaxIterations     = "max_iterations"
	ReasonAgentTimeout      = "agent_timeout"
	ReasonAgentFailures     = "agent_failures"
)

// Reviewer runs a council review.
type Reviewer interface {
	Review(ctx context.Context, req council.ReviewRequest) (council.ReviewResult, error)
}

// Git is the repository access the harness needs to scope review diffs.
type Git interface {
	HeadSHA(path string) (string, error)
	DiffSince(path, base string) (string, error)
	DiffFromMergeBase(path, branch string) (string, error)
}

// Options describes one harness run.
type Options struct {
	TicketID   string
	TicketPath string
	// Session is the session record name and the thread sender name.
	Session string
	Agent   string
	Mode    session.Mode
	Workdir string
	// Feature is the branch a worktree run is diffed against.
	Feature         string
	ThreadDir       string
	ReviewThreadDir string

	MaxIterations          int
	MaxBounces             int
	MaxConsecutiveFailures int
	Timeout                time.Duration
	ReviewTimeout          time.Duration
	DiffScope              string
	PollInterval           time.Duration
}

// OptionsFromConfig fills the loop limits from configuration.
func OptionsFromConfig(opts Options, cfg *config.Config) Options {
	opts.MaxIterations = cfg.Peasant.MaxIterations
	opts.MaxBounces = cfg.Peasant.MaxBounces
	opts.MaxConsecutiveFailures = cfg.Peasant.MaxConsecutiveFailures
	opts.Timeout = cfg.Peasant.Timeout
	opts.ReviewTimeout = cfg.Council.ReviewTimeout
	opts.DiffScope = cfg.Council.DiffScope
	opts.PollInterval = cfg.Peasant.PollInterval
	if opts.Agent == "" {
		opts.Agent = cfg.Peasant.Agent
	}
	return opts
}

// Deps are the collaborators a Harness drives.
type Deps struct {
	Caller   agent.Caller
	Gates    GateRunner
	Reviewer Reviewer
	Git      Git
	Sessions *session.Store
	Threads  *thread.Store
	Logger   *logging.Logger
	// Metrics is optional.
	Metrics *Metrics
}

// Harness is a single peasant loop.
type Harness struct {
	opts Options
	deps Deps
	log  *logging.Logger

	st       session.AgentState
	failures int
	now      func() time.Time
}

// New creates a Harness.
func New(opts Options, deps Deps) *Harness {
	if deps.Logger == nil {
		deps.Logger = logging.NopLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReviewThreadDir == "" {
		opts.ReviewThreadDir = opts.ThreadDir
	}
	return &Harness{
		opts: opts,
		deps: deps,
		log:  deps.Logger.WithSession(opts.Session).WithTicket(opts.TicketID),
		now:  time.Now,
	}
}

// State returns the last persisted session state.
func (h *Harness) State() session.AgentState { return h.st }

// Run executes the loop until it reaches a terminal phase, the context is
// canceled, or a fatal error occurs. Only one Run per session may execute at
// a time across all processes; a second returns ErrAlreadyRunning.
func (h *Harness) Run(ctx context.Context) error {
	lock, err := h.deps.Sessions.AcquireRunLock(h.opts.Session)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	if err := h.start(); err != nil {
		return err
	}
	if h.st.Phase == session.PhaseDone {
		h.log.Info("ticket already done")
		return nil
	}

	for !h.st.Phase.Terminal() {
		if ctx.Err() != nil {
			return h.stop(ctx.Err())
		}
		var err error
		switch h.st.Phase {
		case session.PhaseWorking:
			err = h.work(ctx)
		case session.PhaseBlocked:
			err = h.waitForDirective(ctx)
		case session.PhaseAwaitingCouncil:
			err = h.review(ctx)
		default:
			err = h.transition(session.PhaseWorking, "")
		}
		h.flushMetrics()
		if err != nil {
			if ctx.Err() != nil {
				return h.stop(ctx.Err())
			}
			h.fail(err)
			return err
		}
	}
	h.log.Info("loop finished", "phase", string(h.st.Phase), "escalation", h.st.Escalation)
	return nil
}

// start recovers the loop position and marks the session as running.
func (h *Harness) start() error {
	prev, _, err := h.deps.Sessions.Get(h.opts.Session)
	if err != nil {
		return err
	}
	seen, err := h.recoverLastSeen(prev)
	if err != nil {
		return err
	}

	phase := prev.Phase
	switch phase {
	case session.PhaseDone, session.PhaseAwaitingCouncil:
	default:
		// A relaunch after the King replied or rejected resumes work.
		phase = session.PhaseWorking
	}

	h.st, err = h.deps.Sessions.Update(h.opts.Session, func(s *session.AgentState) error {
		s.Agent = h.opts.Agent
		s.Ticket = h.opts.TicketID
		s.Thread = h.opts.ThreadDir
		s.Mode = h.opts.Mode
		s.Workdir = h.opts.Workdir
		s.Feature = h.opts.Feature
		s.PID = os.Getpid()
		s.Status = statusFor(phase)
		s.Phase = phase
		s.LastSeenSeq = seen
		s.Escalation = ""
		s.StartedAt = h.now().UTC()
		if s.StartSHA == "" && h.deps.Git != nil {
			if sha, err := h.deps.Git.HeadSHA(h.opts.Workdir); err == nil {
				s.StartSHA = sha
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.log.Info("harness started", "phase", string(phase), "last_seen_seq", seen, "iteration", h.st.Iteration)

	if phase == session.PhaseWorking {
		return h.setTicketStatus(ticket.StatusInProgress)
	}
	return nil
}

// recoverLastSeen finds the newest thread sequence this session has already
// acted on. It starts from the last message the session itself wrote, since
// anything after that was posted while no harness was reading. A persisted
// value lower than that wins: those messages arrived mid-invocation and were
// never included in a prompt.
func (h *Harness) recoverLastSeen(prev session.AgentState) (int, error) {
	last, found, err := h.deps.Threads.LastFrom(h.opts.ThreadDir, h.opts.Session)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	seen := last.Sequence
	if prev.LastSeenSeq > 0 && prev.LastSeenSeq < seen {
		seen = prev.LastSeenSeq
	}
	return seen, nil
}

// unread returns thread messages after LastSeenSeq that this session should
// act on.
func (h *Harness) unread() ([]thread.Message, int, error) {
	l, err := h.deps.Threads.Since(h.opts.ThreadDir, h.st.LastSeenSeq)
	if err != nil {
		return nil, 0, err
	}
	for _, perr := range l.Errors {
		h.log.Warn("skipping unreadable message", "error", perr)
	}
	var (
		out     []thread.Message
		highest = h.st.LastSeenSeq
	)
	for _, m := range l.Messages {
		highest = max(highest, m.Sequence)
		if m.From == h.opts.Session {
			continue
		}
		if m.From == thread.King || m.AddressedTo(h.opts.Session) {
			out = append(out, m)
		}
	}
	return out, highest, nil
}

// work runs one agent iteration.
func (h *Harness) work(ctx context.Context) error {
	iteration := h.st.Iteration + 1
	if h.opts.MaxIterations > 0 && iteration > h.opts.MaxIterations {
		return h.escalate(ReasonMaxIterations, fmt.Sprintf("Stopped after %d iterations without an accepted DONE.", h.opts.MaxIterations))
	}
	log := h.log.WithPhase(string(session.PhaseWorking)).With("iteration", iteration)

	msgs, highest, err := h.unread()
	if err != nil {
		return err
	}
	prompt := buildPrompt(promptInput{
		TicketID:   h.opts.TicketID,
		TicketPath: h.opts.TicketPath,
		Workdir:    h.opts.Workdir,
		Iteration:  iteration,
		Messages:   msgs,
	})

	stream, err := thread.OpenStream(h.opts.ThreadDir, h.opts.Session)
	if err != nil {
		log.Warn("stream unavailable", "error", err)
	}
	req := agent.Request{
		Agent:    h.opts.Agent,
		Prompt:   prompt,
		ResumeID: h.st.ResumeID,
		Elevated: true,
		Workdir:  h.opts.Workdir,
		Timeout:  h.opts.Timeout,
	}
	if stream != nil {
		req.Stream = stream
	}
	log.Info("invoking agent", "messages", len(msgs))
	resp, invokeErr := h.deps.Caller.Invoke(ctx, req)
	if stream != nil {
		_ = stream.Close()
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.iterations.Inc()
	}
	if invokeErr != nil && ctx.Err() != nil {
		return invokeErr
	}

	if err := h.save(func(s *session.AgentState) {
		s.Iteration++
		s.LastSeenSeq = max(s.LastSeenSeq, highest)
		if resp.ResumeID != "" {
			s.ResumeID = resp.ResumeID
		}
	}); err != nil {
		return err
	}

	iteration = h.st.Iteration
	if invokeErr != nil {
		return h.agentFailed(iteration, resp, invokeErr)
	}
	h.failures = 0

	if _, err := h.deps.Threads.Add(h.opts.ThreadDir, h.opts.Session, thread.King, resp.Text); err != nil {
		log.Warn("failed to post reply", "error", err)
	}

	signal := ParseSignal(resp.Text)
	log.Info("agent replied", "signal", string(signal), "duration", resp.Duration.String())

	switch signal {
	case SignalBlocked:
		h.worklog(iteration, "BLOCKED", summarize(resp.Text))
		return h.transition(session.PhaseBlocked, "")
	case SignalDone:
		return h.checkGates(ctx, iteration, resp.Text)
	default:
		h.worklog(iteration, "CONTINUE", summarize(resp.Text))
		return nil
	}
}

// checkGates runs the quality gates after a DONE. A failure overrides the
// signal to CONTINUE and posts the gate output to the thread, addressed to
// this session, so the next prompt carries it even across a restart.
func (h *Harness) checkGates(ctx context.Context, iteration int, text string) error {
	if h.deps.Gates == nil {
		h.worklog(iteration, "DONE", summarize(text))
		return h.transition(session.PhaseAwaitingCouncil, "")
	}
	report := h.deps.Gates.Run(ctx, h.opts.Workdir)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if report.Passed() {
		h.worklog(iteration, "DONE", summarize(text)+" (gates passed)")
		return h.transition(session.PhaseAwaitingCouncil, "")
	}

	var names []string
	for _, f := range report.Failures() {
		names = append(names, f.Name)
		if h.deps.Metrics != nil {
			h.deps.Metrics.gateFails.WithLabelValues(f.Name).Inc()
		}
	}
	h.log.Warn("quality gates failed", "iteration", iteration, "gates", names)
	if _, err := h.deps.Threads.Add(h.opts.ThreadDir, GatesSender, h.opts.Session, report.Feedback()); err != nil {
		return err
	}
	h.worklog(iteration, "CONTINUE", fmt.Sprintf("declared DONE but gates failed: %v", names))
	return nil
}

func (h *Harness) agentFailed(iteration int, resp agent.Response, err error) error {
	h.log.Warn("agent invocation failed", "iteration", iteration, "error", err)
	h.worklog(iteration, "ERROR", err.Error())

	if kerrors.Is(err, kerrors.ErrTimeout) {
		body := "Agent invocation timed out."
		if resp.Text != "" {
			body = resp.Text + "\n\n*" + body + "*"
		}
		return h.escalate(ReasonAgentTimeout, body)
	}
	// Misconfiguration and other non-retryable errors stop the loop.
	if !kerrors.IsRetryable(err) {
		return err
	}
	h.failures++
	if h.opts.MaxConsecutiveFailures > 0 && h.failures >= h.opts.MaxConsecutiveFailures {
		return h.escalate(ReasonAgentFailures, fmt.Sprintf("Agent failed %d times in a row. Last error: %v", h.failures, err))
	}
	return nil
}

// waitForDirective blocks until the King or someone addressing this session
// posts a new message.
func (h *Harness) waitForDirective(ctx context.Context) error {
	h.log.Info("blocked; waiting for a directive")
	err := thread.WaitFor(ctx, h.opts.ThreadDir, h.opts.PollInterval, func() (bool, error) {
		msgs, _, err := h.unread()
		return len(msgs) > 0, err
	})
	if err != nil {
		return err
	}
	return h.transition(session.PhaseWorking, "")
}

// review submits the change to the council and applies the verdicts.
func (h *Harness) review(ctx context.Context) error {
	log := h.log.WithPhase(string(session.PhaseAwaitingCouncil))
	if err := h.setTicketStatus(ticket.StatusInReview); err != nil {
		return err
	}
	t, err := ticket.Load(h.opts.TicketPath)
	if err != nil {
		return err
	}
	diff, head, err := h.diff()
	if err != nil {
		log.Warn("diff unavailable", "error", err)
		diff = fmt.Sprintf("(diff unavailable: %v)", err)
	}
	if _, err := h.deps.Threads.Create(h.opts.ReviewThreadDir, thread.Meta{Kind: thread.KindCouncil, Ticket: h.opts.TicketID}); err != nil {
		return err
	}

	log.Info("requesting council review", "bounces", h.st.ReviewBounceCount)
	res, err := h.deps.Reviewer.Review(ctx, council.ReviewRequest{
		Dir:      h.opts.ReviewThreadDir,
		TicketID: h.opts.TicketID,
		Ticket:   t.Body,
		Worklog:  t.Worklog(),
		Diff:     diff,
		Timeout:  h.opts.ReviewTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return h.escalate(ReasonReviewFailed, fmt.Sprintf("Council review failed: %v", err))
	}
	for _, w := range res.Warnings {
		log.Warn("review warning", "warning", w)
	}

	switch {
	case res.TimedOut:
		return h.escalate(ReasonCouncilTimeout, "Council review timed out; partial responses are in the review thread.")
	case !res.Complete():
		return h.escalate(ReasonCouncilIncomplete, "Some council members failed to review; see the review thread.")
	}

	blocking := res.Blocking()
	if len(blocking) == 0 {
		return h.escalate(ReasonApproved, "Council approved. Awaiting the King's review.")
	}

	if h.deps.Metrics != nil {
		h.deps.Metrics.bounces.Inc()
	}
	if err := h.save(func(s *session.AgentState) {
		s.ReviewBounceCount++
		if head != "" {
			s.LastReviewSHA = head
		}
	}); err != nil {
		return err
	}
	bounces := h.st.ReviewBounceCount
	if h.opts.MaxBounces > 0 && bounces >= h.opts.MaxBounces {
		log.Warn("bounce limit reached", "bounces", bounces)
		return h.escalate(ReasonBounceLimit, fmt.Sprintf("Council blocked %d times; escalating.\n\n%s", bounces, res.Feedback()))
	}

	if _, err := h.deps.Threads.Add(h.opts.ThreadDir, CouncilSender, h.opts.Session, res.Feedback()); err != nil {
		return err
	}
	if err := h.setTicketStatus(ticket.StatusInProgress); err != nil {
		return err
	}
	log.Info("council blocked; back to work", "bounces", bounces)
	return h.transition(session.PhaseWorking, "")
}

// diff returns the review diff for the configured scope and the current HEAD.
func (h *Harness) diff() (string, string, error) {
	if h.deps.Git == nil {
		return "", "", nil
	}
	head, err := h.deps.Git.HeadSHA(h.opts.Workdir)
	if err != nil {
		return "", "", err
	}
	if h.opts.DiffScope == config.DiffScopeLatest && h.st.LastReviewSHA != "" {
		d, err := h.deps.Git.DiffSince(h.opts.Workdir, h.st.LastReviewSHA)
		return d, head, err
	}
	if h.opts.Mode == session.ModeWorktree && h.opts.Feature != "" {
		d, err := h.deps.Git.DiffFromMergeBase(h.opts.Workdir, h.opts.Feature)
		return d, head, err
	}
	if h.st.StartSHA == "" {
		return "", head, fmt.Errorf("no start commit recorded: %w", kerrors.ErrInvalidInput)
	}
	d, err := h.deps.Git.DiffSince(h.opts.Workdir, h.st.StartSHA)
	return d, head, err
}

// escalate stops the loop for the King with reason, posting body to the
// thread.
func (h *Harness) escalate(reason, body string) error {
	h.log.Info("escalating to the King", "reason", reason)
	if _, err := h.deps.Threads.Add(h.opts.ThreadDir, h.opts.Session, thread.King, body); err != nil {
		h.log.Warn("failed to post escalation", "error", err)
	}
	return h.transition(session.PhaseNeedsKingReview, reason)
}

func (h *Harness) transition(phase session.Phase, escalation string) error {
	from := h.st.Phase
	if err := h.save(func(s *session.AgentState) {
		s.Phase = phase
		s.Status = statusFor(phase)
		s.Escalation = escalation
	}); err != nil {
		return err
	}
	h.log.Debug("phase transition", "from", string(from), "to", string(phase))
	return nil
}

func (h *Harness) save(fn func(*session.AgentState)) error {
	st, err := h.deps.Sessions.Update(h.opts.Session, func(s *session.AgentState) error {
		fn(s)
		return nil
	})
	if err != nil {
		return kerrors.NewHarnessError("failed to persist session", err).
			WithTicket(h.opts.TicketID).
			WithPhase(string(h.st.Phase))
	}
	h.st = st
	return nil
}

// stop records a cancellation and returns cause.
func (h *Harness) stop(cause error) error {
	h.log.Info("harness stopped", "phase", string(h.st.Phase))
	if err := h.save(func(s *session.AgentState) {
		s.Status = session.StatusStopped
	}); err != nil {
		h.log.Error("failed to record stop", "error", err)
	}
	return cause
}

func (h *Harness) fail(err error) {
	h.log.Error("harness failed", "error", err)
	if serr := h.save(func(s *session.AgentState) {
		s.Status = session.StatusFailed
		s.LastError = err.Error()
	}); serr != nil {
		h.log.Error("failed to record failure", "error", serr)
	}
}

func (h *Harness) setTicketStatus(to ticket.Status) error {
	_, err := ticket.Update(h.opts.TicketPath, func(t *ticket.Ticket) error {
		if t.Status == to {
			return nil
		}
		return t.SetStatus(to)
	})
	return err
}

func (h *Harness) worklog(iteration int, signal, summary string) {
	entry := fmt.Sprintf("Iteration %d [%s]: %s", iteration, signal, summary)
	if _, err := ticket.Update(h.opts.TicketPath, func(t *ticket.Ticket) error {
		t.AppendWorklog(h.now(), entry)
		return nil
	}); err != nil {
		h.log.Warn("failed to append worklog", "error", err)
	}
}

func (h *Harness) flushMetrics() {
	if h.deps.Metrics == nil {
		return
	}
	if err := h.deps.Metrics.Flush(); err != nil {
		h.log.Debug("metrics flush failed", "error", err)
	}
}

func statusFor(phase session.Phase) session.Status {
	switch phase {
	case session.PhaseBlocked:
		return session.StatusBlocked
	case session.PhaseNeedsKingReview, session.PhaseDone:
		return session.StatusDone
	default:
		return session.StatusWorking
	}
}
