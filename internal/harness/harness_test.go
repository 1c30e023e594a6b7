package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/kingdom/internal/agent"
	"github.com/Iron-Ham/kingdom/internal/config"
	"github.com/Iron-Ham/kingdom/internal/council"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
	"github.com/Iron-Ham/kingdom/internal/ticket"
)

// scriptedCaller returns its responses in order, repeating the last one.
type scriptedCaller struct {
	mu        sync.Mutex
	responses []func(ctx context.Context) (agent.Response, error)
	prompts   []string
	requests  []agent.Request
}

func (c *scriptedCaller) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	c.mu.Lock()
	i := len(c.prompts)
	c.prompts = append(c.prompts, req.Prompt)
	c.requests = append(c.requests, req)
	fn := c.responses[min(i, len(c.responses)-1)]
	c.mu.Unlock()
	return fn(ctx)
}

func reply(text string) func(context.Context) (agent.Response, error) {
	return func(context.Context) (agent.Response, error) {
		return agent.Response{Text: text, ResumeID: "resume-1"}, nil
	}
}

type scriptedGates struct {
	reports []GateReport
	calls   int
}

func (g *scriptedGates) Run(context.Context, string) GateReport {
	r := g.reports[min(g.calls, len(g.reports)-1)]
	g.calls++
	return r
}

var passing = GateReport{Results: []GateResult{{Name: "test", Passed: true}}}

type scriptedReviewer struct {
	results  []council.ReviewResult
	requests []council.ReviewRequest
}

func (r *scriptedReviewer) Review(_ context.Context, req council.ReviewRequest) (council.ReviewResult, error) {
	res := r.results[min(len(r.requests), len(r.results)-1)]
	r.requests = append(r.requests, req)
	return res, nil
}

func approved() council.ReviewResult {
	return council.ReviewResult{Verdicts: []council.MemberVerdict{{Member: "claude", Verdict: council.VerdictApproved, Parsed: true}}}
}

func blocking(feedback string) council.ReviewResult {
	return council.ReviewResult{Verdicts: []council.MemberVerdict{
		{Member: "claude", Verdict: council.VerdictBlocking, Parsed: true, Text: feedback},
		{Member: "codex", Verdict: council.VerdictApproved, Parsed: true},
	}}
}

// fakeGit hands out sha1, sha2, ... on each HeadSHA call.
type fakeGit struct {
	heads int
	bases []string
}

func (g *fakeGit) HeadSHA(string) (string, error) {
	g.heads++
	return fmt.Sprintf("sha%d", g.heads), nil
}

func (g *fakeGit) DiffSince(_, base string) (string, error) {
	g.bases = append(g.bases, base)
	return "+change since " + base, nil
}

func (g *fakeGit) DiffFromMergeBase(_, branch string) (string, error) {
	g.bases = append(g.bases, branch+"...")
	return "+change vs " + branch, nil
}

type fixture struct {
	opts     Options
	deps     Deps
	caller   *scriptedCaller
	sessions *session.Store
	threads  *thread.Store
	ticket   *ticket.Ticket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	tk, err := ticket.Create(filepath.Join(root, "tickets"), "Add login", ticket.CreateOptions{Body: "Implement the login form."})
	if err != nil {
		t.Fatal(err)
	}
	name := session.PeasantName(tk.ID)
	threadDir := filepath.Join(root, "threads", tk.ID)
	threads := thread.NewStore()
	if _, err := threads.Create(threadDir, thread.Meta{Kind: thread.KindPeasant, Ticket: tk.ID}); err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		caller:   &scriptedCaller{},
		sessions: session.NewStore(filepath.Join(root, "sessions")),
		threads:  threads,
		ticket:   tk,
	}
	f.opts = Options{
		TicketID:        tk.ID,
		TicketPath:      tk.Path,
		Session:         name,
		Agent:           "claude",
		Mode:            session.ModeHand,
		Workdir:         root,
		ThreadDir:       threadDir,
		ReviewThreadDir: filepath.Join(root, "threads", "review-"+tk.ID),
		MaxIterations:   20,
		MaxBounces:      3,
		PollInterval:    20 * time.Millisecond,
	}
	f.deps = Deps{
		Caller:   f.caller,
		Gates:    &scriptedGates{reports: []GateReport{passing}},
		Reviewer: &scriptedReviewer{results: []council.ReviewResult{approved()}},
		Git:      &fakeGit{},
		Sessions: f.sessions,
		Threads:  threads,
	}
	return f
}

func (f *fixture) run(t *testing.T) session.AgentState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := New(f.opts, f.deps).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	st, _, err := f.sessions.Get(f.opts.Session)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		text string
		want Signal
	}{
		{"All tests pass.\nSTATUS: DONE", SignalDone},
		{"**STATUS: BLOCKED**\nNeed credentials", SignalBlocked},
		{"status: continue", SignalContinue},
		{"STATUS: DONE\nsecond thoughts\n`STATUS: CONTINUE`", SignalContinue},
		{"I am done", SignalContinue},
		{"", SignalContinue},
	}
	for _, tt := range tests {
		if got := ParseSignal(tt.text); got != tt.want {
			t.Errorf("ParseSignal(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestRun_RestartPicksUpQueuedDirective(t *testing.T) {
	f := newFixture(t)
	// A previous harness read the kickoff and replied, then died before the
	// King posted a directive.
	mustAdd(t, f.threads, f.opts.ThreadDir, thread.King, "", "kickoff-message")
	mustAdd(t, f.threads, f.opts.ThreadDir, f.opts.Session, thread.King, "working on it")
	mustAdd(t, f.threads, f.opts.ThreadDir, thread.King, f.opts.Session, "use the v2 API")

	f.caller.responses = append(f.caller.responses, reply("Done.\nSTATUS: DONE"))
	st := f.run(t)

	first := f.caller.prompts[0]
	if !strings.Contains(first, "use the v2 API") {
		t.Errorf("first prompt is missing the queued directive:\n%s", first)
	}
	if strings.Contains(first, "kickoff-message") {
		t.Errorf("first prompt repeats an already handled message:\n%s", first)
	}
	if st.LastSeenSeq < 3 {
		t.Errorf("LastSeenSeq = %d, want >= 3", st.LastSeenSeq)
	}
	if !f.caller.requests[0].Elevated {
		t.Error("peasant invocations must be elevated")
	}
}

func TestRun_GateFailureOverridesDone(t *testing.T) {
	f := newFixture(t)
	f.caller.responses = append(f.caller.responses, reply("Finished.\nSTATUS: DONE"), reply("Fixed the test.\nSTATUS: DONE"))
	gates := &scriptedGates{reports: []GateReport{
		{Results: []GateResult{{Name: "test", Command: "go test ./...", Output: "--- FAIL: TestLogin"}}},
		passing,
	}}
	f.deps.Gates = gates
	metricsPath := filepath.Join(t.TempDir(), "metrics", f.opts.Session+".prom")
	f.deps.Metrics = NewMetrics(f.opts.Session, metricsPath)

	st := f.run(t)

	if len(f.caller.prompts) != 2 {
		t.Fatalf("invocations = %d, want 2", len(f.caller.prompts))
	}
	if !strings.Contains(f.caller.prompts[1], "--- FAIL: TestLogin") {
		t.Errorf("second prompt lacks gate output:\n%s", f.caller.prompts[1])
	}
	if strings.Contains(f.caller.prompts[0], "FAIL") {
		t.Error("gate output leaked into the first prompt")
	}
	if st.Phase != session.PhaseNeedsKingReview || st.Escalation != ReasonApproved {
		t.Errorf("final state = %s/%s", st.Phase, st.Escalation)
	}

	tk, err := ticket.Load(f.ticket.Path)
	if err != nil {
		t.Fatal(err)
	}
	if wl := tk.Worklog(); !strings.Contains(wl, "[CONTINUE]: declared DONE but gates failed") || !strings.Contains(wl, "[DONE]") {
		t.Errorf("worklog = %q", wl)
	}
	if tk.Status != ticket.StatusInReview {
		t.Errorf("ticket status = %s, want in_review", tk.Status)
	}

	data, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"kd_harness_iterations_total", `kd_harness_gate_failures_total{gate="test"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

func TestRun_GateFeedbackSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.caller.responses = append(f.caller.responses,
		reply("Finished.\nSTATUS: DONE"),
		func(context.Context) (agent.Response, error) {
			cancel()
			return agent.Response{}, context.Canceled
		},
	)
	f.deps.Gates = &scriptedGates{reports: []GateReport{
		{Results: []GateResult{{Name: "test", Command: "go test ./...", Output: "--- FAIL: TestLogout"}}},
	}}
	if err := New(f.opts, f.deps).Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("first Run() error = %v, want context.Canceled", err)
	}

	restarted := &scriptedCaller{responses: []func(context.Context) (agent.Response, error){reply("Fixed.\nSTATUS: DONE")}}
	f.deps.Caller = restarted
	f.deps.Gates = &scriptedGates{reports: []GateReport{passing}}
	f.caller = restarted
	f.run(t)

	if !strings.Contains(restarted.prompts[0], "--- FAIL: TestLogout") {
		t.Errorf("prompt after restart lacks gate output:\n%s", restarted.prompts[0])
	}
	last, ok, err := f.threads.LastFrom(f.opts.ThreadDir, GatesSender)
	if err != nil || !ok || last.To != f.opts.Session {
		t.Errorf("gate feedback message = %+v, %v, %v", last, ok, err)
	}
}

func TestRun_BounceLimit(t *testing.T) {
	f := newFixture(t)
	f.opts.DiffScope = config.DiffScopeLatest
	f.caller.responses = append(f.caller.responses, reply("STATUS: DONE"))
	reviewer := &scriptedReviewer{results: []council.ReviewResult{blocking("Missing input validation.")}}
	f.deps.Reviewer = reviewer
	git := &fakeGit{}
	f.deps.Git = git

	st := f.run(t)

	if st.Phase != session.PhaseNeedsKingReview || st.Escalation != ReasonBounceLimit {
		t.Errorf("final state = %s/%s, want needs_king_review/bounce_limit", st.Phase, st.Escalation)
	}
	if st.ReviewBounceCount != 3 {
		t.Errorf("ReviewBounceCount = %d, want 3", st.ReviewBounceCount)
	}
	if len(reviewer.requests) != 3 || len(f.caller.prompts) != 3 {
		t.Errorf("reviews = %d, invocations = %d, want 3 each", len(reviewer.requests), len(f.caller.prompts))
	}
	for i, p := range f.caller.prompts[1:] {
		if !strings.Contains(p, "Missing input validation.") {
			t.Errorf("prompt %d lacks the council feedback", i+2)
		}
	}
	// With the latest scope, each review after the first is diffed from the
	// previous review's HEAD.
	want := []string{"sha1", "sha2", "sha3"}
	if strings.Join(git.bases, ",") != strings.Join(want, ",") {
		t.Errorf("diff bases = %v, want %v", git.bases, want)
	}
	if reviewer.requests[0].Dir != f.opts.ReviewThreadDir {
		t.Errorf("review dir = %s", reviewer.requests[0].Dir)
	}
}

// resettingReviewer clears the bounce count through the session store while
// its second review is in flight, as a King's reject would.
type resettingReviewer struct {
	*scriptedReviewer
	sessions *session.Store
	name     string
}

func (r resettingReviewer) Review(ctx context.Context, req council.ReviewRequest) (council.ReviewResult, error) {
	if len(r.requests) == 1 {
		if _, err := r.sessions.Update(r.name, func(s *session.AgentState) error {
			s.ReviewBounceCount = 0
			return nil
		}); err != nil {
			return council.ReviewResult{}, err
		}
	}
	return r.scriptedReviewer.Review(ctx, req)
}

func TestRun_BounceCountKeepsConcurrentWrites(t *testing.T) {
	f := newFixture(t)
	f.caller.responses = append(f.caller.responses, reply("STATUS: DONE"))
	f.deps.Reviewer = resettingReviewer{
		scriptedReviewer: &scriptedReviewer{results: []council.ReviewResult{
			blocking("one"), blocking("two"), blocking("three"), approved(),
		}},
		sessions: f.sessions,
		name:     f.opts.Session,
	}

	st := f.run(t)

	if st.Escalation != ReasonApproved {
		t.Fatalf("escalation = %s, want approved", st.Escalation)
	}
	if st.ReviewBounceCount != 2 {
		t.Errorf("ReviewBounceCount = %d, want 2 after the reset", st.ReviewBounceCount)
	}
}

func TestRun_CumulativeWorktreeDiff(t *testing.T) {
	f := newFixture(t)
	f.opts.Mode = session.ModeWorktree
	f.opts.Feature = "feature/login"
	f.opts.DiffScope = config.DiffScopeCumulative
	f.caller.responses = append(f.caller.responses, reply("STATUS: DONE"))
	git := &fakeGit{}
	f.deps.Git = git

	f.run(t)

	if len(git.bases) != 1 || git.bases[0] != "feature/login..." {
		t.Errorf("diff bases = %v, want three-dot against the feature branch", git.bases)
	}
}

func TestRun_MissingVerdictApproves(t *testing.T) {
	f := newFixture(t)
	f.caller.responses = append(f.caller.responses, reply("STATUS: DONE"))

	members := func(_ context.Context, req agent.Request) (agent.Response, error) {
		if req.Elevated {
			return agent.Response{}, errors.New("council must not be elevated")
		}
		return agent.Response{Text: "Looks reasonable to me."}, nil
	}
	c := council.New(council.Options{Members: []string{"claude"}}, callerFunc(members), f.sessions, f.threads, nil)
	f.deps.Reviewer = c

	st := f.run(t)
	if st.Phase != session.PhaseNeedsKingReview || st.Escalation != ReasonApproved {
		t.Errorf("final state = %s/%s, want approved", st.Phase, st.Escalation)
	}
	if st.ReviewBounceCount != 0 {
		t.Errorf("ReviewBounceCount = %d", st.ReviewBounceCount)
	}
	l, _ := f.threads.List(f.opts.ReviewThreadDir)
	if len(l.Messages) != 2 {
		t.Errorf("review thread has %d messages, want prompt and reply", len(l.Messages))
	}
}

type callerFunc func(context.Context, agent.Request) (agent.Response, error)

func (fn callerFunc) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	return fn(ctx, req)
}

func TestRun_BlockedWaitsForDirective(t *testing.T) {
	f := newFixture(t)
	f.deps.Gates = nil
	posted := make(chan struct{})
	f.caller.responses = append(f.caller.responses,
		func(context.Context) (agent.Response, error) {
			go func() {
				time.Sleep(100 * time.Millisecond)
				mustAdd(t, f.threads, f.opts.ThreadDir, thread.King, f.opts.Session, "the token is in vault")
				close(posted)
			}()
			return agent.Response{Text: "I need the API token.\nSTATUS: BLOCKED"}, nil
		},
		reply("STATUS: DONE"),
	)

	st := f.run(t)
	<-posted

	if len(f.caller.prompts) != 2 || !strings.Contains(f.caller.prompts[1], "the token is in vault") {
		t.Errorf("prompts = %q", f.caller.prompts)
	}
	if st.Phase != session.PhaseNeedsKingReview {
		t.Errorf("phase = %s", st.Phase)
	}
}

func TestRun_AgentTimeoutEscalates(t *testing.T) {
	f := newFixture(t)
	f.caller.responses = append(f.caller.responses, func(context.Context) (agent.Response, error) {
		return agent.Response{Text: "half done"}, kerrors.NewAgentError("agent timed out", kerrors.ErrTimeout).WithTimedOut(true)
	})

	st := f.run(t)
	if st.Phase != session.PhaseNeedsKingReview || st.Escalation != ReasonAgentTimeout {
		t.Errorf("final state = %s/%s", st.Phase, st.Escalation)
	}
	if len(f.caller.prompts) != 1 {
		t.Errorf("timed out invocation was retried %d times", len(f.caller.prompts)-1)
	}
	last, _, _ := f.threads.LastFrom(f.opts.ThreadDir, f.opts.Session)
	if !strings.Contains(last.Body, "half done") {
		t.Errorf("partial output not reported: %q", last.Body)
	}
}

func TestRun_ConsecutiveFailures(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxConsecutiveFailures = 2
	f.caller.responses = append(f.caller.responses, func(context.Context) (agent.Response, error) {
		return agent.Response{}, kerrors.NewAgentError("exit status 1", kerrors.ErrAgentFailed).WithExitCode(1)
	})

	st := f.run(t)
	if st.Escalation != ReasonAgentFailures || len(f.caller.prompts) != 2 {
		t.Errorf("escalation = %s after %d invocations", st.Escalation, len(f.caller.prompts))
	}
}

func TestRun_NonRetryableErrorStops(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxConsecutiveFailures = 5
	f.caller.responses = append(f.caller.responses, func(context.Context) (agent.Response, error) {
		return agent.Response{}, fmt.Errorf("%w: gemini", kerrors.ErrUnknownAgent)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := New(f.opts, f.deps).Run(ctx)
	if !errors.Is(err, kerrors.ErrUnknownAgent) {
		t.Fatalf("Run() error = %v, want ErrUnknownAgent", err)
	}
	if len(f.caller.prompts) != 1 {
		t.Errorf("non-retryable error was retried %d times", len(f.caller.prompts)-1)
	}
}

func TestRun_MaxIterations(t *testing.T) {
	f := newFixture(t)
	f.opts.MaxIterations = 2
	f.caller.responses = append(f.caller.responses, reply("still going"))

	st := f.run(t)
	if st.Escalation != ReasonMaxIterations || st.Iteration != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestRun_CancelRecordsStopped(t *testing.T) {
	f := newFixture(t)
	f.caller.responses = append(f.caller.responses, func(ctx context.Context) (agent.Response, error) {
		<-ctx.Done()
		return agent.Response{}, kerrors.Join(kerrors.ErrCanceled, ctx.Err())
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	err := New(f.opts, f.deps).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	st, _, _ := f.sessions.Get(f.opts.Session)
	if st.Status != session.StatusStopped || st.Phase != session.PhaseWorking {
		t.Errorf("state = %s/%s", st.Status, st.Phase)
	}
	if f.sessions.HarnessRunning(f.opts.Session) {
		t.Error("run lock not released")
	}
}

func TestRun_SecondHarnessRefused(t *testing.T) {
	f := newFixture(t)
	lock, err := f.sessions.AcquireRunLock(f.opts.Session)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lock.Release() }()

	err = New(f.opts, f.deps).Run(context.Background())
	if !errors.Is(err, kerrors.ErrAlreadyRunning) {
		t.Errorf("Run() error = %v, want ErrAlreadyRunning", err)
	}
	if len(f.caller.prompts) != 0 {
		t.Error("second harness invoked the agent")
	}
}

func TestShellGates(t *testing.T) {
	g := ShellGates{Gates: []config.GateConfig{
		{Name: "ok", Command: "echo fine"},
		{Name: "bad", Command: "echo broken >&2; exit 1"},
	}}
	report := g.Run(context.Background(), t.TempDir())
	if report.Passed() {
		t.Fatal("report should fail")
	}
	fails := report.Failures()
	if len(fails) != 1 || fails[0].Name != "bad" || !strings.Contains(fails[0].Output, "broken") {
		t.Errorf("failures = %+v", fails)
	}
	if !strings.Contains(report.Feedback(), "broken") {
		t.Errorf("Feedback() = %q", report.Feedback())
	}
}

func TestShellGates_Timeout(t *testing.T) {
	g := ShellGates{Gates: []config.GateConfig{{Name: "slow", Command: "sleep 30"}}, Timeout: 100 * time.Millisecond}
	start := time.Now()
	report := g.Run(context.Background(), t.TempDir())
	if report.Passed() || time.Since(start) > 10*time.Second {
		t.Errorf("slow gate: passed=%v after %v", report.Passed(), time.Since(start))
	}
}

func mustAdd(t *testing.T, s *thread.Store, dir, from, to, body string) {
	t.Helper()
	if _, err := s.Add(dir, from, to, body); err != nil {
		t.Error(err)
	}
}
