package council

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/kingdom/internal/agent"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

// fakeCaller answers through a per-agent function.
type fakeCaller struct {
	mu       sync.Mutex
	requests []agent.Request
	answer   func(ctx context.Context, req agent.Request) (agent.Response, error)
}

func (f *fakeCaller) Invoke(ctx context.Context, req agent.Request) (agent.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.answer(ctx, req)
}

func (f *fakeCaller) requestsFor(member string) []agent.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []agent.Request
	for _, r := range f.requests {
		if r.Agent == member {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	council  *Council
	caller   *fakeCaller
	sessions *session.Store
	threads  *thread.Store
	dir      string
}

func newFixture(t *testing.T, answer func(ctx context.Context, req agent.Request) (agent.Response, error)) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		caller:   &fakeCaller{answer: answer},
		sessions: session.NewStore(filepath.Join(root, "sessions")),
		threads:  thread.NewStore(),
		dir:      filepath.Join(root, "threads", "council-1"),
	}
	if _, err := f.threads.Create(f.dir, thread.Meta{Kind: thread.KindCouncil}); err != nil {
		t.Fatal(err)
	}
	f.council = New(Options{Members: []string{"claude", "codex"}, Timeout: time.Minute}, f.caller, f.sessions, f.threads, nil)
	return f
}

func echo(_ context.Context, req agent.Request) (agent.Response, error) {
	return agent.Response{Text: req.Agent + " says hi", ResumeID: "r-" + req.Agent}, nil
}

func TestAsk_AllMembers(t *testing.T) {
	f := newFixture(t, echo)

	replies, err := f.council.Ask(context.Background(), f.dir, "What do you think?", AskOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 2 || replies[0].Member != "claude" || replies[1].Member != "codex" {
		t.Fatalf("replies = %+v", replies)
	}

	l, _ := f.threads.List(f.dir)
	if len(l.Messages) != 3 || l.Messages[0].From != thread.King {
		t.Fatalf("thread = %+v", l.Messages)
	}

	for _, req := range f.caller.requests {
		if req.Elevated {
			t.Errorf("%s was invoked with elevated permissions", req.Agent)
		}
		if !strings.Contains(req.Prompt, "What do you think?") || !strings.Contains(req.Prompt, "advisor") {
			t.Errorf("prompt = %q", req.Prompt)
		}
	}

	st, _, _ := f.sessions.Get(session.CouncilName("claude"))
	if st.ResumeID != "r-claude" || st.Status != session.StatusDone {
		t.Errorf("session = %+v", st)
	}

	// A follow-up resumes and sends only the new message.
	if _, err := f.council.Ask(context.Background(), f.dir, "Follow up", AskOptions{To: "claude"}); err != nil {
		t.Fatal(err)
	}
	reqs := f.caller.requestsFor("claude")
	last := reqs[len(reqs)-1]
	if last.ResumeID != "r-claude" || last.Prompt != "Follow up" {
		t.Errorf("follow-up request = %+v", last)
	}
	if len(f.caller.requestsFor("codex")) != 1 {
		t.Error("directed ask should not reach other members")
	}
}

func TestAsk_UnknownMember(t *testing.T) {
	f := newFixture(t, echo)
	_, err := f.council.Ask(context.Background(), f.dir, "x", AskOptions{To: "gemini"})
	if !errors.Is(err, kerrors.ErrUnknownAgent) {
		t.Errorf("Ask() error = %v, want ErrUnknownAgent", err)
	}
}

func TestAsk_FailureIsRecorded(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req agent.Request) (agent.Response, error) {
		if req.Agent == "codex" {
			return agent.Response{Text: "half an ans"}, kerrors.NewAgentError("timed out", kerrors.ErrTimeout).WithTimedOut(true)
		}
		return echo(context.Background(), req)
	})

	replies, err := f.council.Ask(context.Background(), f.dir, "q", AskOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if replies[1].Err == nil {
		t.Fatal("codex reply should carry its error")
	}
	body := replies[1].Message.Body
	if !strings.Contains(body, "half an ans") || !strings.Contains(body, "Timed out") {
		t.Errorf("failure body = %q", body)
	}
	st, _, _ := f.sessions.Get(session.CouncilName("codex"))
	if st.Status != session.StatusFailed {
		t.Errorf("status = %s", st.Status)
	}
}

func TestRespond_AnswersPostedMessage(t *testing.T) {
	f := newFixture(t, echo)
	if _, err := f.threads.Add(f.dir, thread.King, "codex", "async question"); err != nil {
		t.Fatal(err)
	}
	replies, err := f.council.Respond(context.Background(), f.dir, AskOptions{To: "codex"})
	if err != nil || len(replies) != 1 || replies[0].Err != nil {
		t.Fatalf("Respond() = %+v, %v", replies, err)
	}
	if got := f.caller.requestsFor("codex")[0].Prompt; !strings.Contains(got, "async question") {
		t.Errorf("prompt = %q", got)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, echo)
	if _, err := f.council.Ask(context.Background(), f.dir, "q", AskOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := f.council.Reset(); err != nil {
		t.Fatal(err)
	}
	st, _, _ := f.sessions.Get(session.CouncilName("claude"))
	if st.ResumeID != "" {
		t.Errorf("ResumeID = %q after reset", st.ResumeID)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		text   string
		want   Verdict
		wantOK bool
	}{
		{"Looks good.\nVERDICT: APPROVED", VerdictApproved, true},
		{"Problems.\n**VERDICT: BLOCKING**", VerdictBlocking, true},
		{"**Verdict:** blocking", VerdictBlocking, true},
		{"> verdict: `approved`", VerdictApproved, true},
		{"VERDICT: BLOCKING\nlater I changed my mind\nVERDICT: APPROVED\n", VerdictApproved, true},
		{"The verdict is unclear", "", false},
		{"", "", false},
		{"VERDICT: maybe", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseVerdict(tt.text)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseVerdict(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestReview(t *testing.T) {
	f := newFixture(t, func(_ context.Context, req agent.Request) (agent.Response, error) {
		switch req.Agent {
		case "claude":
			return agent.Response{Text: "Missing nil check.\nVERDICT: BLOCKING"}, nil
		default:
			return agent.Response{Text: "Fine by me."}, nil
		}
	})

	res, err := f.council.Review(context.Background(), ReviewRequest{
		Dir: f.dir, TicketID: "kin-1", Ticket: "# Do it", Diff: "+x", Worklog: "- did it",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete() || res.TimedOut {
		t.Errorf("result should be complete: %+v", res)
	}
	blocking := res.Blocking()
	if len(blocking) != 1 || blocking[0].Member != "claude" {
		t.Errorf("Blocking() = %+v", blocking)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "codex") {
		t.Errorf("Warnings = %v, want missing-verdict warning for codex", res.Warnings)
	}
	for _, v := range res.Verdicts {
		if v.Member == "codex" && (v.Verdict != VerdictApproved || v.Parsed) {
			t.Errorf("codex verdict = %+v, want assumed APPROVED", v)
		}
	}
	if !strings.Contains(res.Feedback(), "Missing nil check.") {
		t.Errorf("Feedback() = %q", res.Feedback())
	}

	prompt := f.caller.requestsFor("claude")[0].Prompt
	for _, want := range []string{"kin-1", "# Do it", "- did it", "+x", "VERDICT: APPROVED"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("review prompt missing %q", want)
		}
	}
}

func TestReview_TimeoutKeepsPartial(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req agent.Request) (agent.Response, error) {
		if req.Agent == "codex" {
			<-ctx.Done()
			return agent.Response{}, kerrors.NewAgentError("canceled", ctx.Err())
		}
		return agent.Response{Text: "VERDICT: APPROVED"}, nil
	})

	res, err := f.council.Review(context.Background(), ReviewRequest{Dir: f.dir, TicketID: "kin-1", Timeout: 100 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut || res.Complete() {
		t.Errorf("result = %+v, want timed out", res)
	}
	var approved int
	for _, v := range res.Verdicts {
		if v.Err == nil && v.Verdict == VerdictApproved {
			approved++
		}
	}
	if approved != 1 {
		t.Errorf("approved = %d, want the partial response kept", approved)
	}
}

func TestChat_SupersededReplyDiscarded(t *testing.T) {
	release := map[string]chan struct{}{
		"first":  make(chan struct{}),
		"second": make(chan struct{}),
	}
	started := make(chan string, 2)
	f := newFixture(t, func(_ context.Context, req agent.Request) (agent.Response, error) {
		// Ignores cancellation, like a backend that finishes anyway.
		key := "first"
		if strings.Contains(req.Prompt, "second") {
			key = "second"
		}
		started <- key
		<-release[key]
		return agent.Response{Text: "reply to " + key}, nil
	})
	f.council.opts.Members = []string{"claude"}

	if _, err := f.threads.Add(f.dir, thread.King, "", "hi"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.threads.Add(f.dir, "claude", thread.King, "hello"); err != nil {
		t.Fatal(err)
	}

	ch := f.council.NewChat(f.dir)
	var mu sync.Mutex
	var delivered []string
	onReply := func(r Reply) {
		mu.Lock()
		delivered = append(delivered, r.Text)
		mu.Unlock()
	}

	if _, err := ch.Send(context.Background(), "first", "", onReply); err != nil {
		t.Fatal(err)
	}
	<-started
	if ch.Generation("claude") != 1 {
		t.Fatalf("generation = %d", ch.Generation("claude"))
	}
	if _, err := ch.Send(context.Background(), "second", "", onReply); err != nil {
		t.Fatal(err)
	}
	<-started
	if ch.Generation("claude") != 2 {
		t.Fatalf("generation = %d", ch.Generation("claude"))
	}

	close(release["second"])
	close(release["first"])
	ch.Wait()

	l, err := f.threads.List(f.dir)
	if err != nil {
		t.Fatal(err)
	}
	var bodies []string
	for _, m := range l.Messages {
		bodies = append(bodies, m.From+":"+m.Body)
	}
	want := "king:hi,claude:hello,king:first,king:second,claude:reply to second"
	if strings.Join(bodies, ",") != want {
		t.Errorf("thread = %v, want %s", bodies, want)
	}
	if len(delivered) != 1 || delivered[0] != "reply to second" {
		t.Errorf("delivered = %v", delivered)
	}
	if last := l.Messages[len(l.Messages)-1]; last.Sequence != 5 {
		t.Errorf("reply sequence = %d, want 5", last.Sequence)
	}

	// The second query saw both unanswered King messages.
	reqs := f.caller.requestsFor("claude")
	if p := reqs[len(reqs)-1].Prompt; !strings.Contains(p, "first") || !strings.Contains(p, "second") {
		t.Errorf("second prompt = %q", p)
	}
}

func TestChat_CloseLeavesNoFailureReplies(t *testing.T) {
	started := make(chan struct{}, 1)
	f := newFixture(t, func(ctx context.Context, req agent.Request) (agent.Response, error) {
		started <- struct{}{}
		<-ctx.Done()
		return agent.Response{}, kerrors.NewAgentError("canceled", kerrors.Join(kerrors.ErrCanceled, ctx.Err()))
	})
	f.council.opts.Members = []string{"claude"}

	ch := f.council.NewChat(f.dir)
	var delivered int
	if _, err := ch.Send(context.Background(), "are you there?", "", func(Reply) { delivered++ }); err != nil {
		t.Fatal(err)
	}
	<-started
	ch.Close()

	l, err := f.threads.List(f.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(l.Messages) != 1 || l.Messages[0].From != thread.King {
		t.Errorf("thread has %d messages, want only the King's", len(l.Messages))
	}
	if delivered != 0 {
		t.Errorf("delivered %d replies after Close", delivered)
	}
}
