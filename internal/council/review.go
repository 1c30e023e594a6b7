package council

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

// Verdict is a member's judgment of a reviewed change.
type Verdict string

const (
	VerdictApproved Verdict = "APPROVED"
	VerdictBlocking Verdict = "BLOCKING"
)

// verdictLine matches "VERDICT: APPROVED" with optional markdown emphasis,
// quoting or heading markers around either part.
var verdictLine = regexp.MustCompile("(?i)^[\\s>#*_`~-]*verdict[\\s*_`~]*:[\\s*_`~]*(approved|blocking)\\b")

// ParseVerdict returns the verdict on the last VERDICT line of text.
func ParseVerdict(text string) (Verdict, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := verdictLine.FindStringSubmatch(lines[i]); m != nil {
			return Verdict(strings.ToUpper(m[1])), true
		}
	}
	return "", false
}

// ReviewRequest is the material sent to reviewers.
type ReviewRequest struct {
	Dir      string
	TicketID string
	Ticket   string
	Worklog  string
	Diff     string
	// Timeout bounds the whole review. Zero means no overall limit beyond
	// the per-member timeout.
	Timeout time.Duration
}

// MemberVerdict is one member's review outcome.
type MemberVerdict struct {
	Member  string
	Text    string
	Verdict Verdict
	// Parsed is false when the reply had no VERDICT line and APPROVED was
	// assumed.
	Parsed bool
	Err    error
}

// ReviewResult collects the responses that arrived.
type ReviewResult struct {
	Verdicts []MemberVerdict
	// TimedOut is set when the overall deadline passed before every member
	// answered, or a member's own invocation timed out.
	TimedOut bool
	Warnings []string
}

// Complete reports whether every member produced a usable reply.
func (r ReviewResult) Complete() bool {
	if r.TimedOut {
		return false
	}
	for _, v := range r.Verdicts {
		if v.Err != nil {
			return false
		}
	}
	return true
}

// Blocking returns the replies with a BLOCKING verdict.
func (r ReviewResult) Blocking() []MemberVerdict {
	var out []MemberVerdict
	for _, v := range r.Verdicts {
		if v.Err == nil && v.Verdict == VerdictBlocking {
			out = append(out, v)
		}
	}
	return out
}

// Feedback renders blocking replies as a directive for the peasant.
func (r ReviewResult) Feedback() string {
	var b strings.Builder
	b.WriteString("The council review found blocking issues. Address them, then declare DONE again.\n")
	for _, v := range r.Blocking() {
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", v.Member, strings.TrimSpace(v.Text))
	}
	return b.String()
}

const reviewInstructions = `Review the change below for ticket %s. You are read-only: do not modify anything.
Report concrete problems only. End your reply with exactly one line:
VERDICT: APPROVED
or
VERDICT: BLOCKING`

func buildReviewPrompt(req ReviewRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, reviewInstructions, req.TicketID)
	b.WriteString("\n\n## Ticket\n\n")
	b.WriteString(strings.TrimSpace(req.Ticket))
	if w := strings.TrimSpace(req.Worklog); w != "" {
		b.WriteString("\n\n## Worklog\n\n")
		b.WriteString(w)
	}
	b.WriteString("\n\n## Diff\n\n```diff\n")
	b.WriteString(strings.TrimRight(req.Diff, "\n"))
	b.WriteString("\n```\n")
	return b.String()
}

// Review asks every member to review a change and waits for their verdicts,
// persisting each reply to the thread as it arrives. A reply without a
// VERDICT line counts as APPROVED with a warning.
func (c *Council) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	members, err := c.targets("")
	if err != nil {
		return ReviewResult{}, err
	}
	if _, err := c.threads.Add(req.Dir, thread.King, thread.All, buildReviewPrompt(req)); err != nil {
		return ReviewResult{}, err
	}

	reviewCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reviewCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var (
		mu     sync.Mutex
		result ReviewResult
	)
	g, gctx := errgroup.WithContext(reviewCtx)
	if c.opts.MaxParallel > 0 {
		g.SetLimit(c.opts.MaxParallel)
	}
	for _, m := range members {
		g.Go(func() error {
			r := c.query(gctx, req.Dir, m, nil)
			mv := MemberVerdict{Member: m, Text: r.Text, Err: r.Err}
			var warning string
			if r.Err == nil {
				mv.Verdict, mv.Parsed = ParseVerdict(r.Text)
				if !mv.Parsed {
					mv.Verdict = VerdictApproved
					warning = fmt.Sprintf("%s gave no VERDICT line; treating as APPROVED", m)
					c.logger.Warn("missing verdict", "member", m, "ticket_id", req.TicketID)
				}
			}

			mu.Lock()
			defer mu.Unlock()
			result.Verdicts = append(result.Verdicts, mv)
			if warning != "" {
				result.Warnings = append(result.Warnings, warning)
			}
			if r.Err != nil && kerrors.Is(r.Err, kerrors.ErrTimeout) {
				result.TimedOut = true
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if reviewCtx.Err() != nil {
		result.TimedOut = true
	}
	return result, nil
}
