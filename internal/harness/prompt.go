package harness

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/kingdom/internal/thread"
)

const instructions = `You are a peasant working on ticket %s in %s.
The ticket file is %s; read it for the task and acceptance criteria.
Work autonomously and commit your changes as you go.
End every reply with exactly one line: STATUS: DONE, STATUS: CONTINUE, or STATUS: BLOCKED.
Use BLOCKED only when you cannot proceed without an answer from the King, and say what you need.`

type promptInput struct {
	TicketID   string
	TicketPath string
	Workdir    string
	Iteration  int
	Messages   []thread.Message
}

func buildPrompt(in promptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, instructions, in.TicketID, in.Workdir, in.TicketPath)
	fmt.Fprintf(&b, "\n\nThis is iteration %d.", in.Iteration)

	if len(in.Messages) > 0 {
		b.WriteString("\n\n## New messages\n")
		for _, m := range in.Messages {
			fmt.Fprintf(&b, "\n### From %s (#%d)\n\n%s\n", m.From, m.Sequence, strings.TrimSpace(m.Body))
		}
	}
	return b.String()
}

// summarize returns the first meaningful line of a reply for the worklog.
func summarize(text string) string {
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(strings.TrimLeft(line, "#*->` "))
		if line == "" || statusLine.MatchString(line) {
			continue
		}
		if len(line) > 160 {
			line = line[:157] + "..."
		}
		return line
	}
	return "(no output)"
}
