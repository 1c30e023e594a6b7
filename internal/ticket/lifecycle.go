package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
)

var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusClosed},
	StatusInProgress: {StatusOpen, StatusInReview, StatusClosed},
	StatusInReview:   {StatusInProgress, StatusClosed},
	StatusClosed:     {StatusOpen},
}

// CanTransition reports whether a ticket may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return to.Valid()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetStatus changes the status, rejecting illegal transitions.
func (t *Ticket) SetStatus(to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("ticket %s: %s -> %s: %w", t.ID, t.Status, to, kerrors.ErrInvalidTransition)
	}
	t.Status = to
	return nil
}

// Filter selects tickets in List. Zero values match everything.
type Filter struct {
	Status Status
	// Pattern is a glob matched against the id and the title.
	Pattern string
}

// List loads every ticket in dir that matches f, ordered by priority, then
// creation time, then id. Unparseable files are skipped and reported in errs.
func List(dir string, f Filter) (tickets []*Ticket, errs []error, err error) {
	var matcher glob.Glob
	if f.Pattern != "" {
		matcher, err = glob.Compile(f.Pattern)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid pattern %q: %w", f.Pattern, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		t, loadErr := Load(filepath.Join(dir, e.Name()))
		if loadErr != nil {
			errs = append(errs, loadErr)
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if matcher != nil && !matcher.Match(t.ID) && !matcher.Match(t.Title()) {
			continue
		}
		tickets = append(tickets, t)
	}

	sort.SliceStable(tickets, func(i, j int) bool {
		a, b := tickets[i], tickets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.Created.Equal(b.Created) {
			return a.Created.Before(b.Created)
		}
		return a.ID < b.ID
	})
	return tickets, errs, nil
}

// Index maps ticket ids to tickets.
func Index(tickets []*Ticket) map[string]*Ticket {
	m := make(map[string]*Ticket, len(tickets))
	for _, t := range tickets {
		m[t.ID] = t
	}
	return m
}

// ResolveDeps verifies that every dependency of t exists in known.
func ResolveDeps(t *Ticket, known map[string]*Ticket) error {
	var missing []string
	for _, d := range t.Deps {
		if _, ok := known[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ticket %s depends on %s: %w", t.ID, strings.Join(missing, ", "), kerrors.ErrUnresolvedDependency)
	}
	return nil
}

// IsReady reports whether t is open and all its dependencies are closed.
// A dependency missing from known blocks readiness.
func IsReady(t *Ticket, known map[string]*Ticket) bool {
	if t.Status != StatusOpen {
		return false
	}
	for _, d := range t.Deps {
		dep, ok := known[d]
		if !ok || dep.Status != StatusClosed {
			return false
		}
	}
	return true
}

// Ready returns the tickets in candidates that are ready to start, resolving
// dependencies against known (which may include archived tickets).
func Ready(candidates []*Ticket, known map[string]*Ticket) []*Ticket {
	var ready []*Ticket
	for _, t := range candidates {
		if IsReady(t, known) {
			ready = append(ready, t)
		}
	}
	return ready
}

// WorklogHeading introduces the worklog section of a ticket body.
const WorklogHeading = "## Worklog"

// AppendWorklog adds a timestamped bullet under the worklog heading, creating
// the section at the end of the body if absent. Multi-line entries are
// indented under the bullet.
func (t *Ticket) AppendWorklog(at time.Time, entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	lines := strings.Split(entry, "\n")
	for i := 1; i < len(lines); i++ {
		lines[i] = "  " + strings.TrimRight(lines[i], " \t")
	}
	bullet := fmt.Sprintf("- %s %s", at.UTC().Format("2006-01-02 15:04"), strings.Join(lines, "\n"))

	body := strings.TrimRight(t.Body, "\n")
	if !strings.Contains(body, "\n"+WorklogHeading) && !strings.HasPrefix(body, WorklogHeading) {
		if body != "" {
			body += "\n\n"
		}
		t.Body = body + WorklogHeading + "\n\n" + bullet
		return
	}

	idx := strings.Index(body, WorklogHeading)
	rest := body[idx+len(WorklogHeading):]
	next := strings.Index(rest, "\n## ")
	if next < 0 {
		t.Body = body + "\n" + bullet
		return
	}
	insertAt := idx + len(WorklogHeading) + next
	section := strings.TrimRight(body[:insertAt], "\n")
	t.Body = section + "\n" + bullet + "\n" + body[insertAt:]
}

// Worklog returns the worklog section's text without the heading.
func (t *Ticket) Worklog() string {
	idx := strings.Index(t.Body, WorklogHeading)
	if idx < 0 {
		return ""
	}
	rest := t.Body[idx+len(WorklogHeading):]
	if next := strings.Index(rest, "\n## "); next >= 0 {
		rest = rest[:next]
	}
	return strings.TrimSpace(rest)
}
