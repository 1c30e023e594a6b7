// Package ticket manages ticket files: markdown documents with a YAML header
// holding id, status, dependencies, priority and type.
package ticket

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/frontmatter"
	"github.com/Iron-Ham/kingdom/internal/state"
)

// Status is a ticket lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusClosed     Status = "closed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusInReview, StatusClosed:
		return true
	}
	return false
}

// IDPrefix starts every generated ticket id.
const IDPrefix = "kin-"

// DefaultPriority is assigned when none is given. Lower values sort first.
const DefaultPriority = 2

// Ticket is one unit of work.
type Ticket struct {
	ID       string    `yaml:"id"`
	Status   Status    `yaml:"status"`
	Deps     []string  `yaml:"deps"`
	Priority int       `yaml:"priority"`
	Type     string    `yaml:"type"`
	Created  time.Time `yaml:"created"`

	Body string `yaml:"-"`
	Path string `yaml:"-"`
}

// Title returns the text of the first "# " heading in the body, or the id.
func (t *Ticket) Title() string {
	for line := range strings.Lines(t.Body) {
		line = strings.TrimSpace(line)
		if title, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(title)
		}
	}
	return t.ID
}

// Load reads a ticket file.
func Load(path string) (*Ticket, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kerrors.NewNotFoundError("ticket", strings.TrimSuffix(filepath.Base(path), ".md")).
				WithCause(kerrors.ErrTicketNotFound)
		}
		return nil, err
	}
	var t Ticket
	body, err := frontmatter.Parse(data, &t)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: %w", path, err)
	}
	if t.ID == "" {
		t.ID = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	t.Body = body
	t.Path = path
	return &t, nil
}

// Save writes the ticket to t.Path atomically.
func (t *Ticket) Save() error {
	if t.Path == "" {
		return fmt.Errorf("ticket %s has no path", t.ID)
	}
	if t.Deps == nil {
		t.Deps = []string{}
	}
	data, err := frontmatter.Render(t, t.Body)
	if err != nil {
		return err
	}
	return state.AtomicWrite(t.Path, data)
}

// CreateOptions customizes a new ticket.
type CreateOptions struct {
	Priority int
	Type     string
	Deps     []string
	Body     string
}

// Create writes a new open ticket with a fresh id into dir.
func Create(dir, title string, opts CreateOptions) (*Ticket, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if opts.Priority == 0 {
		opts.Priority = DefaultPriority
	}
	if opts.Type == "" {
		opts.Type = "task"
	}

	body := "# " + strings.TrimSpace(title) + "\n"
	if opts.Body != "" {
		body += "\n" + strings.TrimRight(opts.Body, "\n") + "\n"
	}

	for range 16 {
		id := NewID()
		path := filepath.Join(dir, id+".md")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		_ = f.Close()

		t := &Ticket{
			ID:       id,
			Status:   StatusOpen,
			Deps:     slices.Clone(opts.Deps),
			Priority: opts.Priority,
			Type:     opts.Type,
			Created:  time.Now().UTC().Truncate(time.Second),
			Body:     strings.TrimSuffix(body, "\n"),
			Path:     path,
		}
		if err := t.Save(); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("could not allocate a unique ticket id in %s", dir)
}

// NewID returns a short random ticket id such as "kin-3f9a".
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
}

// NormalizeID accepts "3f9a" or "kin-3f9a" and returns the prefixed form.
func NormalizeID(id string) string {
	id = strings.TrimSuffix(strings.TrimSpace(id), ".md")
	if strings.HasPrefix(id, IDPrefix) {
		return id
	}
	return IDPrefix + id
}

// Update applies fn to the ticket at path while holding its lock.
func Update(path string, fn func(*Ticket) error) (*Ticket, error) {
	lock := state.LockFor(path)
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if err := t.Save(); err != nil {
		return nil, err
	}
	return t, nil
}

// Move relocates the ticket file into dir and updates t.Path.
func (t *Ticket) Move(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	dst := filepath.Join(dir, filepath.Base(t.Path))
	if dst == t.Path {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("ticket %s already exists in %s", t.ID, dir)
	}
	if err := os.Rename(t.Path, dst); err != nil {
		return fmt.Errorf("move ticket %s: %w", t.ID, err)
	}
	_ = os.Remove(t.Path + state.LockSuffix)
	t.Path = dst
	return nil
}
