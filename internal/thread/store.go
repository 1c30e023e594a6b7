package thread

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/frontmatter"
	"github.com/Iron-Ham/kingdom/internal/state"
)

const (
	metaFile    = "thread.json"
	counterFile = ".seq.json"

	defaultCacheSize = 2048
)

// Kind distinguishes council conversations from peasant work threads.
type Kind string

const (
	KindCouncil Kind = "council"
	KindPeasant Kind = "peasant"
)

// Meta describes a thread.
type Meta struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	Members []string  `json:"members,omitempty"`
	Ticket  string    `json:"ticket,omitempty"`
	Created time.Time `json:"created"`
}

// NewID returns a fresh thread id with the given prefix, e.g. "council-1a2b3c4d".
func NewID(prefix string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if prefix == "" {
		return short
	}
	return prefix + "-" + short
}

// ParseError reports a message file that could not be read.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("message %s: %v", e.Path, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Listing is a snapshot of a thread. Messages are in ascending sequence order.
type Listing struct {
	Messages []Message
	Errors   []*ParseError
}

// Last returns the final message, if any.
func (l Listing) Last() (Message, bool) {
	if len(l.Messages) == 0 {
		return Message{}, false
	}
	return l.Messages[len(l.Messages)-1], true
}

type cacheEntry struct {
	size    int64
	modTime time.Time
	msg     Message
}

// Store reads and writes threads. Parsed messages are cached by path and
// revalidated against file size and modification time, so a Store may be
// shared by pollers that list the same thread repeatedly.
type Store struct {
	cache *lru.Cache[string, cacheEntry]
	now   func() time.Time
}

// NewStore creates a Store.
func NewStore() *Store {
	// lru.New only errors on a non-positive size.
	cache, _ := lru.New[string, cacheEntry](defaultCacheSize)
	return &Store{cache: cache, now: time.Now}
}

// Create makes the thread directory and writes its metadata. Creating an
// existing thread keeps its original metadata.
func (s *Store) Create(dir string, meta Meta) (Meta, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Meta{}, fmt.Errorf("create thread: %w", err)
	}
	if meta.ID == "" {
		meta.ID = filepath.Base(dir)
	}
	if meta.Created.IsZero() {
		meta.Created = s.now().UTC()
	}
	return state.LockedUpdate(filepath.Join(dir, metaFile), func(m *Meta) error {
		if m.ID == "" {
			*m = meta
		}
		return nil
	})
}

// ReadMeta returns the thread's metadata.
func ReadMeta(dir string) (Meta, error) {
	var m Meta
	if err := state.ReadJSON(filepath.Join(dir, metaFile), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, notFound(dir)
		}
		return m, err
	}
	return m, nil
}

// Exists reports whether dir is a thread directory.
func Exists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

func notFound(dir string) error {
	return kerrors.NewNotFoundError("thread", filepath.Base(dir)).WithCause(kerrors.ErrThreadNotFound)
}

type counter struct {
	Last int `json:"last"`
}

// NextSequence allocates the next sequence number for the thread. The number
// is reserved under the counter's lock, so concurrent callers in any process
// always receive distinct values. Message files already present with higher
// numbers are taken into account.
func NextSequence(dir string) (int, error) {
	return allocate(dir, nil)
}

// allocate reserves the next sequence number and, when publish is set, calls
// it before the counter's lock is released. A message published this way is
// on disk before any later number can be handed out, so readers never see
// sequence N+1 while N is still being written.
func allocate(dir string, publish func(seq int) error) (int, error) {
	if !Exists(dir) {
		return 0, notFound(dir)
	}
	c, err := state.LockedUpdate(filepath.Join(dir, counterFile), func(c *counter) error {
		highest, err := highestOnDisk(dir)
		if err != nil {
			return err
		}
		seq := max(c.Last, highest) + 1
		if publish != nil {
			if err := publish(seq); err != nil {
				return err
			}
		}
		c.Last = seq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("allocate sequence: %w", err)
	}
	return c.Last, nil
}

func highestOnDisk(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	highest := 0
	for _, e := range entries {
		if seq, _, ok := parseFilename(e.Name()); ok && seq > highest {
			highest = seq
		}
	}
	return highest, nil
}

// Add appends a message from sender. to may be empty for a broadcast.
func (s *Store) Add(dir, from, to, body string) (Message, error) {
	if !ValidSender(from) {
		return Message{}, fmt.Errorf("invalid sender %q: %w", from, kerrors.ErrInvalidInput)
	}
	var msg Message
	_, err := allocate(dir, func(seq int) error {
		msg = Message{
			Sequence:  seq,
			From:      from,
			To:        to,
			Timestamp: s.now().UTC(),
			Body:      normalizeBody(body),
			Path:      filepath.Join(dir, messageFilename(seq, from)),
		}
		data, err := frontmatter.Render(msg, msg.Body)
		if err != nil {
			return err
		}
		if err := state.AtomicWrite(msg.Path, data); err != nil {
			return fmt.Errorf("write message %d: %w", seq, err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// List returns every message in the thread. Files that fail to parse are
// reported in the listing's Errors rather than failing the call.
func (s *Store) List(dir string) (Listing, error) {
	return s.list(dir, 0)
}

// Since returns messages with a sequence number greater than after. Only
// messages the counter had committed before the directory was read are
// returned, so a reader that advances to the last returned sequence never
// passes over a message that is still being published.
func (s *Store) Since(dir string, after int) (Listing, error) {
	committed, ok, err := committedSequence(dir)
	if err != nil {
		return Listing{}, err
	}
	l, err := s.list(dir, after)
	if err != nil || !ok {
		return l, err
	}
	l.Messages = slices.DeleteFunc(l.Messages, func(m Message) bool { return m.Sequence > committed })
	return l, nil
}

// committedSequence reads the counter without its lock. ok is false for a
// thread that has no counter yet.
func committedSequence(dir string) (last int, ok bool, err error) {
	var c counter
	if err := state.ReadJSON(filepath.Join(dir, counterFile), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return c.Last, true, nil
}

func (s *Store) list(dir string, after int) (Listing, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Listing{}, notFound(dir)
		}
		return Listing{}, err
	}

	var out Listing
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, sender, ok := parseFilename(e.Name())
		if !ok || seq <= after {
			continue
		}
		path := filepath.Join(dir, e.Name())
		msg, err := s.load(path, seq, sender)
		if err != nil {
			out.Errors = append(out.Errors, &ParseError{Path: path, Err: err})
			continue
		}
		out.Messages = append(out.Messages, msg)
	}
	slices.SortFunc(out.Messages, func(a, b Message) int { return a.Sequence - b.Sequence })
	return out, nil
}

func (s *Store) load(path string, seq int, sender string) (Message, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Message{}, err
	}
	if e, ok := s.cache.Get(path); ok && e.size == info.Size() && e.modTime.Equal(info.ModTime()) {
		return e.msg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Message{}, err
	}
	var msg Message
	body, err := frontmatter.Parse(data, &msg)
	if err != nil {
		return Message{}, err
	}
	// The file name is authoritative for ordering.
	msg.Sequence = seq
	if msg.From == "" {
		msg.From = sender
	}
	msg.Body = body
	msg.Path = path

	s.cache.Add(path, cacheEntry{size: info.Size(), modTime: info.ModTime(), msg: msg})
	return msg, nil
}

// LastFrom returns the most recent message sent by sender.
func (s *Store) LastFrom(dir, sender string) (Message, bool, error) {
	l, err := s.List(dir)
	if err != nil {
		return Message{}, false, err
	}
	for i := len(l.Messages) - 1; i >= 0; i-- {
		if l.Messages[i].From == sender {
			return l.Messages[i], true, nil
		}
	}
	return Message{}, false, nil
}

// LatestSequence returns the highest sequence present, or 0 for an empty thread.
func (s *Store) LatestSequence(dir string) (int, error) {
	if !Exists(dir) {
		return 0, notFound(dir)
	}
	return highestOnDisk(dir)
}
