package thread

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/kingdom/internal/event"
	"github.com/Iron-Ham/kingdom/internal/logging"
)

// DefaultPollInterval is how often a Poller checks the thread.
const DefaultPollInterval = 100 * time.Millisecond

// Poller turns changes in a thread directory into events on a bus. Each Tick
// reads a snapshot and publishes StreamStarted, ThinkingDelta and TextDelta
// events for in-flight output, then MessageFinalized for new messages. All
// deltas observed in a tick are published before any finalized message, so a
// subscriber never loses the tail of a stream to its final message.
type Poller struct {
	store    *Store
	bus      *event.Bus
	dir      string
	threadID string
	interval time.Duration
	logger   *logging.Logger

	lastSeq  int
	readers  map[string]*StreamReader
	started  map[string]bool
	reported map[string]bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithStartSequence skips messages at or below seq.
func WithStartSequence(seq int) PollerOption {
	return func(p *Poller) { p.lastSeq = seq }
}

// WithPollerLogger sets the logger.
func WithPollerLogger(l *logging.Logger) PollerOption {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPoller creates a Poller for the thread at dir.
func NewPoller(store *Store, bus *event.Bus, dir string, opts ...PollerOption) *Poller {
	p := &Poller{
		store:    store,
		bus:      bus,
		dir:      dir,
		threadID: filepath.Base(dir),
		interval: DefaultPollInterval,
		logger:   logging.NopLogger(),
		readers:  make(map[string]*StreamReader),
		started:  make(map[string]bool),
		reported: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LastSequence returns the highest sequence published so far.
func (p *Poller) LastSequence() int { return p.lastSeq }

// Run ticks until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Tick()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one poll.
func (p *Poller) Tick() {
	// Messages are listed before streams are read. A finalized message is
	// written after its stream's last byte, so reading streams second
	// guarantees the tail is seen no later than the message.
	listing, err := p.store.Since(p.dir, p.lastSeq)
	if err != nil {
		p.bus.Publish(event.NewThreadErrorEvent(p.threadID, "", err))
		return
	}
	for _, pe := range listing.Errors {
		if p.reported[pe.Path] {
			continue
		}
		p.reported[pe.Path] = true
		p.logger.Warn("unreadable message", "thread", p.threadID, "path", pe.Path, "error", pe.Err)
		p.bus.Publish(event.NewThreadErrorEvent(p.threadID, pe.Path, pe.Err))
	}

	p.readStreams(listing.Messages)

	for _, m := range listing.Messages {
		p.started[m.From] = false
		p.bus.Publish(event.NewMessageFinalizedEvent(p.threadID, m.Sequence, m.From, m.To, m.Body))
		p.lastSeq = m.Sequence
	}
}

func (p *Poller) readStreams(fresh []Message) {
	senders, err := Streams(p.dir)
	if err != nil {
		p.bus.Publish(event.NewThreadErrorEvent(p.threadID, "", err))
		return
	}
	for _, sender := range senders {
		r, ok := p.readers[sender]
		if !ok {
			r = NewStreamReader(StreamPath(p.dir, sender))
			p.readers[sender] = r
			if p.staleOnAttach(sender, fresh) {
				if err := r.SkipToEnd(); err != nil {
					p.logger.Warn("stream seek failed", "sender", sender, "error", err)
				}
				continue
			}
		}

		deltas, reset, err := r.Read()
		if err != nil {
			p.bus.Publish(event.NewThreadErrorEvent(p.threadID, StreamPath(p.dir, sender), err))
			continue
		}
		if reset {
			p.started[sender] = false
		}
		for _, d := range deltas {
			if !p.started[sender] {
				p.started[sender] = true
				p.bus.Publish(event.NewStreamStartedEvent(p.threadID, sender))
			}
			switch d.Kind {
			case DeltaThinking:
				p.bus.Publish(event.NewThinkingDeltaEvent(p.threadID, sender, d.Text))
			default:
				p.bus.Publish(event.NewTextDeltaEvent(p.threadID, sender, d.Text))
			}
		}
	}
}

// staleOnAttach reports whether a stream first seen on a later tick, or on the
// first tick of a poller that starts mid-thread, belongs to an invocation
// whose message was already delivered before this poller existed.
func (p *Poller) staleOnAttach(sender string, fresh []Message) bool {
	for _, m := range fresh {
		if m.From == sender {
			return false
		}
	}
	info, err := os.Stat(StreamPath(p.dir, sender))
	if err != nil {
		return false
	}
	last, ok, err := p.store.LastFrom(p.dir, sender)
	if err != nil || !ok || last.Sequence > p.lastSeq {
		return false
	}
	return !last.Timestamp.Before(info.ModTime())
}
