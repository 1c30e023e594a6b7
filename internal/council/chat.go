package council

import (
	"context"
	"sync"

	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

// Chat is an interactive conversation with the council over one thread. When
// the King sends a new message while a member is still answering an older
// one, the older answer is dropped and the member is asked again with every
// message it has not yet answered.
type Chat struct {
	council *Council
	dir     string

	mu      sync.Mutex
	gens    map[string]uint64
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewChat starts a chat on the thread at dir.
func (c *Council) NewChat(dir string) *Chat {
	return &Chat{
		council: c,
		dir:     dir,
		gens:    make(map[string]uint64),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Generation returns member's current generation.
func (ch *Chat) Generation(member string) uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.gens[member]
}

// Send posts a King message and starts queries for the addressed members in
// the background. onReply is called for each reply that is persisted;
// superseded replies are not reported.
func (ch *Chat) Send(ctx context.Context, text, to string, onReply func(Reply)) (thread.Message, error) {
	members, err := ch.council.targets(to)
	if err != nil {
		return thread.Message{}, err
	}

	ch.mu.Lock()
	msg, err := ch.council.threads.Add(ch.dir, thread.King, to, text)
	if err != nil {
		ch.mu.Unlock()
		return thread.Message{}, err
	}
	type job struct {
		member string
		gen    uint64
		ctx    context.Context
	}
	jobs := make([]job, 0, len(members))
	for _, m := range members {
		if cancel := ch.cancels[m]; cancel != nil {
			cancel()
		}
		ch.gens[m]++
		qctx, cancel := context.WithCancel(ctx)
		ch.cancels[m] = cancel
		jobs = append(jobs, job{member: m, gen: ch.gens[m], ctx: qctx})
	}
	ch.mu.Unlock()

	for _, j := range jobs {
		ch.wg.Go(func() {
			g := &gate{mu: &ch.mu, current: func() bool { return ch.gens[j.member] == j.gen }}
			r := ch.council.query(j.ctx, ch.dir, j.member, g)
			if kerrors.Is(r.Err, ErrSuperseded) {
				return
			}
			if onReply != nil {
				onReply(r)
			}
		})
	}
	return msg, nil
}

// Wait blocks until every outstanding query has finished.
func (ch *Chat) Wait() {
	ch.wg.Wait()
}

// Close cancels outstanding queries and waits for them. Queries that finish
// after Close are discarded like superseded ones, so an interrupted chat
// leaves no error replies in the thread.
func (ch *Chat) Close() {
	ch.mu.Lock()
	for m, cancel := range ch.cancels {
		cancel()
		ch.gens[m]++
	}
	clear(ch.cancels)
	ch.mu.Unlock()
	ch.wg.Wait()
}
