package cmd

import (
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/kingdom/internal/event"
	"github.com/Iron-Ham/kingdom/internal/thread"
)

// watchPrinter renders poller events. Only one sender's stream is shown at
// a time; output from others is held until their message is finalized.
type watchPrinter struct {
	out    io.Writer
	stream bool

	mu     sync.Mutex
	active string
}

// attach subscribes the printer to every event it renders.
func (p *watchPrinter) attach(bus *event.Bus) {
	bus.OnStreamStarted(p.started)
	bus.OnThinkingDelta(p.thinking)
	bus.OnTextDelta(p.text)
	bus.OnMessageFinalized(p.finalized)
	bus.OnThreadError(p.threadError)
}

func (p *watchPrinter) started(ev event.StreamStartedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream && p.active == "" {
		p.active = ev.Sender
		fmt.Fprintf(p.out, "\n%s %s\n", nameColor(ev.Sender), dimColor("(answering)"))
	}
}

func (p *watchPrinter) thinking(ev event.ThinkingDeltaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream && p.active == ev.Sender {
		fmt.Fprint(p.out, dimColor(ev.Text))
	}
}

func (p *watchPrinter) text(ev event.TextDeltaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream && p.active == ev.Sender {
		fmt.Fprint(p.out, ev.Text)
	}
}

func (p *watchPrinter) finalized(ev event.MessageFinalizedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == ev.Sender {
		// The streamed text already showed the body.
		p.active = ""
		fmt.Fprintf(p.out, "\n%s\n", dimColor(fmt.Sprintf("#%d done", ev.Sequence)))
		return
	}
	printMessage(p.out, ev.Sequence, ev.Sender, ev.To, ev.Body)
}

func (p *watchPrinter) threadError(ev event.ThreadErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	warnf(p.out, "%s: %v", ev.Path, ev.Err)
}

func runCouncilWatch(cmd *cobra.Command, args []string) error {
	ws, err := openWorkspace()
	if err != nil {
		return err
	}
	id, dir, err := threadArg(ws, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s %s\n", dimColor("watching"), id, dimColor("(Ctrl+C to stop)"))

	bus := event.NewBus()
	bus.SetLogger(ws.log.Slog())
	p := &watchPrinter{out: out, stream: isTTY(out)}
	p.attach(bus)

	ctx, stop := signalContext(cmd)
	defer stop()
	poller := thread.NewPoller(ws.threads, bus, dir, thread.WithPollerLogger(ws.log))
	if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
