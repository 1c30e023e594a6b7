// Package event provides a synchronous pub-sub bus and the typed events that
// live thread observers consume.
//
// The thread poller reads stream files and message files on a fixed tick and
// publishes what it finds here. Watchers such as `kd council watch` and the
// chat REPL subscribe and render; they never touch the files themselves.
//
// # Event Types
//
//   - [StreamStartedEvent]: first output seen from a sender's in-flight call
//   - [ThinkingDeltaEvent]: a chunk of reasoning output
//   - [TextDeltaEvent]: a chunk of response text
//   - [MessageFinalizedEvent]: a message file landed in the thread
//   - [ThreadErrorEvent]: an unreadable entry, reported without stopping the poller
//
// # Ordering
//
// Handlers run on the publisher's goroutine in registration order, and the
// poller publishes every delta for a sender before that sender's finalized
// message within the same tick. Subscribers can therefore clear their stream
// buffer on [MessageFinalizedEvent] without losing a trailing chunk.
//
// # Usage
//
//	bus := event.NewBus()
//	stop := bus.OnTextDelta(func(d event.TextDeltaEvent) {
//	    fmt.Print(d.Text)
//	})
//	defer stop()
//
// A panicking handler is recovered and logged; delivery to the remaining
// handlers continues.
package event
