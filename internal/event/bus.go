package event

import (
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
)

// Handler receives a published event.
type Handler func(Event)

type subscriber struct {
	eventType string // empty matches every event
	handler   Handler
}

// Bus fans thread events out to subscribers on the publishing goroutine.
// Handlers registered for the event's type run before catch-all handlers,
// and each group runs in registration order.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	logger *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: slog.Default()}
}

// SetLogger replaces the logger used to report handler panics.
func (b *Bus) SetLogger(l *slog.Logger) {
	if l != nil {
		b.logger = l
	}
}

// Subscribe registers h for events of eventType. The returned func removes
// the registration.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	return b.add(eventType, h)
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) (unsubscribe func()) {
	return b.add("", h)
}

// OnStreamStarted registers fn for StreamStartedEvent.
func (b *Bus) OnStreamStarted(fn func(StreamStartedEvent)) (unsubscribe func()) {
	return subscribeTyped(b, TypeStreamStarted, fn)
}

// OnThinkingDelta registers fn for ThinkingDeltaEvent.
func (b *Bus) OnThinkingDelta(fn func(ThinkingDeltaEvent)) (unsubscribe func()) {
	return subscribeTyped(b, TypeThinkingDelta, fn)
}

// OnTextDelta registers fn for TextDeltaEvent.
func (b *Bus) OnTextDelta(fn func(TextDeltaEvent)) (unsubscribe func()) {
	return subscribeTyped(b, TypeTextDelta, fn)
}

// OnMessageFinalized registers fn for MessageFinalizedEvent.
func (b *Bus) OnMessageFinalized(fn func(MessageFinalizedEvent)) (unsubscribe func()) {
	return subscribeTyped(b, TypeMessageFinalized, fn)
}

// OnThreadError registers fn for ThreadErrorEvent.
func (b *Bus) OnThreadError(fn func(ThreadErrorEvent)) (unsubscribe func()) {
	return subscribeTyped(b, TypeThreadError, fn)
}

func subscribeTyped[E Event](b *Bus, eventType string, fn func(E)) func() {
	return b.add(eventType, func(e Event) {
		if ev, ok := e.(E); ok {
			fn(ev)
		}
	})
}

func (b *Bus) add(eventType string, h Handler) func() {
	s := &subscriber{eventType: eventType, handler: h}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs = slices.DeleteFunc(b.subs, func(x *subscriber) bool { return x == s })
		})
	}
}

// Publish delivers e to every matching handler. A handler that panics is
// logged and skipped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	var typed, all []Handler
	for _, s := range b.subs {
		switch s.eventType {
		case e.EventType():
			typed = append(typed, s.handler)
		case "":
			all = append(all, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range append(typed, all...) {
		b.deliver(h, e)
	}
}

func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", e.EventType(),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(e)
}
