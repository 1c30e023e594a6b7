package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "stream.started", "message.finalized")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeStreamStarted    = "stream.started"
	TypeThinkingDelta    = "stream.thinking"
	TypeTextDelta        = "stream.text"
	TypeMessageFinalized = "message.finalized"
	TypeThreadError      = "thread.error"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Stream Events
// -----------------------------------------------------------------------------

// StreamStartedEvent is emitted the first time output from a sender's
// in-flight invocation is observed in a thread.
type StreamStartedEvent struct {
	baseEvent
	ThreadID string
	Sender   string
}

// NewStreamStartedEvent creates a StreamStartedEvent.
func NewStreamStartedEvent(threadID, sender string) StreamStartedEvent {
	return StreamStartedEvent{
		baseEvent: newBaseEvent(TypeStreamStarted),
		ThreadID:  threadID,
		Sender:    sender,
	}
}

// ThinkingDeltaEvent carries a chunk of reasoning output.
type ThinkingDeltaEvent struct {
	baseEvent
	ThreadID string
	Sender   string
	Text     string
}

// NewThinkingDeltaEvent creates a ThinkingDeltaEvent.
func NewThinkingDeltaEvent(threadID, sender, text string) ThinkingDeltaEvent {
	return ThinkingDeltaEvent{
		baseEvent: newBaseEvent(TypeThinkingDelta),
		ThreadID:  threadID,
		Sender:    sender,
		Text:      text,
	}
}

// TextDeltaEvent carries a chunk of response text.
type TextDeltaEvent struct {
	baseEvent
	ThreadID string
	Sender   string
	Text     string
}

// NewTextDeltaEvent creates a TextDeltaEvent.
func NewTextDeltaEvent(threadID, sender, text string) TextDeltaEvent {
	return TextDeltaEvent{
		baseEvent: newBaseEvent(TypeTextDelta),
		ThreadID:  threadID,
		Sender:    sender,
		Text:      text,
	}
}

// -----------------------------------------------------------------------------
// Message Events
// -----------------------------------------------------------------------------

// MessageFinalizedEvent is emitted when a message file appears in a thread.
// Once seen, the message body is authoritative and any streamed text for the
// same sender can be discarded.
type MessageFinalizedEvent struct {
	baseEvent
	ThreadID string
	Sequence int
	Sender   string
	To       string
	Body     string
}

// NewMessageFinalizedEvent creates a MessageFinalizedEvent.
func NewMessageFinalizedEvent(threadID string, seq int, sender, to, body string) MessageFinalizedEvent {
	return MessageFinalizedEvent{
		baseEvent: newBaseEvent(TypeMessageFinalized),
		ThreadID:  threadID,
		Sequence:  seq,
		Sender:    sender,
		To:        to,
		Body:      body,
	}
}

// ThreadErrorEvent reports a problem reading a thread, such as a message file
// with corrupt frontmatter. Path is empty when the error is not tied to a file.
type ThreadErrorEvent struct {
	baseEvent
	ThreadID string
	Path     string
	Err      error
}

// NewThreadErrorEvent creates a ThreadErrorEvent.
func NewThreadErrorEvent(threadID, path string, err error) ThreadErrorEvent {
	return ThreadErrorEvent{
		baseEvent: newBaseEvent(TypeThreadError),
		ThreadID:  threadID,
		Path:      path,
		Err:       err,
	}
}
