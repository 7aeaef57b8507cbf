package app

import (
	"sync"
	"time"

	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/xmpp/chat"
)

// EventType represents the type of event
type EventType int

const (
	// EventConnection carries a supervisor.Event
	EventConnection EventType = iota
	// EventMessageStatus carries a StatusChange
	EventMessageStatus
	// EventIncoming carries the stored *models.Message
	EventIncoming
	// EventChatState carries a ChatStateChange
	EventChatState
	// EventWarning carries a Warning
	EventWarning
	// EventCommand carries a CommandResult
	EventCommand
	// EventPush carries the plugin.Push that woke us
	EventPush
)

func (t EventType) String() string {
	switch t {
	case EventConnection:
		return "connection"
	case EventMessageStatus:
		return "status"
	case EventIncoming:
		return "incoming"
	case EventChatState:
		return "chat-state"
	case EventWarning:
		return "warning"
	case EventCommand:
		return "command"
	case EventPush:
		return "push"
	default:
		return "unknown"
	}
}

// EventMsg represents an event from the app layer
type EventMsg struct {
	Type EventType
	Time time.Time
	Data interface{}
}

// StatusChange reports a new delivery status for a stored message
type StatusChange struct {
	MessageID int64
	Status    models.MessageStatus
}

// ChatStateChange reports a contact's typing state
type ChatStateChange struct {
	Peer  string
	State chat.ChatState
}

// Warning is a failure surfaced in the conversation being viewed
type Warning struct {
	Peer string
	Err  error
}

// CommandResult reports the outcome of an asynchronous command
type CommandResult struct {
	Command string
	// MessageID is set for sends
	MessageID int64
	Err       error
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// EventBus handles event subscription and publishing
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
	all      []EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll subscribes to every event type
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, handler)
}

// Publish publishes an event to all subscribers. Handlers run on their own
// goroutines.
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	handlers := append(append([]EventHandler(nil), b.handlers[event.Type]...), b.all...)
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *EventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
	b.all = nil
}
