package xmpp

import (
	"context"
	"time"

	"github.com/meszmate/beacon/internal/xmpp/disco"
	"github.com/meszmate/beacon/internal/xmpp/roster"
)

// EventKind tags a connection lifecycle event
type EventKind int

const (
	EventConnected EventKind = iota
	EventAuthenticated
	EventFailed
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventAuthenticated:
		return "authenticated"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is a lifecycle notification from a connection. Err is set for
// EventFailed and, when the stream ended abnormally, for EventClosed.
type Event struct {
	Kind EventKind
	Conn Conn
	Err  error
}

// Ack is delivered to an ack listener once the server has processed the stanza
type Ack struct {
	StanzaID string
	// Timestamp is when the server acknowledged the stanza
	Timestamp time.Time
	// Bounced is set when the server returned the stanza as an error
	Bounced bool
}

// AckFunc receives acknowledgments
type AckFunc func(Ack)

// Listeners receive incoming stanzas. They are called on the stream's read
// loop and must hand off anything slow.
type Listeners struct {
	Message    func(*Message)
	Presence   func(*Presence)
	RosterPush func([]roster.Item)
}

// Sender writes stanzas and correlates server acknowledgments
type Sender interface {
	// Send writes a stanza. It returns ErrNotConnected when there is no stream.
	Send(ctx context.Context, v any) error
	AddAckListener(stanzaID string, fn AckFunc)
	RemoveAckListener(stanzaID string)
	// RequestAck asks the server to acknowledge everything written so far
	RequestAck()
}

// Conn is a transport connection to the server
type Conn interface {
	Sender

	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	// Disconnect closes the stream gracefully, bounded by ctx
	Disconnect(ctx context.Context) error
	// ForceClose drops the socket without closing the stream
	ForceClose()

	IsConnected() bool
	IsAuthenticated() bool
	LastReceived() time.Time
	LocalJID() string
	Server() string

	Ping(ctx context.Context) error
	SetListeners(l Listeners)
	SendActive() error
	SendInactive() error

	FetchRoster(ctx context.Context) ([]roster.Item, error)
	DiscoInfo(ctx context.Context, to string) (*disco.Info, error)
}
