// Package xmpptest provides an in-memory xmpp.Conn for tests.
package xmpptest

import (
	"context"
	"sync"
	"time"

	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/disco"
	"github.com/meszmate/beacon/internal/xmpp/roster"
)

// Conn records what is sent and lets the test drive lifecycle and acks
type Conn struct {
	mu sync.Mutex

	ServerName string
	JID        string

	connected     bool
	authenticated bool
	lastReceived  time.Time

	// ConnectErr, AuthErr, SendErr and PingErr are returned by the matching calls
	ConnectErr error
	AuthErr    error
	SendErr    error
	PingErr    error

	// ConnectHook runs inside Connect before the result is decided
	ConnectHook func(ctx context.Context) error

	Roster []roster.Item
	Info   *disco.Info

	Sent         []any
	Pings        int
	AckRequests  int
	Active       int
	Inactive     int
	Connects     int
	Disconnects  int
	ForceCloses  int
	listeners    xmpp.Listeners
	ackListeners map[string]xmpp.AckFunc
	events       chan<- xmpp.Event
}

var _ xmpp.Conn = (*Conn)(nil)

// New creates a disconnected fake. Lifecycle events go to events when it is
// not nil.
func New(server string, events chan<- xmpp.Event) *Conn {
	return &Conn{
		ServerName:   server,
		JID:          "me@" + server + "/test",
		ackListeners: make(map[string]xmpp.AckFunc),
		events:       events,
	}
}

func (c *Conn) emit(ev xmpp.Event) {
	if c.events != nil {
		c.events <- ev
	}
}

// Connect marks the fake connected
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	hook := c.ConnectHook
	c.Connects++
	c.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	c.mu.Lock()
	if c.ConnectErr != nil {
		err := c.ConnectErr
		c.mu.Unlock()
		return err
	}
	c.connected = true
	c.mu.Unlock()

	c.emit(xmpp.Event{Kind: xmpp.EventConnected, Conn: c})
	return nil
}

// Authenticate marks the fake authenticated
func (c *Conn) Authenticate(context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return xmpp.ErrNotConnected
	}
	if c.AuthErr != nil {
		err := c.AuthErr
		c.mu.Unlock()
		return err
	}
	c.authenticated = true
	c.mu.Unlock()

	c.emit(xmpp.Event{Kind: xmpp.EventAuthenticated, Conn: c})
	return nil
}

// Disconnect marks the fake disconnected
func (c *Conn) Disconnect(context.Context) error {
	c.mu.Lock()
	was := c.connected
	c.Disconnects++
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()

	if was {
		c.emit(xmpp.Event{Kind: xmpp.EventClosed, Conn: c})
	}
	return nil
}

// ForceClose marks the fake disconnected without a close event
func (c *Conn) ForceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ForceCloses++
	c.connected = false
	c.authenticated = false
}

// Drop simulates the server closing the stream
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.connected = false
	c.authenticated = false
	c.mu.Unlock()
	c.emit(xmpp.Event{Kind: xmpp.EventClosed, Conn: c, Err: err})
}

// SetConnected forces the connection flags
func (c *Conn) SetConnected(connected, authenticated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	c.authenticated = authenticated
}

// IsConnected reports the connected flag
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// IsAuthenticated reports the authenticated flag
func (c *Conn) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SetLastReceived sets the traffic timestamp
func (c *Conn) SetLastReceived(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastReceived = t
}

// LastReceived returns the traffic timestamp
func (c *Conn) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

// LocalJID returns the configured address
func (c *Conn) LocalJID() string { return c.JID }

// Server returns the configured server name
func (c *Conn) Server() string { return c.ServerName }

// Send records v, or fails with SendErr or ErrNotConnected
func (c *Conn) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return xmpp.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.Sent = append(c.Sent, v)
	return nil
}

// Messages returns the sent message stanzas
func (c *Conn) Messages() []xmpp.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []xmpp.Message
	for _, v := range c.Sent {
		switch m := v.(type) {
		case xmpp.Message:
			out = append(out, m)
		case *xmpp.Message:
			out = append(out, *m)
		}
	}
	return out
}

// Presences returns the sent presence stanzas
func (c *Conn) Presences() []xmpp.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []xmpp.Presence
	for _, v := range c.Sent {
		switch p := v.(type) {
		case xmpp.Presence:
			out = append(out, p)
		case *xmpp.Presence:
			out = append(out, *p)
		}
	}
	return out
}

// AddAckListener registers fn
func (c *Conn) AddAckListener(stanzaID string, fn xmpp.AckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ackListeners[stanzaID] = fn
}

// RemoveAckListener drops a listener
func (c *Conn) RemoveAckListener(stanzaID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ackListeners, stanzaID)
}

// HasAckListener reports whether a listener is registered for the id
func (c *Conn) HasAckListener(stanzaID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ackListeners[stanzaID]
	return ok
}

// RequestAck counts requests; acks are delivered with Ack or Bounce
func (c *Conn) RequestAck() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AckRequests++
}

// Ack fires the listener for the id as a server acknowledgment
func (c *Conn) Ack(stanzaID string, ts time.Time) bool {
	return c.fire(xmpp.Ack{StanzaID: stanzaID, Timestamp: ts})
}

// Bounce fires the listener for the id as an error reply
func (c *Conn) Bounce(stanzaID string, ts time.Time) bool {
	return c.fire(xmpp.Ack{StanzaID: stanzaID, Timestamp: ts, Bounced: true})
}

func (c *Conn) fire(ack xmpp.Ack) bool {
	c.mu.Lock()
	fn, ok := c.ackListeners[ack.StanzaID]
	delete(c.ackListeners, ack.StanzaID)
	c.mu.Unlock()
	if ok {
		fn(ack)
	}
	return ok
}

// Ping counts pings and returns PingErr
func (c *Conn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pings++
	if !c.connected {
		return xmpp.ErrNotConnected
	}
	return c.PingErr
}

// SetListeners installs incoming stanza listeners
func (c *Conn) SetListeners(l xmpp.Listeners) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = l
}

// Listeners returns the installed listeners
func (c *Conn) Listeners() xmpp.Listeners {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners
}

// Deliver hands m to the message listener as if it came from the server
func (c *Conn) Deliver(m *xmpp.Message) {
	if l := c.Listeners(); l.Message != nil {
		l.Message(m)
	}
}

// SendActive counts active indications
func (c *Conn) SendActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Active++
	return nil
}

// SendInactive counts inactive indications
func (c *Conn) SendInactive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Inactive++
	return nil
}

// FetchRoster returns Roster
func (c *Conn) FetchRoster(context.Context) ([]roster.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return nil, xmpp.ErrNotAuthenticated
	}
	return append([]roster.Item(nil), c.Roster...), nil
}

// DiscoInfo returns Info, or an empty result
func (c *Conn) DiscoInfo(context.Context, string) (*disco.Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated {
		return nil, xmpp.ErrNotAuthenticated
	}
	if c.Info == nil {
		return &disco.Info{}, nil
	}
	return c.Info, nil
}

// Counts returns a snapshot of the call counters
func (c *Conn) Counts() (connects, disconnects, forceCloses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connects, c.Disconnects, c.ForceCloses
}
