package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/ping"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/beacon/internal/xmpp/disco"
	"github.com/meszmate/beacon/internal/xmpp/roster"
)

const ackTimeout = 30 * time.Second

// VersionInfo is reported to XEP-0092 queries
type VersionInfo struct {
	Name    string
	Version string
	OS      string
}

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	JID                string
	Password           string
	Server             string
	Port               int
	Resource           string
	InsecureSkipVerify bool
	ConnectTimeout     time.Duration
	Version            VersionInfo
	// Events receives lifecycle events; sends give up once the client is closed
	Events chan<- Event
	Logger logrus.FieldLogger
}

var _ Conn = (*Client)(nil)

// Client is a Conn over a mellium session
type Client struct {
	cfg ClientConfig
	log logrus.FieldLogger

	mu            sync.RWMutex
	jid           jid.JID
	raw           net.Conn
	session       *xmpp.Session
	connected     bool
	authenticated bool
	closing       bool
	listeners     Listeners
	serveDone     chan struct{}
	closed        chan struct{}

	lastReceived atomic.Int64
	acks         *ackTracker
}

// NewClient creates a new XMPP client
func NewClient(cfg ClientConfig) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		cfg:    cfg,
		log:    log.WithFields(logrus.Fields{"component": "xmpp", "jid": j.Bare().String()}),
		jid:    j,
		closed: make(chan struct{}),
		acks:   newAckTracker(),
	}, nil
}

// Server returns the host the client dials
func (c *Client) Server() string {
	if c.cfg.Server != "" {
		return c.cfg.Server
	}
	return c.jid.Domain().String()
}

// LocalJID returns the bound address, or the configured one before binding
func (c *Client) LocalJID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid.String()
}

// Connect opens the TCP connection to the server
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	addr := net.JoinHostPort(c.Server(), strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout, KeepAlive: -1}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial server: %w", err)
	}

	c.mu.Lock()
	c.raw = &activityConn{Conn: conn, last: &c.lastReceived}
	c.connected = true
	c.closing = false
	c.mu.Unlock()

	c.lastReceived.Store(time.Now().UnixNano())
	c.log.WithField("addr", addr).Debug("connected")
	c.emit(Event{Kind: EventConnected, Conn: c})
	return nil
}

// Authenticate negotiates TLS, SASL and resource binding
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.RLock()
	raw, local := c.raw, c.jid
	connected, authenticated := c.connected, c.authenticated
	c.mu.RUnlock()

	if !connected || raw == nil {
		return ErrNotConnected
	}
	if authenticated {
		return nil
	}

	tlsConfig := &tls.Config{
		ServerName:         local.Domain().String(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.cfg.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(ctx, local.Domain(), local, raw, 0, negotiator)
	if err != nil {
		if IsTransient(err) {
			return fmt.Errorf("failed to negotiate session: %w", err)
		}
		return &AuthError{Err: err}
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.session = session
	c.jid = session.LocalAddr()
	c.authenticated = true
	c.serveDone = done
	c.mu.Unlock()

	go c.serve(session, done)

	c.log.WithField("bound", session.LocalAddr().String()).Info("authenticated")
	c.emit(Event{Kind: EventAuthenticated, Conn: c})
	return nil
}

func (c *Client) serve(session *xmpp.Session, done chan struct{}) {
	err := session.Serve(xmpp.HandlerFunc(c.handle))
	close(done)

	c.mu.Lock()
	graceful := c.closing
	c.connected = false
	c.authenticated = false
	c.session = nil
	if c.raw != nil {
		c.raw.Close()
		c.raw = nil
	}
	c.mu.Unlock()

	c.acks.reset()

	if graceful || errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		c.log.WithError(err).Warn("stream closed")
	}
	c.emit(Event{Kind: EventClosed, Conn: c, Err: err})
}

func (c *Client) emit(ev Event) {
	if c.cfg.Events == nil {
		return
	}
	select {
	case c.cfg.Events <- ev:
	case <-c.closed:
	}
}

// Disconnect sends unavailable presence and closes the stream. If the server
// does not close its side before ctx is done, the socket is dropped.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	session, done := c.session, c.serveDone
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	if session == nil {
		c.ForceClose()
		return nil
	}

	_ = session.Encode(ctx, Presence{Type: "unavailable"})
	if err := session.Close(); err != nil {
		c.log.WithError(err).Debug("failed to close stream")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.ForceClose()
		return ErrInterrupted
	}
}

// ForceClose drops the socket
func (c *Client) ForceClose() {
	c.mu.Lock()
	c.closing = true
	raw := c.raw
	hasSession := c.session != nil
	if !hasSession {
		c.connected = false
		c.raw = nil
	}
	c.mu.Unlock()

	if raw != nil {
		raw.Close()
	}
}

// Shutdown stops event delivery for good
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// IsConnected returns whether the socket is open
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// IsAuthenticated returns whether the stream is authenticated and bound
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// LastReceived returns when the server last sent anything
func (c *Client) LastReceived() time.Time {
	n := c.lastReceived.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SetListeners installs the incoming stanza listeners
func (c *Client) SetListeners(l Listeners) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = l
}

func (c *Client) liveSession() (*xmpp.Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	if !c.authenticated || c.session == nil {
		return nil, ErrNotAuthenticated
	}
	return c.session, nil
}

// Send writes a stanza
func (c *Client) Send(ctx context.Context, v any) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	if err := session.Encode(ctx, v); err != nil {
		return fmt.Errorf("failed to send stanza: %w", err)
	}

	if id := stanzaID(v); id != "" {
		c.acks.markWritten(id)
	}
	return nil
}

func stanzaID(v any) string {
	switch s := v.(type) {
	case *Message:
		return s.ID
	case Message:
		return s.ID
	case *Presence:
		return s.ID
	case Presence:
		return s.ID
	}
	return ""
}

// AddAckListener registers fn for the stanza with the given id
func (c *Client) AddAckListener(stanzaID string, fn AckFunc) {
	c.acks.add(stanzaID, fn)
}

// RemoveAckListener drops a listener
func (c *Client) RemoveAckListener(stanzaID string) {
	c.acks.remove(stanzaID)
}

// RequestAck pings the server so that every stanza written so far is acknowledged
func (c *Client) RequestAck() {
	batch, ok := c.acks.begin()
	if !ok {
		return
	}
	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				c.log.WithError(err).Debug("ack round failed")
			}

			next, more := c.acks.complete(batch, err == nil)
			if !more {
				return
			}
			batch = next
		}
	}()
}

// Ping sends a XEP-0199 ping to the server
func (c *Client) Ping(ctx context.Context) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	err = ping.Send(ctx, session, session.LocalAddr().Domain())
	if err == nil {
		return nil
	}
	// any reply, even an error, proves the stream is alive
	var se stanza.Error
	if errors.As(err, &se) {
		return nil
	}
	return err
}

// SendActive sends a client state indication
func (c *Client) SendActive() error {
	return c.sendNonza(csi("active"))
}

// SendInactive sends a client state indication
func (c *Client) SendInactive() error {
	return c.sendNonza(csi("inactive"))
}

func (c *Client) sendNonza(v any) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return session.Encode(ctx, v)
}

type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Ver     string       `xml:"ver,attr,omitempty"`
	Items   []rosterItem `xml:"item"`
}

type rosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Approved     bool     `xml:"approved,attr,omitempty"`
	Groups       []string `xml:"group"`
}

func (q rosterQuery) items() []roster.Item {
	items := make([]roster.Item, 0, len(q.Items))
	for _, it := range q.Items {
		j, err := jid.Parse(it.JID)
		if err != nil {
			continue
		}
		sub := roster.Subscription(it.Subscription)
		if sub == "" {
			sub = roster.SubscriptionNone
		}
		items = append(items, roster.Item{
			JID:          j,
			Name:         it.Name,
			Subscription: sub,
			Groups:       it.Groups,
			Approved:     it.Approved,
			Ask:          it.Ask,
		})
	}
	return items
}

// FetchRoster requests the roster from the server
func (c *Client) FetchRoster(ctx context.Context) ([]roster.Item, error) {
	var q rosterQuery
	if err := c.query(ctx, jid.JID{}, xml.StartElement{Name: xml.Name{Space: NSRoster, Local: "query"}}, &q); err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}
	return q.items(), nil
}

type discoQuery struct {
	XMLName    xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Identities []struct {
		Category string `xml:"category,attr"`
		Type     string `xml:"type,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"identity"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
}

// DiscoInfo queries the features of an entity; an empty to means the server
func (c *Client) DiscoInfo(ctx context.Context, to string) (*disco.Info, error) {
	var target jid.JID
	if to != "" {
		j, err := jid.Parse(to)
		if err != nil {
			return nil, fmt.Errorf("invalid JID: %w", err)
		}
		target = j
	} else {
		c.mu.RLock()
		target = c.jid.Domain()
		c.mu.RUnlock()
	}

	var q discoQuery
	if err := c.query(ctx, target, xml.StartElement{Name: xml.Name{Space: NSDiscoInfo, Local: "query"}}, &q); err != nil {
		return nil, fmt.Errorf("disco#info failed: %w", err)
	}

	info := &disco.Info{}
	for _, id := range q.Identities {
		info.Identities = append(info.Identities, disco.Identity{Category: id.Category, Type: id.Type, Name: id.Name})
	}
	for _, f := range q.Features {
		info.Features = append(info.Features, disco.Feature(f.Var))
	}
	return info, nil
}

// UploadSlot is a XEP-0363 upload slot
type UploadSlot struct {
	GetURL  string
	PutURL  string
	Headers map[string]string
}

type slotResponse struct {
	XMLName xml.Name `xml:"urn:xmpp:http:upload:0 slot"`
	Put     struct {
		URL     string `xml:"url,attr"`
		Headers []struct {
			Name  string `xml:"name,attr"`
			Value string `xml:",chardata"`
		} `xml:"header"`
	} `xml:"put"`
	Get struct {
		URL string `xml:"url,attr"`
	} `xml:"get"`
}

// RequestUploadSlot asks the upload service for a slot
func (c *Client) RequestUploadSlot(ctx context.Context, service, filename string, size int64, contentType string) (UploadSlot, error) {
	to, err := jid.Parse(service)
	if err != nil {
		return UploadSlot{}, fmt.Errorf("invalid upload service: %w", err)
	}

	req := xml.StartElement{
		Name: xml.Name{Space: NSUpload, Local: "request"},
		Attr: []xml.Attr{
			Attr("filename", filename),
			Attr("size", strconv.FormatInt(size, 10)),
			Attr("content-type", contentType),
		},
	}
	var resp slotResponse
	if err := c.queryAs(ctx, to, stanza.GetIQ, req, xml.Name{Space: NSUpload, Local: "slot"}, &resp); err != nil {
		return UploadSlot{}, fmt.Errorf("upload slot request failed: %w", err)
	}

	slot := UploadSlot{GetURL: resp.Get.URL, PutURL: resp.Put.URL, Headers: make(map[string]string)}
	for _, h := range resp.Put.Headers {
		slot.Headers[h.Name] = h.Value
	}
	return slot, nil
}

// query sends an IQ get with an empty payload element and decodes the
// matching child of the response into v
func (c *Client) query(ctx context.Context, to jid.JID, payload xml.StartElement, v any) error {
	return c.queryAs(ctx, to, stanza.GetIQ, payload, payload.Name, v)
}

func (c *Client) queryAs(ctx context.Context, to jid.JID, typ stanza.IQType, req xml.StartElement, name xml.Name, v any) error {
	session, err := c.liveSession()
	if err != nil {
		return err
	}

	payload := xmlstream.Wrap(nil, req)
	resp, err := session.SendIQElement(ctx, payload, stanza.IQ{
		ID:   uuid.NewString(),
		To:   to,
		Type: typ,
	})
	if err != nil {
		return err
	}
	defer resp.Close()

	d := xml.NewTokenDecoder(resp)
	for {
		tok, err := d.Token()
		if err == io.EOF {
			return fmt.Errorf("no %s payload in response", name.Local)
		}
		if err != nil {
			return err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch {
		case start.Name == name:
			return d.DecodeElement(v, &start)
		case start.Name.Local == "error":
			var se stanza.Error
			if err := d.DecodeElement(&se, &start); err != nil {
				return err
			}
			return se
		}
	}
}

type iqRequest struct {
	XMLName xml.Name  `xml:"jabber:client iq"`
	ID      string    `xml:"id,attr"`
	From    string    `xml:"from,attr,omitempty"`
	Type    string    `xml:"type,attr"`
	Payload Extension `xml:",any"`
}

type iqResponse struct {
	XMLName xml.Name `xml:"jabber:client iq"`
	ID      string   `xml:"id,attr"`
	To      string   `xml:"to,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	Payload any
}

type versionQuery struct {
	XMLName xml.Name `xml:"jabber:iq:version query"`
	Name    string   `xml:"name"`
	Version string   `xml:"version"`
	OS      string   `xml:"os,omitempty"`
}

func serviceUnavailable() Extension {
	e := NewExtension("", "error", Attr("type", "cancel"))
	e.Inner = `<service-unavailable xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>`
	return e
}

// handle dispatches one incoming stanza. Listener panics and decode errors
// are contained here so they never tear down the read loop.
func (c *Client) handle(t xmlstream.TokenReadEncoder, start *xml.StartElement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("stanza listener panicked")
			err = nil
		}
	}()

	c.mu.RLock()
	l := c.listeners
	c.mu.RUnlock()

	d := xml.NewTokenDecoder(xmlstream.MultiReader(xmlstream.Token(*start), t))

	switch start.Name.Local {
	case "message":
		var m Message
		if err := d.Decode(&m); err != nil {
			c.log.WithError(err).Debug("failed to decode message")
			return nil
		}
		if m.Type == TypeError && m.ID != "" && c.acks.bounce(m.ID) {
			return nil
		}
		if l.Message != nil {
			l.Message(&m)
		}
	case "presence":
		var p Presence
		if err := d.Decode(&p); err != nil {
			c.log.WithError(err).Debug("failed to decode presence")
			return nil
		}
		if l.Presence != nil {
			l.Presence(&p)
		}
	case "iq":
		var iq iqRequest
		if err := d.Decode(&iq); err != nil {
			c.log.WithError(err).Debug("failed to decode iq")
			return nil
		}
		return c.handleIQ(t, &iq, l)
	}
	return nil
}

func (c *Client) handleIQ(t xmlstream.TokenReadEncoder, iq *iqRequest, l Listeners) error {
	if iq.Type != "get" && iq.Type != "set" {
		return nil
	}

	resp := iqResponse{ID: iq.ID, To: iq.From, Type: "result"}
	name := iq.Payload.XMLName

	switch {
	case name.Space == NSPing && iq.Type == "get":
	case name.Space == NSVersion && iq.Type == "get":
		resp.Payload = versionQuery{
			Name:    c.cfg.Version.Name,
			Version: c.cfg.Version.Version,
			OS:      c.cfg.Version.OS,
		}
	case name.Space == NSRoster && iq.Type == "set" && !c.fromSelf(iq.From):
		resp.Type = "error"
		resp.Payload = serviceUnavailable()
	case name.Space == NSRoster && iq.Type == "set":
		var q rosterQuery
		raw := "<query xmlns=\"" + NSRoster + "\">" + iq.Payload.Inner + "</query>"
		if err := xml.Unmarshal([]byte(raw), &q); err != nil {
			c.log.WithError(err).Debug("failed to decode roster push")
		} else if l.RosterPush != nil {
			l.RosterPush(q.items())
		}
	default:
		resp.Type = "error"
		resp.Payload = serviceUnavailable()
	}

	return t.Encode(resp)
}

// fromSelf reports whether a request came from our own account, which is
// the only entity allowed to push roster changes
func (c *Client) fromSelf(from string) bool {
	if from == "" {
		return true
	}
	j, err := jid.Parse(from)
	if err != nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return j.Bare().Equal(c.jid.Bare())
}

// activityConn records when data was last read from the server
type activityConn struct {
	net.Conn
	last *atomic.Int64
}

func (a *activityConn) Read(p []byte) (int, error) {
	n, err := a.Conn.Read(p)
	if n > 0 {
		a.last.Store(time.Now().UnixNano())
	}
	return n, err
}
