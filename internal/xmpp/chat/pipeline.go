// Package chat is the message send pipeline: it checks that a stored
// message may go out, builds its stanza, encrypts it and hands it to the
// delivery tracker. It also stores incoming messages and answers receipt
// requests.
package chat

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/crypto/pgp"
	"github.com/meszmate/beacon/internal/delivery"
	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/platform"
	"github.com/meszmate/beacon/internal/worker"
	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/group"
	"github.com/meszmate/beacon/internal/xmpp/upload"
)

var (
	// ErrRosterNotLoaded drops a send until the roster arrives
	ErrRosterNotLoaded = errors.New("roster not loaded")
	// ErrNotAuthorized drops a group send with unsubscribed members
	ErrNotAuthorized = errors.New("recipient has not authorized us")
	// ErrNoPersonalKey drops a send when there is no key to sign with
	ErrNoPersonalKey = errors.New("no personal key")
	// ErrDuplicate is returned for a message that is already in flight
	ErrDuplicate = delivery.ErrDuplicate
	// ErrNoUploader is returned for media messages when no upload backend is set
	ErrNoUploader = errors.New("no upload service")
)

// Store is the part of the message store the pipeline uses
type Store interface {
	SaveMessage(msg *models.Message) error
	GetMessageByStanzaID(account, stanzaID string) (*models.Message, error)
	MessageExists(account, stanzaID string) (bool, error)
	PendingMessages(account string) ([]models.Message, error)
	UpdateMessageStatus(id int64, status models.MessageStatus, timestamp time.Time) error
	SetMessageMediaURL(id int64, url string) error
}

// Roster answers the subscription checks
type Roster interface {
	Loaded() bool
	IsAuthorized(j jid.JID) bool
}

// Groups resolves group contexts and records commands
type Groups interface {
	Policy(groupID string) group.Policy
	Resolve(c *group.Context) error
	Apply(c *group.Context, partialAllowed bool) error
}

// Coder is the opaque encryption routine
type Coder interface {
	HasPersonalKey() bool
	EncryptText(recipients []string, text string) (string, error)
	EncryptStanza(recipients []string, xml string) (string, error)
	Decrypt(sender, payload string) (*pgp.Decrypted, error)
}

// Tracker is the outbound delivery tracker
type Tracker interface {
	IsPending(messageID int64) bool
	Send(ctx context.Context, sender xmpp.Sender, messageID int64, stanza *xmpp.Message) error
	SendReceipt(ctx context.Context, sender xmpp.Sender, incomingID int64, stanza *xmpp.Message) error
}

// Gate is the idle gate held while the pipeline works on a message
type Gate interface {
	Hold(activate bool)
	Release()
}

// Dispatcher runs media uploads in the background
type Dispatcher interface {
	Submit(task worker.Task) error
}

// Transport is the live connection messages are written to
type Transport interface {
	xmpp.Sender
	Server() string
}

// Location is a geolocation attached to a message
type Location struct {
	Lat, Lon float64
}

// Options carry the parts of a send that are not stored with the message
type Options struct {
	// Group is the command context; a stored GroupID without one sends a
	// plain group message
	Group *group.Context
	// PartialAllowed is the policy of a group being created
	PartialAllowed bool
	ChatState      ChatState
	Location       *Location
}

// Config wires a Pipeline
type Config struct {
	// Self is the account's bare JID
	Self       string
	Store      Store
	Roster     Roster
	Groups     Groups
	Coder      Coder
	Tracker    Tracker
	Gate       Gate
	Uploader   upload.Uploader
	Dispatcher Dispatcher
	Clock      platform.Clock
	// RequireKey refuses every send while the personal key is missing
	RequireKey bool

	// Viewing reports whether the conversation with peer is on screen
	Viewing func(peer string) bool
	// OnWarning surfaces a failure in the conversation being viewed
	OnWarning func(peer string, err error)
	// OnIncoming is called after an incoming message is stored
	OnIncoming func(msg *models.Message)
	// OnStatus is called when a receipt changes a stored status
	OnStatus func(id int64, status models.MessageStatus)
	// OnChatState is called for incoming chat state notifications
	OnChatState func(peer string, state ChatState)
}

// Pipeline is the message send pipeline
type Pipeline struct {
	cfg Config
	log logrus.FieldLogger

	mu        sync.Mutex
	transport Transport
	uploading map[int64]struct{}
}

// New creates a pipeline
func New(cfg Config, log logrus.FieldLogger) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = platform.SystemClock{}
	}
	if j, err := jid.Parse(cfg.Self); err == nil {
		cfg.Self = j.Bare().String()
	}
	return &Pipeline{
		cfg:       cfg,
		log:       log.WithField("component", "chat"),
		uploading: make(map[int64]struct{}),
	}
}

// SetTransport binds the authenticated connection. nil unbinds it, after
// which sends leave messages pending.
func (p *Pipeline) SetTransport(t Transport) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transport = t
}

func (p *Pipeline) current() Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport
}

func (p *Pipeline) warn(peer string, err error) {
	if p.cfg.OnWarning == nil || p.cfg.Viewing == nil || !p.cfg.Viewing(peer) {
		return
	}
	p.cfg.OnWarning(peer, err)
}

func (p *Pipeline) setStatus(log logrus.FieldLogger, id int64, status models.MessageStatus) {
	if err := p.cfg.Store.UpdateMessageStatus(id, status, time.Time{}); err != nil {
		log.WithError(err).Warnf("failed to mark message %s", status)
	}
}

// Send runs a stored outgoing message through the pipeline. Dropped sends
// return one of the package errors and leave the message pending so a later
// resend picks it up.
func (p *Pipeline) Send(ctx context.Context, msg *models.Message, opts Options) error {
	log := p.log.WithFields(logrus.Fields{"message": msg.ID, "peer": msg.Peer})

	if !p.cfg.Roster.Loaded() {
		log.Debug("roster not loaded, deferring send")
		return ErrRosterNotLoaded
	}

	gc := opts.Group
	if gc == nil && msg.GroupID != "" {
		gc = &group.Context{ID: msg.GroupID}
	}
	recipients := []string{msg.Peer}
	partial := opts.PartialAllowed
	if gc != nil {
		if err := p.cfg.Groups.Resolve(gc); err != nil {
			log.WithError(err).Warn("cannot resolve group")
			return fmt.Errorf("group %s: %w", gc.ID, err)
		}
		recipients = gc.Recipients(p.cfg.Self)
		if gc.Command != group.CommandCreate {
			partial = p.cfg.Groups.Policy(gc.ID).PartialSubscriptionAllowed()
		}
		if !partial {
			for _, r := range recipients {
				if !p.authorized(r) {
					log.WithField("member", r).Debug("member not subscribed, deferring group send")
					return ErrNotAuthorized
				}
			}
		}
	}

	if p.cfg.RequireKey || msg.Encrypt {
		if p.cfg.Coder == nil || !p.cfg.Coder.HasPersonalKey() {
			log.Warn("no personal key, dropping send")
			p.warn(msg.Peer, ErrNoPersonalKey)
			return ErrNoPersonalKey
		}
	}

	if p.cfg.Tracker.IsPending(msg.ID) || p.isUploading(msg.ID) {
		return ErrDuplicate
	}

	if msg.MediaPath != "" && msg.MediaURL == "" {
		return p.upload(msg, opts)
	}

	conn := p.current()
	if conn == nil {
		log.Debug("not connected, message stays pending")
		return xmpp.ErrNotConnected
	}

	p.cfg.Gate.Hold(false)
	defer p.cfg.Gate.Release()

	st, content := p.build(conn, msg, gc, recipients, opts)
	if msg.Encrypt {
		if err := p.encrypt(st, content, recipients); err != nil {
			log.WithError(err).Warn("encryption failed")
			p.setStatus(log, msg.ID, models.StatusPendingReview)
			p.warn(msg.Peer, err)
			return err
		}
	} else {
		st.Extensions = append(st.Extensions, content...)
	}

	if st.IsStandaloneNotification() {
		return conn.Send(ctx, st)
	}

	p.setStatus(log, msg.ID, models.StatusSending)
	if err := p.cfg.Tracker.Send(ctx, conn, msg.ID, st); err != nil {
		if errors.Is(err, delivery.ErrDuplicate) {
			return ErrDuplicate
		}
		log.WithError(err).Debug("send failed, message stays pending")
		p.setStatus(log, msg.ID, models.StatusPending)
		return err
	}

	if gc != nil && gc.Command != group.CommandNone {
		if err := p.cfg.Groups.Apply(gc, partial); err != nil {
			log.WithError(err).Warn("failed to record group command")
		}
	}
	return nil
}

func (p *Pipeline) authorized(member string) bool {
	j, err := jid.Parse(member)
	if err != nil {
		return false
	}
	return p.cfg.Roster.IsAuthorized(j)
}

// build constructs the stanza. Extensions that describe the content are
// returned separately so they can be encrypted with the body.
func (p *Pipeline) build(conn Transport, msg *models.Message, gc *group.Context, recipients []string, opts Options) (*xmpp.Message, []xmpp.Extension) {
	if msg.StanzaID == "" {
		msg.StanzaID = uuid.NewString()
	}
	st := &xmpp.Message{ID: msg.StanzaID, To: msg.Peer, Type: xmpp.TypeChat, Body: msg.Body}

	if opts.ChatState != "" {
		st.Add(xmpp.ChatState(string(opts.ChatState)))
	}
	st.Add(xmpp.ReceiptRequest())

	var content []xmpp.Extension
	if opts.Location != nil {
		content = append(content, xmpp.Geoloc(opts.Location.Lat, opts.Location.Lon))
	}
	if msg.InReplyTo != "" {
		content = append(content, xmpp.Reply(msg.InReplyTo, msg.Peer))
	}
	if msg.MediaURL != "" {
		content = append(content, xmpp.OOB(msg.MediaURL))
	}
	if gc != nil {
		st.To = conn.Server()
		content = append(content, gc.Extension())
		st.Add(group.Addresses(recipients))
	}
	return st, content
}

// encrypt replaces the body and content extensions with the ciphertext. A
// bare body is encrypted as text; anything richer is serialized first.
func (p *Pipeline) encrypt(st *xmpp.Message, content []xmpp.Extension, recipients []string) error {
	var (
		ciphertext string
		err        error
	)
	if len(content) == 0 {
		ciphertext, err = p.cfg.Coder.EncryptText(recipients, st.Body)
	} else {
		inner, merr := xml.Marshal(&xmpp.Message{Body: st.Body, Extensions: content})
		if merr != nil {
			return merr
		}
		ciphertext, err = p.cfg.Coder.EncryptStanza(recipients, string(inner))
	}
	if err != nil {
		return err
	}
	st.Body = ""
	st.Add(xmpp.E2E(ciphertext))
	return nil
}

func (p *Pipeline) isUploading(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.uploading[id]
	return ok
}

// upload moves the attachment off the device and then resubmits the
// message with its URL. The gate stays held until the upload is done.
func (p *Pipeline) upload(msg *models.Message, opts Options) error {
	log := p.log.WithFields(logrus.Fields{"message": msg.ID, "file": msg.MediaPath})
	if p.cfg.Uploader == nil {
		p.setStatus(log, msg.ID, models.StatusFailed)
		return ErrNoUploader
	}

	p.mu.Lock()
	p.uploading[msg.ID] = struct{}{}
	p.mu.Unlock()
	p.cfg.Gate.Hold(false)

	m := *msg
	task := func(ctx context.Context) {
		defer func() {
			p.mu.Lock()
			delete(p.uploading, m.ID)
			p.mu.Unlock()
			p.cfg.Gate.Release()
		}()

		res, err := p.cfg.Uploader.Upload(ctx, m.MediaPath)
		if err != nil {
			log.WithError(err).Warn("upload failed")
			p.setStatus(log, m.ID, models.StatusFailed)
			p.warn(m.Peer, err)
			return
		}
		if err := p.cfg.Store.SetMessageMediaURL(m.ID, res.URL); err != nil {
			log.WithError(err).Warn("failed to store media URL")
		}
		m.MediaURL = res.URL
		m.MediaMIME = res.MIMEType

		p.mu.Lock()
		delete(p.uploading, m.ID)
		p.mu.Unlock()
		if err := p.Send(ctx, &m, opts); err != nil {
			log.WithError(err).Debug("media message deferred")
		}
	}

	if p.cfg.Dispatcher == nil {
		go task(context.Background())
		return nil
	}
	if err := p.cfg.Dispatcher.Submit(task); err != nil {
		p.mu.Lock()
		delete(p.uploading, m.ID)
		p.mu.Unlock()
		p.cfg.Gate.Release()
		return err
	}
	return nil
}

// SendChatState sends a standalone chat state notification. It is not
// tracked: nothing waits for its acknowledgment.
func (p *Pipeline) SendChatState(ctx context.Context, to string, state ChatState) error {
	conn := p.current()
	if conn == nil {
		return xmpp.ErrNotConnected
	}
	p.cfg.Gate.Hold(false)
	defer p.cfg.Gate.Release()

	st := &xmpp.Message{ID: uuid.NewString(), To: to, Type: xmpp.TypeChat}
	st.Add(xmpp.ChatState(string(state)))
	return conn.Send(ctx, st)
}

// SendReceipt acknowledges an incoming message to its sender. The ack of the
// receipt marks the incoming message confirmed.
func (p *Pipeline) SendReceipt(ctx context.Context, incoming *models.Message, to string) error {
	conn := p.current()
	if conn == nil {
		return xmpp.ErrNotConnected
	}
	st := &xmpp.Message{ID: uuid.NewString(), To: to, Type: xmpp.TypeChat}
	st.Add(xmpp.Receipt(incoming.StanzaID))
	return p.cfg.Tracker.SendReceipt(ctx, conn, incoming.ID, st)
}

// ResendPending resubmits every message still stored as pending. It returns
// how many were accepted.
func (p *Pipeline) ResendPending(ctx context.Context) int {
	if !p.cfg.Roster.Loaded() || p.current() == nil {
		return 0
	}
	msgs, err := p.cfg.Store.PendingMessages(p.cfg.Self)
	if err != nil {
		p.log.WithError(err).Warn("failed to load pending messages")
		return 0
	}

	sent := 0
	for i := range msgs {
		err := p.Send(ctx, &msgs[i], Options{})
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrDuplicate):
		default:
			p.log.WithError(err).WithField("message", msgs[i].ID).Debug("pending message not resent")
		}
	}
	if len(msgs) > 0 {
		p.log.WithFields(logrus.Fields{"pending": len(msgs), "sent": sent}).Info("resent pending messages")
	}
	return sent
}

// HandleIncoming processes a message stanza from the server. It runs on the
// worker pool, never on the transport's read loop.
func (p *Pipeline) HandleIncoming(ctx context.Context, m *xmpp.Message) {
	from, err := jid.Parse(m.From)
	if err != nil {
		p.log.WithField("from", m.From).Debug("dropping message with invalid sender")
		return
	}
	peer := from.Bare().String()
	log := p.log.WithFields(logrus.Fields{"peer": peer, "stanza": m.ID})

	if m.Type == xmpp.TypeError {
		// bounces reach the tracker through the transport's ack listeners
		return
	}

	ts, ok := m.Delay()
	if !ok {
		ts = p.cfg.Clock.Now()
	}

	if e, ok := m.Extension(xmpp.NSReceipts, "received"); ok {
		p.receiptReceived(log, e.Attr("id"), ts)
	}
	if m.IsStandaloneNotification() {
		if p.cfg.OnChatState != nil && len(m.Extensions) > 0 {
			p.cfg.OnChatState(peer, ChatState(m.Extensions[0].XMLName.Local))
		}
		return
	}

	e2e, encrypted := m.Extension(xmpp.NSE2E, "e2e")
	if m.Body == "" && !encrypted {
		if _, ok := m.Extension(xmpp.NSOOB, "x"); !ok {
			return
		}
	}
	_, wantsReceipt := m.Extension(xmpp.NSReceipts, "request")

	if m.ID != "" {
		exists, err := p.cfg.Store.MessageExists(p.cfg.Self, m.ID)
		if err != nil {
			log.WithError(err).Warn("failed to check for duplicate")
		}
		if exists {
			log.Debug("duplicate message")
			if wantsReceipt {
				if prev, err := p.cfg.Store.GetMessageByStanzaID(p.cfg.Self, m.ID); err == nil && prev != nil {
					p.answerReceipt(ctx, log, prev, m.From)
				}
			}
			return
		}
	}

	stored := &models.Message{
		StanzaID:  m.ID,
		Account:   p.cfg.Self,
		Peer:      peer,
		Body:      m.Body,
		Timestamp: ts,
		Status:    models.StatusNone,
	}
	if stored.StanzaID == "" {
		stored.StanzaID = uuid.NewString()
	}
	extensions := m.Extensions
	if encrypted {
		extensions = append(extensions, p.decrypt(log, stored, m.From, e2e.Inner)...)
	}
	for _, e := range extensions {
		switch {
		case e.XMLName.Space == xmpp.NSOOB && e.XMLName.Local == "x":
			stored.MediaURL = oobURL(e)
		case e.XMLName.Space == xmpp.NSReply:
			stored.InReplyTo = e.Attr("id")
		case e.XMLName.Space == group.NS:
			stored.GroupID = e.Attr("id")
		}
	}

	if err := p.cfg.Store.SaveMessage(stored); err != nil {
		log.WithError(err).Error("failed to store incoming message")
		return
	}
	if p.cfg.OnIncoming != nil {
		p.cfg.OnIncoming(stored)
	}
	if wantsReceipt {
		p.answerReceipt(ctx, log, stored, m.From)
	}
}

func (p *Pipeline) answerReceipt(ctx context.Context, log logrus.FieldLogger, msg *models.Message, to string) {
	if err := p.SendReceipt(ctx, msg, to); err != nil && !errors.Is(err, ErrDuplicate) {
		log.WithError(err).Debug("receipt not sent")
	}
}

func (p *Pipeline) receiptReceived(log logrus.FieldLogger, stanzaID string, ts time.Time) {
	if stanzaID == "" {
		return
	}
	msg, err := p.cfg.Store.GetMessageByStanzaID(p.cfg.Self, stanzaID)
	if err != nil {
		log.WithError(err).Warn("failed to look up receipt")
		return
	}
	if msg == nil || !msg.Outgoing {
		log.WithField("receipt", stanzaID).Debug("receipt for unknown message")
		return
	}
	if err := p.cfg.Store.UpdateMessageStatus(msg.ID, models.StatusReceived, ts); err != nil {
		log.WithError(err).Warn("failed to mark message received")
		return
	}
	if p.cfg.OnStatus != nil {
		p.cfg.OnStatus(msg.ID, models.StatusReceived)
	}
}

// decrypt fills the stored message from an encrypted payload and returns
// the extensions found inside it. Failures become security flags; the
// message is always kept.
func (p *Pipeline) decrypt(log logrus.FieldLogger, stored *models.Message, from, payload string) []xmpp.Extension {
	stored.Body = ""
	if p.cfg.Coder == nil {
		stored.Security = models.SecurityEncrypted | models.SecurityDecryptFailed
		return nil
	}
	out, err := p.cfg.Coder.Decrypt(from, payload)
	if err != nil {
		log.WithError(err).Warn("cannot decrypt message")
		stored.Security = models.SecurityEncrypted | models.SecurityDecryptFailed
		return nil
	}
	stored.Security = out.Flags
	if out.Flags.HasErrors() {
		log.WithField("errors", len(out.Errors)).Warn("encrypted message failed verification")
	}
	if !out.Timestamp.IsZero() {
		stored.Timestamp = out.Timestamp
	}

	if out.ContentType != pgp.ContentStanza {
		stored.Body = out.Content
		return nil
	}
	var inner xmpp.Message
	if err := xml.Unmarshal([]byte(out.Content), &inner); err != nil {
		log.WithError(err).Debug("encrypted stanza is not a message")
		stored.Body = out.Content
		return nil
	}
	stored.Body = inner.Body
	return inner.Extensions
}

func oobURL(e xmpp.Extension) string {
	var v struct {
		URL string `xml:"url"`
	}
	if err := xml.Unmarshal([]byte("<x>"+e.Inner+"</x>"), &v); err != nil {
		return ""
	}
	return v.URL
}
