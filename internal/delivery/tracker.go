// Package delivery tracks outbound messages from the moment they are handed
// to the transport until the server acknowledges them, holding the idle gate
// while anything is outstanding.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/worker"
	"github.com/meszmate/beacon/internal/xmpp"
)

// ErrDuplicate is returned when a message is already outstanding
var ErrDuplicate = errors.New("message already pending")

// Store is the part of the message store the tracker updates
type Store interface {
	UpdateMessageStatus(id int64, status models.MessageStatus, timestamp time.Time) error
	UpdateMessageStatusExcept(id int64, status models.MessageStatus, timestamp time.Time, exclude ...models.MessageStatus) (bool, error)
}

// Gate is the idle gate held while a send is outstanding
type Gate interface {
	Hold(activate bool)
	Release()
}

// Dispatcher runs ack handling off the transport's dispatch path
type Dispatcher interface {
	Submit(task worker.Task) error
}

// StatusFunc observes status changes the tracker makes
type StatusFunc func(id int64, status models.MessageStatus)

type entry struct {
	stanzaID string
	sender   xmpp.Sender
	// receipt marks an outgoing receipt for the incoming message with this id
	receipt bool
}

// Tracker is the outbound delivery tracker
type Tracker struct {
	mu      sync.Mutex
	pending map[int64]entry

	store    Store
	gate     Gate
	dispatch Dispatcher
	onStatus StatusFunc
	log      logrus.FieldLogger
}

// Options configures a Tracker
type Options struct {
	// Dispatcher runs ack handling; nil runs it on the acking goroutine
	Dispatcher Dispatcher
	OnStatus   StatusFunc
}

// New creates a tracker
func New(store Store, gate Gate, opts Options, log logrus.FieldLogger) *Tracker {
	return &Tracker{
		pending:  make(map[int64]entry),
		store:    store,
		gate:     gate,
		dispatch: opts.Dispatcher,
		onStatus: opts.OnStatus,
		log:      log.WithField("component", "delivery"),
	}
}

// Track registers an ack listener for stanzaID on sender, adds the message
// to the pending set and holds the idle gate. It must be called before the
// stanza is written.
func (t *Tracker) Track(sender xmpp.Sender, messageID int64, stanzaID string) error {
	return t.track(sender, messageID, stanzaID, false)
}

// TrackReceipt tracks an outgoing delivery receipt for the incoming message
// incomingID. Its acknowledgment marks the incoming message confirmed.
func (t *Tracker) TrackReceipt(sender xmpp.Sender, incomingID int64, stanzaID string) error {
	return t.track(sender, incomingID, stanzaID, true)
}

func (t *Tracker) track(sender xmpp.Sender, id int64, stanzaID string, receipt bool) error {
	t.mu.Lock()
	if _, ok := t.pending[id]; ok {
		t.mu.Unlock()
		return ErrDuplicate
	}
	t.pending[id] = entry{stanzaID: stanzaID, sender: sender, receipt: receipt}
	t.mu.Unlock()

	t.gate.Hold(false)
	sender.AddAckListener(stanzaID, func(ack xmpp.Ack) {
		t.run(func() { t.acked(id, stanzaID, ack) })
	})
	return nil
}

func (t *Tracker) run(fn func()) {
	if t.dispatch == nil {
		fn()
		return
	}
	if err := t.dispatch.Submit(func(context.Context) { fn() }); err != nil {
		fn()
	}
}

// resolve removes id from the pending set and releases its hold. It reports
// false when id was not pending, in which case nothing is released.
func (t *Tracker) resolve(id int64, stanzaID string) (entry, bool) {
	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok || (stanzaID != "" && e.stanzaID != stanzaID) {
		t.mu.Unlock()
		return entry{}, false
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.gate.Release()
	return e, true
}

func (t *Tracker) acked(id int64, stanzaID string, ack xmpp.Ack) {
	e, ok := t.resolve(id, stanzaID)
	if !ok {
		return
	}
	log := t.log.WithFields(logrus.Fields{"message": id, "stanza": stanzaID})

	switch {
	case e.receipt:
		if ack.Bounced {
			log.Debug("receipt bounced")
			return
		}
		t.update(log, id, models.StatusConfirmed, ack.Timestamp)
	case ack.Bounced:
		t.update(log, id, models.StatusNotDelivered, ack.Timestamp)
	default:
		changed, err := t.store.UpdateMessageStatusExcept(id, models.StatusSent, ack.Timestamp,
			models.StatusReceived, models.StatusNotDelivered)
		if err != nil {
			log.WithError(err).Warn("failed to mark message sent")
			return
		}
		if changed {
			t.notify(id, models.StatusSent)
		}
	}
}

func (t *Tracker) update(log logrus.FieldLogger, id int64, status models.MessageStatus, ts time.Time) {
	if err := t.store.UpdateMessageStatus(id, status, ts); err != nil {
		log.WithError(err).Warnf("failed to mark message %s", status)
		return
	}
	t.notify(id, status)
}

func (t *Tracker) notify(id int64, status models.MessageStatus) {
	if t.onStatus != nil {
		t.onStatus(id, status)
	}
}

// Fail resolves a message whose send call failed synchronously: no
// acknowledgment will ever arrive for it
func (t *Tracker) Fail(messageID int64) {
	e, ok := t.resolve(messageID, "")
	if !ok {
		return
	}
	e.sender.RemoveAckListener(e.stanzaID)
}

// Send tracks the message, writes the stanza and asks for an ack. A failed
// write resolves the message immediately and returns the error.
func (t *Tracker) Send(ctx context.Context, sender xmpp.Sender, messageID int64, stanza *xmpp.Message) error {
	if err := t.Track(sender, messageID, stanza.ID); err != nil {
		return err
	}
	return t.write(ctx, sender, messageID, stanza)
}

// SendReceipt is Send for an outgoing receipt
func (t *Tracker) SendReceipt(ctx context.Context, sender xmpp.Sender, incomingID int64, stanza *xmpp.Message) error {
	if err := t.TrackReceipt(sender, incomingID, stanza.ID); err != nil {
		return err
	}
	return t.write(ctx, sender, incomingID, stanza)
}

func (t *Tracker) write(ctx context.Context, sender xmpp.Sender, id int64, stanza *xmpp.Message) error {
	if err := sender.Send(ctx, stanza); err != nil {
		t.Fail(id)
		return err
	}
	sender.RequestAck()
	return nil
}

// IsPending reports whether a message is outstanding
func (t *Tracker) IsPending(messageID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[messageID]
	return ok
}

// Count returns the number of outstanding messages
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset clears the pending set on connection teardown. Every hold is
// released, and messages still marked sending go back to pending so they are
// resent on the next stream.
func (t *Tracker) Reset() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[int64]entry)
	t.mu.Unlock()

	for id, e := range pending {
		e.sender.RemoveAckListener(e.stanzaID)
		t.gate.Release()
		if e.receipt {
			continue
		}
		changed, err := t.store.UpdateMessageStatusExcept(id, models.StatusPending, time.Time{},
			models.StatusSent, models.StatusReceived, models.StatusConfirmed,
			models.StatusNotDelivered, models.StatusPendingReview, models.StatusFailed)
		if err != nil {
			t.log.WithError(err).WithField("message", id).Warn("failed to requeue message")
			continue
		}
		if changed {
			t.notify(id, models.StatusPending)
		}
	}
	if len(pending) > 0 {
		t.log.WithField("count", len(pending)).Debug("pending deliveries cleared")
	}
}
