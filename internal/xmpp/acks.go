package xmpp

import (
	"sync"
	"time"
)

// ackTracker correlates written stanzas with server acknowledgments. The
// server answers IQs in stream order, so a ping answered after a batch of
// stanzas acknowledges the whole batch.
type ackTracker struct {
	mu        sync.Mutex
	listeners map[string]AckFunc
	written   []string
	inFlight  bool
	now       func() time.Time
}

func newAckTracker() *ackTracker {
	return &ackTracker{
		listeners: make(map[string]AckFunc),
		now:       time.Now,
	}
}

func (a *ackTracker) add(id string, fn AckFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners[id] = fn
}

func (a *ackTracker) remove(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.listeners, id)
}

// markWritten records that a listened-for stanza reached the socket
func (a *ackTracker) markWritten(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.listeners[id]; ok {
		a.written = append(a.written, id)
	}
}

// begin takes the current batch for an ack round
func (a *ackTracker) begin() ([]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight || len(a.written) == 0 {
		return nil, false
	}
	a.inFlight = true
	batch := a.written
	a.written = nil
	return batch, true
}

// complete finishes an ack round. When more stanzas were written during the
// round, the next batch is returned and the round stays in flight.
func (a *ackTracker) complete(batch []string, acked bool) ([]string, bool) {
	a.mu.Lock()
	if !acked {
		a.written = append(batch, a.written...)
		a.inFlight = false
		a.mu.Unlock()
		return nil, false
	}

	ts := a.now()
	fire := make([]func(), 0, len(batch))
	for _, id := range batch {
		if fn, ok := a.listeners[id]; ok {
			delete(a.listeners, id)
			ack := Ack{StanzaID: id, Timestamp: ts}
			fire = append(fire, func() { fn(ack) })
		}
	}

	var next []string
	more := len(a.written) > 0
	if more {
		next = a.written
		a.written = nil
	} else {
		a.inFlight = false
	}
	a.mu.Unlock()

	for _, f := range fire {
		f()
	}
	return next, more
}

// bounce delivers an error reply for a stanza
func (a *ackTracker) bounce(id string) bool {
	a.mu.Lock()
	fn, ok := a.listeners[id]
	if ok {
		delete(a.listeners, id)
		for i, w := range a.written {
			if w == id {
				a.written = append(a.written[:i], a.written[i+1:]...)
				break
			}
		}
	}
	ts := a.now()
	a.mu.Unlock()

	if ok {
		fn(Ack{StanzaID: id, Timestamp: ts, Bounced: true})
	}
	return ok
}

// reset forgets unacknowledged writes; listeners stay registered so that a
// resend on the next stream can still be acknowledged
func (a *ackTracker) reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.written = nil
	a.inFlight = false
}
