// Package presence builds our own presence stanzas and caches what contacts
// broadcast.
package presence

import (
	"strconv"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/xmpp"
)

// Show represents the presence show state
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// Mode selects the initial presence sent after authentication
type Mode int

const (
	// ModeAvailable is used when the idle gate is held, i.e. the user is around
	ModeAvailable Mode = iota
	// ModeAway is used when the client starts in the background
	ModeAway
)

// Status represents a contact's presence on one resource
type Status struct {
	JID      jid.JID
	Show     Show
	Status   string
	Priority int
}

// Initial builds the presence broadcast after authentication
func Initial(mode Mode, priority int, status string) xmpp.Presence {
	if mode == ModeAway {
		return Away(priority, status)
	}
	return Available(priority, status)
}

// Available is sent when the user comes back to the client
func Available(priority int, status string) xmpp.Presence {
	return xmpp.Presence{Priority: priority, Status: status}
}

// Away is sent when the client goes to the background
func Away(priority int, status string) xmpp.Presence {
	return xmpp.Presence{Show: string(ShowAway), Priority: priority, Status: status}
}

// Unavailable builds the presence sent before a graceful disconnect
func Unavailable() xmpp.Presence {
	return xmpp.Presence{Type: "unavailable"}
}

// Subscribed approves a contact's subscription request
func Subscribed(to string) xmpp.Presence {
	return xmpp.Presence{To: to, Type: "subscribed"}
}

// Manager caches contact presence
type Manager struct {
	mu       sync.RWMutex
	statuses map[string]map[string]*Status // bare JID -> resource -> status
}

// NewManager creates a new presence manager
func NewManager() *Manager {
	return &Manager{
		statuses: make(map[string]map[string]*Status),
	}
}

// Handle updates the cache from an incoming presence stanza. It returns the
// sender and whether the stanza was a subscription request.
func (m *Manager) Handle(p *xmpp.Presence) (from jid.JID, subscribe bool) {
	j, err := jid.Parse(p.From)
	if err != nil {
		return jid.JID{}, false
	}

	switch p.Type {
	case "", "available":
		m.set(Status{JID: j, Show: Show(p.Show), Status: p.Status, Priority: p.Priority})
	case "unavailable", "error":
		m.remove(j)
	case "subscribe":
		return j, true
	}
	return j, false
}

func (m *Manager) set(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := status.JID.Bare().String()
	if m.statuses[bare] == nil {
		m.statuses[bare] = make(map[string]*Status)
	}
	m.statuses[bare][status.JID.Resourcepart()] = &status
}

func (m *Manager) remove(j jid.JID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bare := j.Bare().String()
	resource := j.Resourcepart()

	if resource == "" {
		delete(m.statuses, bare)
	} else if m.statuses[bare] != nil {
		delete(m.statuses[bare], resource)
		if len(m.statuses[bare]) == 0 {
			delete(m.statuses, bare)
		}
	}
}

// Get returns the highest priority presence for a bare JID
func (m *Manager) Get(j jid.JID) *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Status
	for _, status := range m.statuses[j.Bare().String()] {
		if best == nil || status.Priority > best.Priority {
			best = status
		}
	}
	return best
}

// IsOnline returns whether a JID has any online resources
func (m *Manager) IsOnline(j jid.JID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses[j.Bare().String()]) > 0
}

// Count returns the number of contacts with at least one online resource
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}

// Clear drops everything; called on teardown
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = make(map[string]map[string]*Status)
}

// String renders a status for display
func (s Status) String() string {
	show := string(s.Show)
	if show == "" {
		show = "online"
	}
	out := s.JID.String() + " " + show
	if s.Priority != 0 {
		out += " (" + strconv.Itoa(s.Priority) + ")"
	}
	if s.Status != "" {
		out += ": " + s.Status
	}
	return out
}
