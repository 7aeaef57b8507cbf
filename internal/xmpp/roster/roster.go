// Package roster keeps the contact list the delivery core checks
// subscriptions against.
package roster

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/storage/sqlite"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// Item represents a roster item
type Item struct {
	JID          jid.JID
	Name         string
	Subscription Subscription
	Groups       []string
	Approved     bool
	Ask          string
}

// Store persists the roster between runs
type Store interface {
	SaveRoster(account string, entries []sqlite.RosterEntry) error
	GetRoster(account string) ([]sqlite.RosterEntry, error)
}

// Manager manages the roster of one account
type Manager struct {
	mu     sync.RWMutex
	self   jid.JID
	items  map[string]*Item
	loaded bool
	store  Store
	log    logrus.FieldLogger
	onLoad []func()
}

// NewManager creates a new roster manager. store may be nil.
func NewManager(self jid.JID, store Store, log logrus.FieldLogger) *Manager {
	return &Manager{
		self:  self.Bare(),
		items: make(map[string]*Item),
		store: store,
		log:   log.WithField("component", "roster"),
	}
}

// OnLoad registers fn to run each time the roster finishes loading from the server
func (m *Manager) OnLoad(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLoad = append(m.onLoad, fn)
}

// Loaded reports whether the server roster has been received on this stream
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// Replace installs the full roster returned by the server
func (m *Manager) Replace(items []Item) {
	m.mu.Lock()
	m.items = make(map[string]*Item, len(items))
	for _, item := range items {
		item := item
		m.items[item.JID.Bare().String()] = &item
	}
	m.loaded = true
	hooks := append([]func(){}, m.onLoad...)
	m.mu.Unlock()

	m.persist()
	for _, fn := range hooks {
		fn()
	}
}

// Apply merges a roster push
func (m *Manager) Apply(items []Item) {
	m.mu.Lock()
	for _, item := range items {
		item := item
		key := item.JID.Bare().String()
		if item.Subscription == SubscriptionRemove {
			delete(m.items, key)
			continue
		}
		m.items[key] = &item
	}
	m.mu.Unlock()

	m.persist()
}

// Restore fills the roster from the local cache. The roster does not count
// as loaded until the server has answered.
func (m *Manager) Restore() error {
	if m.store == nil {
		return nil
	}
	entries, err := m.store.GetRoster(m.self.String())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		j, err := jid.Parse(e.JID)
		if err != nil {
			continue
		}
		m.items[j.Bare().String()] = &Item{
			JID:          j,
			Name:         e.Name,
			Groups:       e.Groups,
			Subscription: Subscription(e.Subscription),
		}
	}
	return nil
}

func (m *Manager) persist() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	entries := make([]sqlite.RosterEntry, 0, len(m.items))
	for _, item := range m.items {
		entries = append(entries, sqlite.RosterEntry{
			JID:          item.JID.Bare().String(),
			Name:         item.Name,
			Groups:       item.Groups,
			Subscription: string(item.Subscription),
		})
	}
	m.mu.RUnlock()

	if err := m.store.SaveRoster(m.self.String(), entries); err != nil {
		m.log.WithError(err).Warn("failed to cache roster")
	}
}

// IsAuthorized reports whether we may send to j: it is ourselves or we hold
// a subscription to its presence
func (m *Manager) IsAuthorized(j jid.JID) bool {
	if j.Bare().Equal(m.self) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	item := m.items[j.Bare().String()]
	if item == nil {
		return false
	}
	return item.Subscription == SubscriptionTo || item.Subscription == SubscriptionBoth
}

// Get returns a roster item by JID
func (m *Manager) Get(j jid.JID) *Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.items[j.Bare().String()]
}

// All returns all roster items sorted by address
func (m *Manager) All() []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]*Item, 0, len(m.items))
	for _, item := range m.items {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].JID.String() < items[j].JID.String()
	})
	return items
}

// Count returns the number of roster items
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Reset forgets the stream's roster; the next stream must load it again
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*Item)
	m.loaded = false
}
