package chat

import (
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// ChatState represents the chat state (typing, etc.)
type ChatState string

const (
	StateActive    ChatState = "active"
	StateComposing ChatState = "composing"
	StatePaused    ChatState = "paused"
	StateInactive  ChatState = "inactive"
	StateGone      ChatState = "gone"
)

// Session is a conversation with one contact or group
type Session struct {
	Peer     string
	State    ChatState
	Unread   int
	LastRead time.Time
	// Open is set while the conversation is on screen
	Open bool
}

// Sessions tracks conversations and which one is being viewed. The pipeline
// only surfaces warnings for a conversation that is open.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessions creates an empty session set
func NewSessions() *Sessions {
	return &Sessions{
		sessions: make(map[string]*Session),
	}
}

func key(peer string) string {
	if j, err := jid.Parse(peer); err == nil {
		return j.Bare().String()
	}
	return peer
}

func (s *Sessions) get(peer string) *Session {
	k := key(peer)
	if session, ok := s.sessions[k]; ok {
		return session
	}
	session := &Session{Peer: k, State: StateActive}
	s.sessions[k] = session
	return session
}

// Open marks the conversation as viewed and clears its unread count
func (s *Sessions) Open(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.get(peer)
	session.Open = true
	session.Unread = 0
	session.LastRead = time.Now()
}

// Close marks the conversation as no longer viewed
func (s *Sessions) Close(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[key(peer)]; ok {
		session.Open = false
	}
}

// Viewing reports whether the conversation with peer is open
func (s *Sessions) Viewing(peer string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key(peer)]
	return ok && session.Open
}

// AddIncoming counts an incoming message unless the conversation is open
func (s *Sessions) AddIncoming(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.get(peer)
	if !session.Open {
		session.Unread++
	}
}

// SetChatState records the contact's chat state
func (s *Sessions) SetChatState(peer string, state ChatState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.get(peer).State = state
}

// Get returns a copy of the session for peer
func (s *Sessions) Get(peer string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[key(peer)]
	if !ok {
		return Session{}, false
	}
	return *session, true
}

// UnreadCount returns the total unread count
func (s *Sessions) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, session := range s.sessions {
		count += session.Unread
	}
	return count
}
