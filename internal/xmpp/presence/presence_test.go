package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/xmpp"
)

func TestInitialPresence(t *testing.T) {
	p := Initial(ModeAvailable, 5, "here")
	assert.Empty(t, p.Show)
	assert.Equal(t, 5, p.Priority)

	p = Initial(ModeAway, 0, "")
	assert.Equal(t, "away", p.Show)
}

func TestManagerTracksResources(t *testing.T) {
	m := NewManager()
	bob := jid.MustParse("bob@example.org")

	m.Handle(&xmpp.Presence{From: "bob@example.org/phone", Priority: 1})
	m.Handle(&xmpp.Presence{From: "bob@example.org/desk", Priority: 10, Show: "dnd"})
	require.True(t, m.IsOnline(bob))
	assert.Equal(t, ShowDND, m.Get(bob).Show)

	m.Handle(&xmpp.Presence{From: "bob@example.org/desk", Type: "unavailable"})
	assert.Equal(t, "phone", m.Get(bob).JID.Resourcepart())

	m.Handle(&xmpp.Presence{From: "bob@example.org/phone", Type: "unavailable"})
	assert.False(t, m.IsOnline(bob))
	assert.Zero(t, m.Count())
}

func TestManagerSubscribeRequest(t *testing.T) {
	m := NewManager()
	from, sub := m.Handle(&xmpp.Presence{From: "carol@example.org", Type: "subscribe"})
	assert.True(t, sub)
	assert.Equal(t, "carol@example.org", from.String())
	assert.False(t, m.IsOnline(from))
}

func TestManagerClear(t *testing.T) {
	m := NewManager()
	m.Handle(&xmpp.Presence{From: "bob@example.org/phone"})
	m.Clear()
	assert.Zero(t, m.Count())
}
