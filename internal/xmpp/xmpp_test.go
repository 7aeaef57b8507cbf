package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageMarshalsExtensions(t *testing.T) {
	m := Message{ID: "abc", To: "bob@example.org", Type: TypeChat, Body: "hi & bye"}
	m.Add(ReceiptRequest())
	m.Add(Reply("orig", "bob@example.org"))
	m.Add(OOB("https://example.org/a?b=1&c=2"))

	out, err := xml.Marshal(m)
	require.NoError(t, err)
	s := string(out)

	assert.Contains(t, s, `<message xmlns="jabber:client" id="abc" to="bob@example.org" type="chat">`)
	assert.Contains(t, s, `<body>hi &amp; bye</body>`)
	assert.Contains(t, s, `<request xmlns="urn:xmpp:receipts"></request>`)
	assert.Contains(t, s, `<reply xmlns="urn:xmpp:reply:0" id="orig" to="bob@example.org"></reply>`)
	assert.Contains(t, s, `<url>https://example.org/a?b=1&amp;c=2</url>`)
}

func TestMessageUnmarshalIncoming(t *testing.T) {
	raw := `<message xmlns="jabber:client" from="bob@example.org/phone" id="m1" type="chat">
		<body>hello</body>
		<request xmlns="urn:xmpp:receipts"/>
		<delay xmlns="urn:xmpp:delay" stamp="2024-01-02T03:04:05Z"/>
		<e2e xmlns="urn:ietf:params:xml:ns:xmpp-e2e">QUJD</e2e>
	</message>`

	var m Message
	require.NoError(t, xml.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "hello", m.Body)
	assert.Equal(t, "m1", m.ID)

	_, ok := m.Extension(NSReceipts, "request")
	assert.True(t, ok)

	ts, ok := m.Delay()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), ts)

	e2e, ok := m.Extension(NSE2E, "e2e")
	require.True(t, ok)
	assert.Equal(t, "QUJD", e2e.Inner)
}

func TestStandaloneNotification(t *testing.T) {
	typing := Message{To: "bob@example.org"}
	typing.Add(ChatState("composing"))
	assert.True(t, typing.IsStandaloneNotification())

	receipt := Message{To: "bob@example.org"}
	receipt.Add(Receipt("m1"))
	assert.False(t, receipt.IsStandaloneNotification())

	withBody := Message{Body: "x"}
	withBody.Add(ChatState("active"))
	assert.False(t, withBody.IsStandaloneNotification())

	assert.False(t, (&Message{}).IsStandaloneNotification())
}

func TestGeolocFormatting(t *testing.T) {
	e := Geoloc(47.5, -19.25)
	assert.Equal(t, "<lat>47.5</lat><lon>-19.25</lon>", e.Inner)
}

func TestIsBadCredentials(t *testing.T) {
	assert.True(t, IsBadCredentials(&AuthError{Err: errors.New("sasl: not-authorized")}))
	assert.True(t, IsBadCredentials(fmt.Errorf("login: %w", &AuthError{Err: errors.New("credentials-expired")})))
	assert.False(t, IsBadCredentials(&AuthError{Err: errors.New("no supported mechanism")}))
	assert.False(t, IsBadCredentials(errors.New("not-authorized")))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrNotConnected))
	assert.True(t, IsTransient(fmt.Errorf("send: %w", ErrInterrupted)))
	assert.True(t, IsTransient(io.EOF))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(timeoutErr{}))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(&AuthError{Err: errors.New("not-authorized")}))
}

func TestAckRoundAcknowledgesBatch(t *testing.T) {
	a := newAckTracker()
	a.now = func() time.Time { return time.Unix(100, 0) }

	var got []Ack
	record := func(ack Ack) { got = append(got, ack) }
	a.add("m1", record)
	a.add("m2", record)
	a.markWritten("m1")
	a.markWritten("m2")
	a.markWritten("untracked")

	batch, ok := a.begin()
	require.True(t, ok)
	assert.Equal(t, []string{"m1", "m2"}, batch)

	_, again := a.begin()
	assert.False(t, again, "only one round in flight")

	next, more := a.complete(batch, true)
	assert.False(t, more)
	assert.Nil(t, next)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].StanzaID)
	assert.Equal(t, time.Unix(100, 0), got[1].Timestamp)
}

func TestAckRoundContinuesWithLaterWrites(t *testing.T) {
	a := newAckTracker()
	var got []string
	record := func(ack Ack) { got = append(got, ack.StanzaID) }

	a.add("m1", record)
	a.markWritten("m1")
	batch, _ := a.begin()

	a.add("m2", record)
	a.markWritten("m2")

	next, more := a.complete(batch, true)
	require.True(t, more)
	assert.Equal(t, []string{"m2"}, next)

	_, more = a.complete(next, true)
	assert.False(t, more)
	assert.Equal(t, []string{"m1", "m2"}, got)
}

func TestAckRoundFailureRequeues(t *testing.T) {
	a := newAckTracker()
	fired := 0
	a.add("m1", func(Ack) { fired++ })
	a.markWritten("m1")

	batch, _ := a.begin()
	_, more := a.complete(batch, false)
	assert.False(t, more)
	assert.Zero(t, fired)

	batch, ok := a.begin()
	require.True(t, ok)
	assert.Equal(t, []string{"m1"}, batch)
}

func TestAckBounce(t *testing.T) {
	a := newAckTracker()
	var got Ack
	a.add("m1", func(ack Ack) { got = ack })
	a.markWritten("m1")

	assert.True(t, a.bounce("m1"))
	assert.True(t, got.Bounced)
	assert.False(t, a.bounce("m1"))

	_, ok := a.begin()
	assert.False(t, ok)
}

func TestAckResetKeepsListeners(t *testing.T) {
	a := newAckTracker()
	fired := false
	a.add("m1", func(Ack) { fired = true })
	a.markWritten("m1")
	a.reset()

	_, ok := a.begin()
	assert.False(t, ok)

	a.markWritten("m1")
	batch, ok := a.begin()
	require.True(t, ok)
	a.complete(batch, true)
	assert.True(t, fired)
}

func TestRosterQueryItems(t *testing.T) {
	raw := `<query xmlns="jabber:iq:roster">
		<item jid="bob@example.org" name="Bob" subscription="both"><group>Friends</group></item>
		<item jid="carol@example.org"/>
		<item jid="bob@"/>
	</query>`
	var q rosterQuery
	require.NoError(t, xml.Unmarshal([]byte(raw), &q))

	items := q.items()
	require.Len(t, items, 2)
	assert.Equal(t, "Bob", items[0].Name)
	assert.Equal(t, []string{"Friends"}, items[0].Groups)
	assert.Equal(t, "none", string(items[1].Subscription))
}

func TestIQResponseMarshal(t *testing.T) {
	out, err := xml.Marshal(iqResponse{ID: "v1", To: "server", Type: "result", Payload: versionQuery{Name: "beacon", Version: "1.0"}})
	require.NoError(t, err)
	s := string(out)
	assert.True(t, strings.HasPrefix(s, `<iq xmlns="jabber:client" id="v1" to="server" type="result">`))
	assert.Contains(t, s, `<query xmlns="jabber:iq:version"><name>beacon</name><version>1.0</version></query>`)
}

func TestClientNotConnected(t *testing.T) {
	c, err := NewClient(ClientConfig{JID: "me@example.org", Resource: "beacon"})
	require.NoError(t, err)

	assert.Equal(t, "example.org", c.Server())
	assert.Equal(t, "me@example.org/beacon", c.LocalJID())
	assert.ErrorIs(t, c.Send(context.Background(), Message{ID: "x"}), ErrNotConnected)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
	assert.ErrorIs(t, c.Authenticate(context.Background()), ErrNotConnected)
	assert.NoError(t, c.Disconnect(context.Background()))
	assert.True(t, c.LastReceived().IsZero())
}
