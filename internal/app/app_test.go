package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/config"
	"github.com/meszmate/beacon/internal/logging"
	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/platform"
	"github.com/meszmate/beacon/internal/supervisor"
	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/roster"
	"github.com/meszmate/beacon/internal/xmpp/upload"
	"github.com/meszmate/beacon/internal/xmpp/xmpptest"
	"github.com/meszmate/beacon/pkg/plugin"
)

const wait = 2 * time.Second

type pushProvider struct {
	mu       sync.Mutex
	senderID string
	listener plugin.Listener
}

func (p *pushProvider) Name() string { return "test" }

func (p *pushProvider) Register(senderID string, l plugin.Listener) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.senderID, p.listener = senderID, l
	return nil
}

func (p *pushProvider) Unregister() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = nil
	return nil
}

func (p *pushProvider) IsRegistered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listener != nil
}

func (p *pushProvider) IsServiceAvailable() bool { return true }

func (p *pushProvider) push(push plugin.Push) error {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	return l.OnPush(push)
}

type fakeUploader struct{ url string }

func (u fakeUploader) Upload(context.Context, string) (upload.Result, error) {
	return upload.Result{URL: u.url, MIMEType: "image/png"}, nil
}

type fixture struct {
	app    *App
	alarms *platform.ManualScheduler
	push   *pushProvider

	mu     sync.Mutex
	conns  []*xmpptest.Conn
	events []EventMsg
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Account.JID = "me@example.org"
	cfg.Account.Password = "secret"
	cfg.Encryption.Enabled = false
	cfg.Storage.DataDir = t.TempDir()
	cfg.Connection.JoinTimeout = config.D(50 * time.Millisecond)
	cfg.Push.SenderID = "beacon-test"
	return cfg
}

func newFixture(t *testing.T, tweak func(*config.Config, *Options)) *fixture {
	t.Helper()
	log := logging.Discard()

	clock := platform.NewManualClock(time.Unix(1700000000, 0))
	f := &fixture{
		alarms: platform.NewManualScheduler(clock),
		push:   &pushProvider{},
	}
	host := plugin.NewHost(nil)
	host.Attach(f.push)

	cfg := testConfig(t)
	opts := Options{
		Dial: func(events chan<- xmpp.Event) (xmpp.Conn, error) {
			c := xmpptest.New("example.org", events)
			c.Roster = []roster.Item{{JID: jid.MustParse("bob@example.org"), Subscription: roster.SubscriptionBoth}}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.conns = append(f.conns, c)
			return c, nil
		},
		Alarms:   f.alarms,
		Clock:    clock,
		Network:  platform.StaticNetwork{Type: platform.NetworkWiFi, ID: "wifi-1", Available: true},
		Push:     host,
		Uploader: fakeUploader{url: "https://files.example.org/a.png"},
		Logger:   log,
	}
	if tweak != nil {
		tweak(cfg, &opts)
	}

	a, err := New(cfg, opts)
	require.NoError(t, err)
	f.app = a
	a.Bus().SubscribeAll(func(ev EventMsg) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
	})
	t.Cleanup(a.Close)
	return f
}

func (f *fixture) conn() *xmpptest.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fixture) connection(kind supervisor.EventKind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if e, ok := ev.Data.(supervisor.Event); ok && e.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fixture) results(command string) []CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CommandResult
	for _, ev := range f.events {
		if r, ok := ev.Data.(CommandResult); ok && r.Command == command {
			out = append(out, r)
		}
	}
	return out
}

func (f *fixture) status(t *testing.T, id int64) models.MessageStatus {
	t.Helper()
	msg, err := f.app.storage.GetMessage(id)
	require.NoError(t, err)
	return msg.Status
}

// start runs the app and waits for the roster to load
func (f *fixture) start(t *testing.T) *xmpptest.Conn {
	t.Helper()
	f.app.Run()
	require.Eventually(t, func() bool {
		return f.connection(supervisor.EventConnected) > 0 && f.app.roster.Loaded()
	}, wait, 5*time.Millisecond)
	return f.conn()
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account.JID = ""
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}

func TestRunConnects(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t)

	require.NotNil(t, conn)
	assert.Equal(t, supervisor.StateAuthenticated, f.app.Snapshot().State)
	assert.True(t, f.push.IsRegistered(), "push registered on start")
	f.push.mu.Lock()
	assert.Equal(t, "beacon-test", f.push.senderID)
	f.push.mu.Unlock()

	snap := f.app.Snapshot()
	assert.Equal(t, "wifi-1", snap.Network.ID)
	assert.True(t, snap.PushAvailable)
	assert.True(t, snap.KeepaliveActive)
}

func TestSendQueuedUntilConnected(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.app.Send("bob@example.org/phone", "hello  there")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.results(CmdSend)) == 1 }, wait, 5*time.Millisecond)
	assert.NoError(t, f.results(CmdSend)[0].Err, "a deferred send is not an error")
	assert.Equal(t, models.StatusPending, f.status(t, id))

	conn := f.start(t)
	require.Eventually(t, func() bool { return len(conn.Messages()) == 1 }, wait, 5*time.Millisecond)

	sent := conn.Messages()[0]
	assert.Equal(t, "bob@example.org", sent.To)
	assert.Equal(t, "hello  there", sent.Body)
	msg, err := f.app.storage.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, msg.StanzaID, sent.ID)

	require.True(t, conn.Ack(sent.ID, time.Unix(1700000001, 0)))
	require.Eventually(t, func() bool { return f.status(t, id) == models.StatusSent }, wait, 5*time.Millisecond)
}

func TestSendFileUploadsFirst(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t)

	id, err := f.app.SendFile("bob@example.org", "/tmp/a.png")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.Messages()) == 1 }, wait, 5*time.Millisecond)

	msg, err := f.app.storage.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example.org/a.png", msg.MediaURL)
}

func TestSendGroupCreatesGroup(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t)

	id, err := f.app.SendGroup("g1", []string{"bob@example.org", " "}, "welcome")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(conn.Messages()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, "example.org", conn.Messages()[0].To, "group messages go to the server")

	require.Eventually(t, func() bool {
		g, err := f.app.storage.GetGroup("g1")
		return err == nil && g != nil
	}, wait, 5*time.Millisecond)
	g, err := f.app.storage.GetGroup("g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.org"}, g.Members)
	assert.Equal(t, "me@example.org", g.Owner)
	assert.NotZero(t, id)
}

func TestSendGroupCreateFailsWhileDisconnected(t *testing.T) {
	f := newFixture(t, nil)

	id, err := f.app.SendGroup("g1", []string{"bob@example.org"}, "hi")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.results(CmdSendGroup)) == 1 }, wait, 5*time.Millisecond)
	assert.Error(t, f.results(CmdSendGroup)[0].Err)
	assert.Equal(t, models.StatusFailed, f.status(t, id))
}

func TestIncomingMessage(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t)

	conn.Deliver(&xmpp.Message{ID: "in-1", From: "bob@example.org/phone", To: "me@example.org", Type: xmpp.TypeChat, Body: "hi"})
	require.Eventually(t, func() bool { return f.app.Snapshot().Unread == 1 }, wait, 5*time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	var got *models.Message
	for _, ev := range f.events {
		if ev.Type == EventIncoming {
			got = ev.Data.(*models.Message)
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, "hi", got.Body)
	assert.Equal(t, "bob@example.org", got.Peer)
}

func TestHoldAndRelease(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.app.Execute("hold activate"))
	require.Eventually(t, func() bool { return f.app.Snapshot().Idle.Holds == 1 }, wait, 5*time.Millisecond)

	require.NoError(t, f.app.Execute("release"))
	require.Eventually(t, func() bool { return f.app.Snapshot().Idle.Holds == 0 }, wait, 5*time.Millisecond)
	assert.Len(t, f.results(CmdHold), 1)
	assert.Len(t, f.results(CmdRelease), 1)
}

func TestHoldAnnouncesAvailability(t *testing.T) {
	f := newFixture(t, nil)
	conn := f.start(t)

	shows := func() []string {
		var out []string
		for _, p := range conn.Presences() {
			out = append(out, p.Show)
		}
		return out
	}
	require.Equal(t, []string{"away"}, shows(), "connected in the background")

	require.NoError(t, f.app.Execute("hold"))
	require.Eventually(t, func() bool { return len(shows()) == 2 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"away", ""}, shows())

	require.NoError(t, f.app.Execute("release"))
	require.Eventually(t, func() bool { return f.app.Snapshot().Idle.DebouncePending }, wait, 5*time.Millisecond)
	f.alarms.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(shows()) == 3 }, wait, 5*time.Millisecond)
	assert.Equal(t, []string{"away", "", "away"}, shows())
	assert.True(t, f.app.Snapshot().Idle.Inactive)
}

func TestExecuteParsing(t *testing.T) {
	f := newFixture(t, nil)

	assert.NoError(t, f.app.Execute("   "))
	assert.ErrorIs(t, f.app.Execute("dance"), ErrUnknownCommand)

	var usage *UsageError
	assert.True(t, errors.As(f.app.Execute("send bob@example.org"), &usage))
	assert.Equal(t, CmdSend, usage.Command)
	assert.True(t, errors.As(f.app.Execute("send-group g1 bob@example.org"), &usage))
	assert.Error(t, f.app.Execute("send bob@ hello"))
}

func TestSplitArgs(t *testing.T) {
	assert.Equal(t, []string{"send", "bob@x", "a  b c"}, splitArgs(" send  bob@x a  b c ", 3))
	assert.Equal(t, []string{"hold"}, splitArgs("hold", 4))
	assert.Nil(t, splitArgs("", 3))
}

func TestQuitAndConnect(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	require.NoError(t, f.app.Execute("quit"))
	require.Eventually(t, func() bool {
		return f.app.Snapshot().State == supervisor.StateDisconnected
	}, wait, 5*time.Millisecond)
	assert.False(t, f.keepaliveActive(), "keepalive stops with the connection")

	require.NoError(t, f.app.Execute("connect"))
	require.Eventually(t, func() bool { return f.connection(supervisor.EventConnected) == 2 }, wait, 5*time.Millisecond)
}

func (f *fixture) keepaliveActive() bool {
	_, active := f.app.keepalive.Current()
	return active
}

func TestPushWakesConnection(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	require.NoError(t, f.app.Execute("idle"))
	require.Eventually(t, func() bool { return f.connection(supervisor.EventIdle) == 1 }, wait, 5*time.Millisecond)
	assert.False(t, f.alarms.Pending(supervisor.AlarmWakeup), "push is available, no wakeup alarm")

	at := time.Unix(1700000100, 0)
	require.NoError(t, f.push.push(plugin.Push{ID: "p1", Received: at}))
	require.Eventually(t, func() bool { return f.connection(supervisor.EventConnected) == 2 }, wait, 5*time.Millisecond)

	last, ok := f.app.LastPush()
	require.True(t, ok)
	assert.True(t, at.Equal(last))
}

func TestPreflightRequiresKey(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config, _ *Options) {
		cfg.Encryption.Enabled = true
	})
	f.app.Run()
	require.Eventually(t, func() bool { return f.connection(supervisor.EventAborted) == 1 }, wait, 5*time.Millisecond)
	assert.Nil(t, f.conn(), "nothing dialled without a key")
}

func TestRecentIsBounded(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < recentEvents+10; i++ {
		f.app.publish(EventWarning, Warning{Peer: "x"})
	}
	assert.Len(t, f.app.Recent(), recentEvents)
}
