// Package supervisor owns the connection to the server: it creates and
// authenticates the transport, wires everything that depends on a live
// stream, tears it down, and decides when to reconnect and when to give up.
//
// All state transitions run on one goroutine that consumes both the
// transport's lifecycle events and the commands posted by callers.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meszmate/beacon/internal/keepalive"
	"github.com/meszmate/beacon/internal/platform"
	"github.com/meszmate/beacon/internal/worker"
	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/chat"
	"github.com/meszmate/beacon/internal/xmpp/disco"
	"github.com/meszmate/beacon/internal/xmpp/presence"
	"github.com/meszmate/beacon/internal/xmpp/roster"
)

// Alarm names
const (
	AlarmReconnect = "supervisor.reconnect"
	AlarmWakeup    = "supervisor.wakeup"
)

// State is the supervisor's connection state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Dialer builds a transport that reports its lifecycle on events
type Dialer func(events chan<- xmpp.Event) (xmpp.Conn, error)

// Keepalive is the adaptive keepalive scheduler
type Keepalive interface {
	OnConnectionEstablished(conn keepalive.Pinger, network platform.Network)
	Probe(fast bool)
	Stop()
}

// Gate is the idle gate
type Gate interface {
	Hold(activate bool)
	Release()
	Held() bool
	OnAuthenticated()
	OnDisconnected()
}

// Tracker is the outbound delivery tracker
type Tracker interface {
	Reset()
}

// Pipeline is the message send pipeline
type Pipeline interface {
	SetTransport(t chat.Transport)
	HandleIncoming(ctx context.Context, m *xmpp.Message)
	ResendPending(ctx context.Context) int
}

// Dispatcher runs listener callbacks off the transport's read loop
type Dispatcher interface {
	Submit(task worker.Task) error
}

// PushChannel reports whether push wake-ups can reach us while disconnected
type PushChannel interface {
	IsServiceAvailable() bool
}

// Options configure a Supervisor
type Options struct {
	Dial Dialer
	// Server is the host connections go to; a change discards the cached transport
	Server string

	AuthFailureLimit      int
	ReconnectFailureLimit int
	ReconnectBaseDelay    time.Duration
	ReconnectMaxDelay     time.Duration
	JoinTimeout           time.Duration
	WakeLockTimeout       time.Duration
	// WakeupRetry is how long after an idle shutdown to reconnect when no
	// push channel is available
	WakeupRetry time.Duration
	// Preflight reports unrecoverable setup errors before each attempt
	Preflight func() error

	Priority int
	Status   string

	Alarms     platform.Scheduler
	WakeLock   platform.WakeLock
	Network    platform.NetworkMonitor
	Keepalive  Keepalive
	Idle       Gate
	Tracker    Tracker
	Pipeline   Pipeline
	Roster     *roster.Manager
	Presence   *presence.Manager
	Disco      *disco.Cache
	Dispatcher Dispatcher
	Push       PushChannel

	// OnEvent receives status events. It is called on the supervisor
	// goroutine and must not block.
	OnEvent func(Event)
}

type attempt struct {
	conn   xmpp.Conn
	cancel context.CancelFunc
	done   chan struct{}
	// abandoned is set when teardown gave up joining the task
	abandoned bool
}

// Supervisor is the connection supervisor
type Supervisor struct {
	opts Options
	log  logrus.FieldLogger

	events chan xmpp.Event
	cmds   chan func()
	stop   chan struct{}
	done   chan struct{}

	mu    sync.RWMutex
	state State
	conn  xmpp.Conn

	// owned by the run goroutine
	attempt           *attempt
	network           platform.Network
	authFailures      int
	reconnectFailures int
	reconnect         bool
	connectHold       bool
	wakeHeld          bool
	dirty             bool
	// a connect requested while an abandoned attempt is still running
	pendingConnect bool
	pendingReset   bool

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a supervisor. Run must be started before any command is
// processed.
func New(opts Options, log logrus.FieldLogger) *Supervisor {
	if opts.AuthFailureLimit <= 0 {
		opts.AuthFailureLimit = 3
	}
	if opts.ReconnectFailureLimit <= 0 {
		opts.ReconnectFailureLimit = 10
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 2 * time.Second
	}
	if opts.ReconnectMaxDelay < opts.ReconnectBaseDelay {
		opts.ReconnectMaxDelay = opts.ReconnectBaseDelay
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 500 * time.Millisecond
	}
	return &Supervisor{
		opts:   opts,
		log:    log.WithField("component", "supervisor"),
		events: make(chan xmpp.Event, 64),
		cmds:   make(chan func(), 64),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run consumes transport events and commands until ctx is done or Close
// is called
func (s *Supervisor) Run(ctx context.Context) {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return
	}
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.quit(false)
			return
		case <-s.stop:
			s.quit(false)
			return
		case ev := <-s.events:
			s.handle(ev)
		case cmd := <-s.cmds:
			cmd()
		}
	}
}

// Close tears the connection down and stops Run. It does not block when
// Run was never started, and Run returns at once after Close.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
}

func (s *Supervisor) post(cmd func()) {
	select {
	case s.cmds <- cmd:
	case <-s.stop:
	}
}

// call runs cmd on the supervisor goroutine and waits for it
func (s *Supervisor) call(cmd func()) bool {
	ran := make(chan struct{})
	s.post(func() {
		cmd()
		close(ran)
	})
	select {
	case <-ran:
		return true
	case <-s.done:
		return false
	}
}

func (s *Supervisor) emit(kind EventKind, err error) {
	if s.opts.OnEvent == nil {
		return
	}
	s.opts.OnEvent(Event{Kind: kind, State: s.State(), Network: s.network.ID, Err: err})
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) setConn(conn xmpp.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// State returns the connection state
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conn returns the current transport, if any
func (s *Supervisor) Conn() xmpp.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// IsConnected reports whether the transport socket is open
func (s *Supervisor) IsConnected() bool {
	conn := s.Conn()
	return conn != nil && conn.IsConnected()
}

// IsAuthenticated reports whether the stream is authenticated
func (s *Supervisor) IsAuthenticated() bool {
	conn := s.Conn()
	return conn != nil && s.State() == StateAuthenticated && conn.IsAuthenticated()
}

// SupportsCSI reports whether the server advertised client state indication
func (s *Supervisor) SupportsCSI() bool {
	return s.opts.Disco != nil && s.opts.Disco.HasFeature("", disco.FeatureCSI)
}

// SendActive forwards the active indication to the transport
func (s *Supervisor) SendActive() error {
	conn := s.Conn()
	if conn == nil {
		return xmpp.ErrNotConnected
	}
	return conn.SendActive()
}

// SendInactive forwards the inactive indication to the transport
func (s *Supervisor) SendInactive() error {
	conn := s.Conn()
	if conn == nil {
		return xmpp.ErrNotConnected
	}
	return conn.SendInactive()
}

// SendPresence broadcasts available or away presence on the current stream
func (s *Supervisor) SendPresence(away bool) error {
	conn := s.Conn()
	if conn == nil {
		return xmpp.ErrNotConnected
	}
	p := presence.Available(s.opts.Priority, s.opts.Status)
	if away {
		p = presence.Away(s.opts.Priority, s.opts.Status)
	}
	return conn.Send(context.Background(), p)
}

// CreateConnection starts connecting unless a connection is up or an
// attempt is already running. Failure counters are reset.
func (s *Supervisor) CreateConnection() {
	s.post(func() { s.createConnection(true) })
}

// Restart tears the connection down and connects again
func (s *Supervisor) Restart() {
	s.post(s.restart)
}

// Quit tears the connection down. With restart set the wake lock is kept.
func (s *Supervisor) Quit(restart bool) {
	s.post(func() { s.quit(restart) })
}

// Wait blocks until every previously posted command has run
func (s *Supervisor) Wait() {
	s.call(func() {})
}

// ConnectionDead is called by the keepalive scheduler after a failed probe
func (s *Supervisor) ConnectionDead(err error) {
	s.post(func() {
		if s.State() != StateAuthenticated {
			return
		}
		s.log.WithError(err).Warn("connection is dead, reconnecting")
		if conn := s.Conn(); conn != nil {
			conn.ForceClose()
		}
		s.dirty = true
		s.connectionLost(err)
	})
}

// Test checks the connection: a network change restarts it, a live stream
// gets a fast probe and a missing one is reconnected
func (s *Supervisor) Test(checkNetwork bool) {
	s.post(func() {
		if checkNetwork && s.opts.Network != nil {
			if cur := s.opts.Network.Current(); cur.ID != s.network.ID && s.State() != StateDisconnected {
				s.networkChanged(cur)
				return
			}
		}
		switch s.State() {
		case StateAuthenticated:
			s.opts.Keepalive.Probe(true)
		case StateDisconnected:
			s.createConnection(false)
		}
	})
}

// Ping probes the live connection with the slow timeout
func (s *Supervisor) Ping() {
	s.post(func() {
		if s.State() == StateAuthenticated {
			s.opts.Keepalive.Probe(false)
		}
	})
}

// NetworkChanged is called when the network monitor sees a new network
func (s *Supervisor) NetworkChanged(n platform.Network) {
	s.post(func() { s.networkChanged(n) })
}

// Idle shuts the service down because nothing needs it
func (s *Supervisor) Idle() {
	s.post(s.idle)
}

// OnIdle is the idle gate's shutdown callback. It reports true while a
// connection is still being established so the gate tries again later.
func (s *Supervisor) OnIdle() bool {
	switch s.State() {
	case StateConnecting, StateAuthenticating:
		return true
	}
	s.Idle()
	return false
}

// PushReceived is called when a push wake-up arrives
func (s *Supervisor) PushReceived() {
	s.post(func() { s.createConnection(false) })
}

func (s *Supervisor) createConnection(reset bool) {
	if a := s.attempt; a != nil {
		select {
		case <-a.done:
			s.attempt = nil
		default:
			if a.abandoned {
				s.pendingConnect = true
				s.pendingReset = s.pendingReset || reset
				s.log.Info("waiting for the previous connection attempt to exit")
				return
			}
			s.log.Debug("connection attempt already running")
			return
		}
	}
	if conn := s.Conn(); conn != nil && conn.IsConnected() && s.State() != StateDisconnected {
		s.log.Debug("already connected")
		return
	}

	if s.opts.Preflight != nil {
		if err := s.opts.Preflight(); err != nil {
			s.log.WithError(err).Error("cannot connect")
			s.emit(EventAborted, err)
			return
		}
	}

	if reset {
		s.authFailures = 0
		s.reconnectFailures = 0
	}
	s.reconnect = true
	s.opts.Alarms.Cancel(AlarmReconnect)
	s.opts.Alarms.Cancel(AlarmWakeup)
	if s.opts.WakeLock != nil && !s.wakeHeld {
		s.wakeHeld = true
		s.opts.WakeLock.Acquire(s.opts.WakeLockTimeout)
	}
	if !s.connectHold {
		s.connectHold = true
		s.opts.Idle.Hold(false)
	}
	if s.opts.Network != nil {
		s.network = s.opts.Network.Current()
	}

	conn := s.Conn()
	if conn == nil || s.dirty || conn.Server() != s.opts.Server {
		var err error
		conn, err = s.opts.Dial(s.events)
		if err != nil {
			s.log.WithError(err).Error("cannot create connection")
			s.releaseConnect()
			s.emit(EventAborted, err)
			return
		}
		s.dirty = false
	}
	s.setConn(conn)
	s.setState(StateConnecting)

	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{conn: conn, cancel: cancel, done: make(chan struct{})}
	s.attempt = a
	go s.run(ctx, a)

	s.log.WithField("network", s.network.ID).Info("connecting")
	s.emit(EventConnecting, nil)
}

// run is the connection attempt task
func (s *Supervisor) run(ctx context.Context, a *attempt) {
	defer close(a.done)
	defer a.cancel()

	if err := a.conn.Connect(ctx); err != nil {
		s.fail(a.conn, err)
		return
	}
	if err := a.conn.Authenticate(ctx); err != nil {
		s.fail(a.conn, err)
	}
}

func (s *Supervisor) fail(conn xmpp.Conn, err error) {
	select {
	case s.events <- xmpp.Event{Kind: xmpp.EventFailed, Conn: conn, Err: err}:
	case <-s.stop:
	}
}

func (s *Supervisor) releaseConnect() {
	if s.connectHold {
		s.connectHold = false
		s.opts.Idle.Release()
	}
	s.releaseWake()
}

func (s *Supervisor) releaseWake() {
	if s.wakeHeld {
		s.wakeHeld = false
		s.opts.WakeLock.Release()
	}
}

func (s *Supervisor) handle(ev xmpp.Event) {
	if ev.Conn != s.Conn() {
		s.log.WithField("event", ev.Kind).Debug("ignoring event from a retired connection")
		return
	}
	switch ev.Kind {
	case xmpp.EventConnected:
		if s.State() == StateConnecting {
			s.setState(StateAuthenticating)
		}
	case xmpp.EventAuthenticated:
		s.authenticated(ev.Conn)
	case xmpp.EventFailed:
		s.failed(ev.Err)
	case xmpp.EventClosed:
		switch s.State() {
		case StateAuthenticating, StateAuthenticated:
			s.connectionLost(ev.Err)
		}
	}
}

func (s *Supervisor) authenticated(conn xmpp.Conn) {
	s.setState(StateAuthenticated)
	s.authFailures = 0
	s.reconnectFailures = 0

	conn.SetListeners(xmpp.Listeners{
		Message:    s.onMessage,
		Presence:   s.onPresence,
		RosterPush: s.onRosterPush,
	})
	s.opts.Pipeline.SetTransport(conn)
	// the gate sees the connect hold gone before it learns the presence mode
	s.releaseConnect()
	s.opts.Idle.OnAuthenticated()

	mode := presence.ModeAway
	if s.opts.Idle.Held() {
		mode = presence.ModeAvailable
	}
	if err := conn.Send(context.Background(), presence.Initial(mode, s.opts.Priority, s.opts.Status)); err != nil {
		s.log.WithError(err).Debug("failed to send initial presence")
	}

	s.opts.Keepalive.OnConnectionEstablished(conn, s.network)
	s.submit(func(ctx context.Context) { s.loadRoster(ctx, conn) })
	s.submit(func(ctx context.Context) { s.discover(ctx, conn) })

	s.log.WithField("jid", conn.LocalJID()).Info("connected")
	s.emit(EventConnected, nil)
}

func (s *Supervisor) submit(task worker.Task) {
	if s.opts.Dispatcher == nil {
		go task(context.Background())
		return
	}
	if err := s.opts.Dispatcher.Submit(task); err != nil {
		s.log.WithError(err).Warn("dropping listener task")
	}
}

func (s *Supervisor) loadRoster(ctx context.Context, conn xmpp.Conn) {
	items, err := conn.FetchRoster(ctx)
	if err != nil {
		s.log.WithError(err).Warn("failed to fetch roster")
		return
	}
	if conn != s.Conn() {
		return
	}
	s.opts.Roster.Replace(items)
	s.opts.Pipeline.ResendPending(ctx)
}

func (s *Supervisor) discover(ctx context.Context, conn xmpp.Conn) {
	info, err := s.opts.Disco.Discover(ctx, conn, "")
	if err != nil {
		s.log.WithError(err).Debug("server discovery failed")
		return
	}
	s.log.WithField("features", len(info.Features)).Debug("server features discovered")
}

func (s *Supervisor) onMessage(m *xmpp.Message) {
	s.submit(func(ctx context.Context) { s.opts.Pipeline.HandleIncoming(ctx, m) })
}

func (s *Supervisor) onPresence(p *xmpp.Presence) {
	from, subscribe := s.opts.Presence.Handle(p)
	if !subscribe {
		return
	}
	// contacts we are subscribed to are approved back automatically
	if !s.opts.Roster.IsAuthorized(from) {
		return
	}
	conn := s.Conn()
	s.submit(func(ctx context.Context) {
		if conn == nil {
			return
		}
		if err := conn.Send(ctx, presence.Subscribed(from.Bare().String())); err != nil {
			s.log.WithError(err).Debug("failed to approve subscription")
		}
	})
}

func (s *Supervisor) onRosterPush(items []roster.Item) {
	s.opts.Roster.Apply(items)
}

func (s *Supervisor) failed(err error) {
	// a half-open stream must not look connected to the next attempt
	if conn := s.Conn(); conn != nil {
		conn.ForceClose()
	}
	s.releaseWake()

	var authErr *xmpp.AuthError
	switch {
	case xmpp.IsBadCredentials(err):
		s.authFailures++
		s.log.WithError(err).WithField("failures", s.authFailures).Warn("authentication rejected")
		if s.authFailures >= s.opts.AuthFailureLimit {
			s.reconnect = false
			s.quit(false)
			s.emit(EventAuthFailed, err)
			return
		}
		s.scheduleReconnect(err)
	case errors.As(err, &authErr):
		s.log.WithError(err).Error("authentication aborted")
		s.reconnect = false
		s.quit(false)
		s.emit(EventAborted, err)
	default:
		s.log.WithError(err).Warn("connection attempt failed")
		s.scheduleReconnect(err)
	}
}

// connectionLost cleans up after a stream that ended without us asking
func (s *Supervisor) connectionLost(err error) {
	s.log.WithError(err).Info("connection lost")
	s.detach()
	s.setState(StateConnecting)
	s.emit(EventDisconnected, err)
	s.scheduleReconnect(err)
}

// detach drops everything scoped to the current stream
func (s *Supervisor) detach() {
	if conn := s.Conn(); conn != nil {
		conn.SetListeners(xmpp.Listeners{})
	}
	s.opts.Pipeline.SetTransport(nil)
	s.opts.Keepalive.Stop()
	s.opts.Tracker.Reset()
	s.opts.Idle.OnDisconnected()
	s.opts.Roster.Reset()
	s.opts.Presence.Clear()
	s.opts.Disco.Clear()
}

func (s *Supervisor) scheduleReconnect(cause error) {
	if !s.reconnect {
		s.setState(StateDisconnected)
		s.releaseConnect()
		return
	}
	s.reconnectFailures++
	if s.reconnectFailures > s.opts.ReconnectFailureLimit {
		s.log.WithField("failures", s.reconnectFailures-1).Warn("giving up reconnecting")
		s.idle()
		s.emit(EventExhausted, cause)
		return
	}

	delay := s.opts.ReconnectBaseDelay << (s.reconnectFailures - 1)
	if delay <= 0 || delay > s.opts.ReconnectMaxDelay {
		delay = s.opts.ReconnectMaxDelay
	}
	s.setState(StateConnecting)
	s.opts.Alarms.Set(AlarmReconnect, delay, platform.Exact, func() {
		s.post(func() { s.createConnection(false) })
	})
	s.log.WithFields(logrus.Fields{"attempt": s.reconnectFailures, "delay": delay}).Info("reconnect scheduled")
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(Event{Kind: EventReconnecting, State: s.State(), Network: s.network.ID, Err: cause, Delay: delay})
	}
}

// quit tears the connection down. Teardown is bounded: an attempt that does
// not finish within the join timeout is abandoned and its socket dropped.
func (s *Supervisor) quit(restart bool) {
	s.opts.Alarms.Cancel(AlarmReconnect)
	if !restart {
		s.pendingConnect = false
		s.pendingReset = false
	}
	conn := s.Conn()
	wasConnected := s.State() != StateDisconnected

	s.detach()

	if a := s.attempt; a != nil && !a.abandoned {
		a.cancel()
		select {
		case <-a.done:
			s.attempt = nil
		case <-time.After(s.opts.JoinTimeout):
			s.log.Warn("connection attempt did not stop in time, dropping socket")
			a.conn.ForceClose()
			s.abandon(a)
		}
	}

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JoinTimeout)
		if err := conn.Disconnect(ctx); err != nil {
			s.log.WithError(err).Debug("graceful disconnect failed")
			conn.ForceClose()
		}
		cancel()
	}
	// events still queued for this handle belong to the teardown
	s.setConn(nil)
	s.setState(StateDisconnected)

	if s.connectHold {
		s.connectHold = false
		s.opts.Idle.Release()
	}
	if !restart && s.opts.WakeLock != nil {
		s.wakeHeld = false
		s.opts.WakeLock.ReleaseAll()
	}
	if wasConnected {
		s.log.WithField("restart", restart).Info("disconnected")
		s.emit(EventDisconnected, nil)
	}
}

// abandon keeps a stuck attempt registered until its task exits, so no
// new attempt can start next to it
func (s *Supervisor) abandon(a *attempt) {
	a.abandoned = true
	s.dirty = true
	go func() {
		<-a.done
		s.post(func() { s.joined(a) })
	}()
}

func (s *Supervisor) joined(a *attempt) {
	if s.attempt != a {
		return
	}
	s.attempt = nil
	if s.pendingConnect {
		reset := s.pendingReset
		s.pendingConnect = false
		s.pendingReset = false
		s.createConnection(reset)
	}
}

func (s *Supervisor) restart() {
	s.quit(true)
	s.createConnection(true)
}

func (s *Supervisor) networkChanged(n platform.Network) {
	if n.ID == s.network.ID {
		return
	}
	prev := s.network.ID
	s.network = n
	s.log.WithFields(logrus.Fields{"from": prev, "to": n.ID}).Info("network changed")
	s.emit(EventNetworkChanged, nil)

	switch s.State() {
	case StateAuthenticated, StateConnecting, StateAuthenticating:
		s.restart()
	}
}

// idle shuts the service down and, without push, arms a wake-up to
// reconnect later
func (s *Supervisor) idle() {
	s.reconnect = false
	s.quit(false)
	if s.opts.Push == nil || !s.opts.Push.IsServiceAvailable() {
		if s.opts.WakeupRetry > 0 {
			s.opts.Alarms.Set(AlarmWakeup, s.opts.WakeupRetry, platform.Inexact, func() {
				s.post(func() { s.createConnection(true) })
			})
		}
	}
	s.emit(EventIdle, nil)
}
