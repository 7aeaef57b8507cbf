// Package app builds the delivery core from configuration, exposes the
// command surface, and publishes what happens on an event bus.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/beacon/internal/config"
	"github.com/meszmate/beacon/internal/crypto/pgp"
	"github.com/meszmate/beacon/internal/delivery"
	"github.com/meszmate/beacon/internal/idle"
	"github.com/meszmate/beacon/internal/keepalive"
	"github.com/meszmate/beacon/internal/logging"
	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/platform"
	"github.com/meszmate/beacon/internal/storage/sqlite"
	"github.com/meszmate/beacon/internal/supervisor"
	"github.com/meszmate/beacon/internal/worker"
	"github.com/meszmate/beacon/internal/xmpp"
	"github.com/meszmate/beacon/internal/xmpp/chat"
	"github.com/meszmate/beacon/internal/xmpp/disco"
	"github.com/meszmate/beacon/internal/xmpp/group"
	"github.com/meszmate/beacon/internal/xmpp/presence"
	"github.com/meszmate/beacon/internal/xmpp/roster"
	"github.com/meszmate/beacon/internal/xmpp/upload"
	"github.com/meszmate/beacon/pkg/plugin"
)

// Version is reported to software version queries
var Version = "dev"

// appStateLastPush is the app state key of the last push wake-up
const appStateLastPush = "last_push"

const recentEvents = 100

// Options replace the platform pieces App would otherwise build itself
type Options struct {
	// Dial builds transports; nil dials the configured server
	Dial    supervisor.Dialer
	Alarms  platform.Scheduler
	Clock   platform.Clock
	Network platform.NetworkMonitor
	Push    *plugin.Host
	Coder   *pgp.Coder
	// Uploader overrides the configured upload backend
	Uploader upload.Uploader
	Logger   logrus.FieldLogger
}

// App represents the main application
type App struct {
	cfg  *config.Config
	self jid.JID
	log  logrus.FieldLogger
	bus  *EventBus

	ctx    context.Context
	cancel context.CancelFunc

	storage   *sqlite.DB
	alarms    platform.Scheduler
	clock     platform.Clock
	wake      *platform.CountingWakeLock
	network   platform.NetworkMonitor
	pool      *worker.Pool
	keepalive *keepalive.Scheduler
	idle      *idle.Controller
	tracker   *delivery.Tracker
	roster    *roster.Manager
	presence  *presence.Manager
	disco     *disco.Cache
	groups    *group.Manager
	coder     *pgp.Coder
	sessions  *chat.Sessions
	pipeline  *chat.Pipeline
	sup       *supervisor.Supervisor
	push      *plugin.Host

	program *tea.Program

	mu     sync.RWMutex
	recent []EventMsg
	wg     sync.WaitGroup
}

// New creates a new App instance
func New(cfg *config.Config, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	self, err := jid.Parse(cfg.Account.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid account jid: %w", err)
	}
	self = self.Bare()

	log := opts.Logger
	if log == nil {
		log = logging.L()
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	storage, err := sqlite.New(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:      cfg,
		self:     self,
		log:      log,
		bus:      NewEventBus(),
		ctx:      ctx,
		cancel:   cancel,
		storage:  storage,
		alarms:   opts.Alarms,
		clock:    opts.Clock,
		network:  opts.Network,
		coder:    opts.Coder,
		push:     opts.Push,
		presence: presence.NewManager(),
		disco:    disco.NewCache(),
		groups:   group.NewManager(storage),
		sessions: chat.NewSessions(),
	}
	if a.alarms == nil {
		a.alarms = platform.NewTimerScheduler()
	}
	if a.clock == nil {
		a.clock = platform.SystemClock{}
	}
	if a.network == nil {
		a.network = networkMonitor(cfg.Network)
	}
	if a.coder == nil {
		a.coder = a.loadCoder()
	}
	if a.push == nil {
		a.push = plugin.NewHost(logWriter(log))
		if cfg.Push.Plugin != "" {
			if err := a.push.Load(cfg.Push.Plugin); err != nil {
				log.WithError(err).Warn("push provider unavailable")
			}
		}
	}

	a.wake = platform.NewWakeLock(a.alarms, log)
	a.pool = worker.New(cfg.Delivery.Workers, cfg.Delivery.QueueSize, log)

	registry := keepalive.NewRegistry(storage, cfg.Keepalive.DefaultInterval.Duration, keepalive.Bounds{
		Min:    cfg.Keepalive.MinInterval.Duration,
		Max:    cfg.Keepalive.MaxInterval.Duration,
		Growth: cfg.Keepalive.GrowthFactor,
	}, log)
	a.keepalive = keepalive.NewScheduler(registry, a.alarms, a.clock, keepalive.Options{
		Bounds: keepalive.Bounds{
			Min:    cfg.Keepalive.MinInterval.Duration,
			Max:    cfg.Keepalive.MaxInterval.Duration,
			Growth: cfg.Keepalive.GrowthFactor,
		},
		FastTimeout: cfg.Keepalive.FastProbe.Duration,
		SlowTimeout: cfg.Keepalive.SlowProbe.Duration,
		OnDead:      func(err error) { a.sup.ConnectionDead(err) },
	}, log)

	a.idle = idle.New(a.alarms, nil, idle.Options{
		InactiveDelay:    cfg.Idle.InactiveDelay.Duration,
		IdleTimeout:      cfg.Idle.IdleTimeout.Duration,
		LowPowerInterval: cfg.Idle.LowPowerInterval.Duration,
		OnIdle:           func() bool { return a.sup.OnIdle() },
		OnLowPower:       func() { a.sup.Test(false) },
	}, log)

	a.tracker = delivery.New(storage, a.idle, delivery.Options{
		Dispatcher: a.pool,
		OnStatus:   a.onStatus,
	}, log)

	a.roster = roster.NewManager(self, storage, log)
	if err := a.roster.Restore(); err != nil {
		log.WithError(err).Warn("failed to restore roster cache")
	}

	uploader := opts.Uploader
	if uploader == nil {
		uploader, err = a.buildUploader()
		if err != nil {
			log.WithError(err).Warn("media upload disabled")
		}
	}

	a.pipeline = chat.New(chat.Config{
		Self:        self.String(),
		Store:       storage,
		Roster:      a.roster,
		Groups:      a.groups,
		Coder:       a.coder,
		Tracker:     a.tracker,
		Gate:        a.idle,
		Uploader:    uploader,
		Dispatcher:  a.pool,
		Clock:       a.clock,
		RequireKey:  cfg.Encryption.Enabled,
		Viewing:     a.sessions.Viewing,
		OnWarning:   a.onWarning,
		OnIncoming:  a.onIncoming,
		OnStatus:    a.onStatus,
		OnChatState: a.onChatState,
	}, log)

	dial := opts.Dial
	if dial == nil {
		dial = a.dial
	}
	server := cfg.Account.Server
	if server == "" {
		server = self.Domain().String()
	}
	a.sup = supervisor.New(supervisor.Options{
		Dial:                  dial,
		Server:                server,
		AuthFailureLimit:      cfg.Connection.AuthFailureLimit,
		ReconnectFailureLimit: cfg.Connection.ReconnectFailureLimit,
		ReconnectBaseDelay:    cfg.Connection.ReconnectBaseDelay.Duration,
		ReconnectMaxDelay:     cfg.Connection.ReconnectMaxDelay.Duration,
		JoinTimeout:           cfg.Connection.JoinTimeout.Duration,
		WakeLockTimeout:       cfg.Connection.WakeLockTimeout.Duration,
		WakeupRetry:           cfg.Idle.WakeupRetry.Duration,
		Preflight:             a.preflight,
		Priority:              cfg.Account.Priority,
		Alarms:                a.alarms,
		WakeLock:              a.wake,
		Network:               a.network,
		Keepalive:             a.keepalive,
		Idle:                  a.idle,
		Tracker:               a.tracker,
		Pipeline:              a.pipeline,
		Roster:                a.roster,
		Presence:              a.presence,
		Disco:                 a.disco,
		Dispatcher:            a.pool,
		Push:                  a.push,
		OnEvent: func(ev supervisor.Event) {
			a.publish(EventConnection, ev)
		},
	}, log)
	a.idle.SetPeer(a.sup)

	return a, nil
}

func networkMonitor(cfg config.NetworkConfig) platform.NetworkMonitor {
	if cfg.Type == "" {
		return platform.NewInterfaceMonitor()
	}
	id := cfg.ID
	if id == "" {
		id = cfg.Type
	}
	return platform.StaticNetwork{Type: cfg.Type, ID: id, Metered: cfg.Metered, Available: true}
}

func logWriter(log logrus.FieldLogger) io.Writer {
	if w, ok := log.(interface{ Writer() *io.PipeWriter }); ok {
		return w.Writer()
	}
	return io.Discard
}

func (a *App) loadCoder() *pgp.Coder {
	enc := a.cfg.Encryption
	coder, err := pgp.Load(a.self.String(), enc.KeyFile, enc.KeyringFile, enc.Passphrase)
	if err != nil {
		a.log.WithError(err).Warn("failed to load keys")
		return pgp.NewCoder(a.self.String(), nil)
	}
	return coder
}

func (a *App) buildUploader() (upload.Uploader, error) {
	up := a.cfg.Upload
	switch up.Backend {
	case "s3":
		s3cfg := upload.S3Config{
			Bucket:    up.Bucket,
			Region:    up.Region,
			Endpoint:  up.Endpoint,
			AccessKey: up.AccessKey,
			SecretKey: up.SecretKey,
			PublicURL: up.PublicURL,
			MaxSize:   up.MaxSize,
		}
		client, err := upload.NewS3Client(a.ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		uploader, err := upload.NewS3Uploader(client, s3cfg)
		if err != nil {
			return nil, err
		}
		return uploader, nil
	default:
		service := up.SlotURL
		if service == "" {
			service = "upload." + a.self.Domain().String()
		}
		return upload.NewHTTPUploader(slotRequester{a}, service, up.MaxSize, nil), nil
	}
}

// slotRequester asks whichever connection is current for upload slots
type slotRequester struct{ a *App }

func (s slotRequester) RequestUploadSlot(ctx context.Context, service, filename string, size int64, contentType string) (xmpp.UploadSlot, error) {
	conn, ok := s.a.sup.Conn().(upload.SlotRequester)
	if !ok || !s.a.sup.IsAuthenticated() {
		return xmpp.UploadSlot{}, xmpp.ErrNotConnected
	}
	return conn.RequestUploadSlot(ctx, service, filename, size, contentType)
}

func (a *App) dial(events chan<- xmpp.Event) (xmpp.Conn, error) {
	acc := a.cfg.Account
	c, err := xmpp.NewClient(xmpp.ClientConfig{
		JID:                acc.JID,
		Password:           acc.Password,
		Server:             acc.Server,
		Port:               acc.Port,
		Resource:           acc.Resource,
		InsecureSkipVerify: acc.InsecureSkipVerify,
		ConnectTimeout:     a.cfg.Connection.ConnectTimeout.Duration,
		Version:            xmpp.VersionInfo{Name: "beacon", Version: Version, OS: runtime.GOOS},
		Events:             events,
		Logger:             a.log,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// preflight refuses to connect without the personal key when encryption
// is required
func (a *App) preflight() error {
	if a.cfg.Encryption.Enabled && !a.coder.HasPersonalKey() {
		return chat.ErrNoPersonalKey
	}
	return nil
}

// Run starts the supervisor, registers for push wake-ups and connects. It
// returns immediately; Close stops everything.
func (a *App) Run() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sup.Run(a.ctx)
	}()

	if interval := a.cfg.Network.PollInterval.Duration; interval > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			platform.Watch(a.ctx, a.network, interval, a.sup.NetworkChanged)
		}()
	}

	if _, ok := a.push.Metadata(); ok {
		if err := a.push.Register(a.cfg.Push.SenderID, plugin.ListenerFunc(a.onPush)); err != nil {
			a.log.WithError(err).Warn("push registration failed")
		}
	}

	a.sup.CreateConnection()
}

// Close closes the app
func (a *App) Close() {
	a.sup.Close()
	a.cancel()
	a.wg.Wait()

	a.push.Close()
	a.keepalive.Stop()
	a.idle.Close()
	if err := a.pool.Close(); err != nil {
		a.log.WithError(err).Debug("worker pool closed with error")
	}
	if s, ok := a.alarms.(interface{ CancelAll() }); ok {
		s.CancelAll()
	}
	a.bus.Clear()
	if err := a.storage.Close(); err != nil {
		a.log.WithError(err).Warn("failed to close storage")
	}
}

// Config returns the configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Bus returns the event bus
func (a *App) Bus() *EventBus {
	return a.bus
}

// Sessions returns the conversation tracker
func (a *App) Sessions() *chat.Sessions {
	return a.sessions
}

// SetProgram sets the Bubble Tea program reference; every event is also
// sent to it
func (a *App) SetProgram(p *tea.Program) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.program = p
}

func (a *App) publish(t EventType, data interface{}) {
	ev := EventMsg{Type: t, Time: a.clock.Now(), Data: data}

	a.mu.Lock()
	a.recent = append(a.recent, ev)
	if len(a.recent) > recentEvents {
		a.recent = a.recent[len(a.recent)-recentEvents:]
	}
	program := a.program
	a.mu.Unlock()

	a.bus.Publish(ev)
	if program != nil {
		go program.Send(ev)
	}
}

// Recent returns the latest events, oldest first
func (a *App) Recent() []EventMsg {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]EventMsg(nil), a.recent...)
}

func (a *App) onStatus(id int64, status models.MessageStatus) {
	a.publish(EventMessageStatus, StatusChange{MessageID: id, Status: status})
}

func (a *App) onIncoming(msg *models.Message) {
	a.sessions.AddIncoming(msg.Peer)
	a.publish(EventIncoming, msg)
}

func (a *App) onChatState(peer string, state chat.ChatState) {
	a.sessions.SetChatState(peer, state)
	a.publish(EventChatState, ChatStateChange{Peer: peer, State: state})
}

func (a *App) onWarning(peer string, err error) {
	a.publish(EventWarning, Warning{Peer: peer, Err: err})
}

// onPush records the wake-up and connects
func (a *App) onPush(p plugin.Push) error {
	at := p.Received
	if at.IsZero() {
		at = a.clock.Now()
	}
	if err := a.storage.SetAppState(appStateLastPush, strconv.FormatInt(at.UnixMilli(), 10)); err != nil {
		a.log.WithError(err).Warn("failed to record push")
	}
	a.log.WithField("push", p.ID).Info("push received")
	a.publish(EventPush, p)
	a.sup.PushReceived()
	return nil
}

// LastPush returns when the last push wake-up arrived
func (a *App) LastPush() (time.Time, bool) {
	v, err := a.storage.GetAppState(appStateLastPush)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Snapshot is the state shown by the status view
type Snapshot struct {
	State           supervisor.State
	Network         platform.Network
	Keepalive       keepalive.State
	KeepaliveActive bool
	Idle            idle.State
	Pending         int
	PushAvailable   bool
	LastPush        time.Time
	Unread          int
}

// Snapshot collects the current state of every component
func (a *App) Snapshot() Snapshot {
	ka, active := a.keepalive.Current()
	last, _ := a.LastPush()
	return Snapshot{
		State:           a.sup.State(),
		Network:         a.network.Current(),
		Keepalive:       ka,
		KeepaliveActive: active,
		Idle:            a.idle.State(),
		Pending:         a.tracker.Count(),
		PushAvailable:   a.push.IsServiceAvailable(),
		LastPush:        last,
		Unread:          a.sessions.UnreadCount(),
	}
}
