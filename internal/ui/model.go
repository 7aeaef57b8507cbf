package ui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/beacon/internal/app"
	"github.com/meszmate/beacon/internal/models"
	"github.com/meszmate/beacon/internal/supervisor"
	"github.com/meszmate/beacon/internal/ui/components/commandline"
	"github.com/meszmate/beacon/internal/ui/components/statusbar"
	"github.com/meszmate/beacon/internal/ui/theme"
	"github.com/meszmate/beacon/pkg/plugin"
)

// refreshInterval is how often timers in the panels are redrawn
const refreshInterval = time.Second

// Backend is what the status view drives
type Backend interface {
	Execute(line string) error
	Snapshot() app.Snapshot
	Recent() []app.EventMsg
}

type tickMsg time.Time

// Model is the root Bubble Tea model
type Model struct {
	backend Backend
	account string
	width   int
	height  int
	ready   bool

	themes      *theme.Manager
	styles      *theme.Styles
	statusbar   statusbar.Model
	commandline commandline.Model

	snapshot app.Snapshot
	events   []app.EventMsg
	message  string
	isError  bool
	showHelp bool
	now      func() time.Time
}

// NewModel creates a new root model. An unknown theme falls back to the
// default one.
func NewModel(backend Backend, account, themeName string, themeDirs ...string) Model {
	themes := theme.NewManager(themeDirs...)
	if themeName != "" {
		_ = themes.SetTheme(themeName)
	}
	styles := themes.Styles()

	cl := commandline.New(styles)
	for _, c := range app.Commands() {
		cl.RegisterCommand(commandline.Command{Name: c.Name, Args: c.Args, Description: c.Description})
	}
	cl.RegisterCommand(commandline.Command{Name: "help", Description: "toggle command help"})
	cl.RegisterCommand(commandline.Command{Name: "exit", Description: "leave the status view"})

	return Model{
		backend:     backend,
		account:     account,
		themes:      themes,
		styles:      styles,
		statusbar:   statusbar.New(styles).SetAccount(account),
		commandline: cl,
		now:         time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(tea.EnterAltScreen, tick())
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.statusbar = m.statusbar.SetWidth(msg.Width)
		m.commandline = m.commandline.SetWidth(msg.Width)
		m.refresh()
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case app.EventMsg:
		m.refresh()
		if r, ok := msg.Data.(app.CommandResult); ok && r.Err != nil {
			m.setMessage(fmt.Sprintf("%s: %v", r.Command, r.Err), true)
		}
		return m, nil

	case commandline.CommandMsg:
		return m.execute(msg.Line)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			m.showHelp = false
			m.message = ""
			m.commandline = m.commandline.Clear()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.commandline, cmd = m.commandline.Update(msg)
	return m, cmd
}

func (m Model) execute(line string) (tea.Model, tea.Cmd) {
	switch strings.Fields(line)[0] {
	case "exit":
		return m, tea.Quit
	case "help":
		m.showHelp = !m.showHelp
		return m, nil
	}

	err := m.backend.Execute(line)
	var usage *app.UsageError
	switch {
	case err == nil:
		m.setMessage("> "+line, false)
	case errors.As(err, &usage), errors.Is(err, app.ErrUnknownCommand):
		m.setMessage(err.Error(), true)
	default:
		m.setMessage(fmt.Sprintf("%s: %v", line, err), true)
	}
	m.refresh()
	return m, nil
}

func (m *Model) setMessage(text string, isError bool) {
	m.message = text
	m.isError = isError
}

func (m *Model) refresh() {
	m.snapshot = m.backend.Snapshot()
	m.events = m.backend.Recent()
	network := m.snapshot.Network.ID
	if network == "" {
		network = m.snapshot.Network.Type
	}
	m.statusbar = m.statusbar.
		SetState(m.snapshot.State, network).
		SetCounts(m.snapshot.Pending, m.snapshot.Unread)
}

// View renders the status view
func (m Model) View() string {
	if !m.ready {
		return "starting..."
	}

	panels := lipgloss.JoinHorizontal(lipgloss.Top,
		m.panel("Connection", m.connectionRows()),
		m.panel("Activity", m.idleRows()),
		m.panel("Delivery", m.deliveryRows()),
	)

	var body string
	if m.showHelp {
		body = m.helpView()
	} else {
		// panels, message, status bar and command line
		used := lipgloss.Height(panels) + 3
		body = m.eventsView(m.height - used)
	}

	msg := ""
	if m.message != "" {
		style := m.styles.Muted
		if m.isError {
			style = m.styles.StateErr
		}
		msg = style.Render(truncate(m.message, m.width))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		panels,
		body,
		msg,
		m.statusbar.View(),
		m.commandline.View(),
	)
}

type row struct {
	label string
	value string
}

func (m Model) panel(title string, rows []row) string {
	width := m.width/3 - 2
	if width < 20 {
		width = 20
	}
	lines := []string{m.styles.PanelTitle.Render(title)}
	for _, r := range rows {
		lines = append(lines, m.styles.PanelLabel.Render(fmt.Sprintf("%-12s", r.label))+" "+
			m.styles.PanelValue.Render(r.value))
	}
	return m.styles.Border.Width(width).Render(strings.Join(lines, "\n"))
}

func (m Model) connectionRows() []row {
	s := m.snapshot
	state := s.State.String()
	switch s.State {
	case supervisor.StateAuthenticated:
		state = m.styles.StateOK.Render(state)
	case supervisor.StateConnecting, supervisor.StateAuthenticating:
		state = m.styles.StateWarn.Render(state)
	}

	network := s.Network.Type
	if network == "" {
		network = "unknown"
	}
	if s.Network.Metered {
		network += " (metered)"
	}

	ka := "stopped"
	next := "-"
	if s.KeepaliveActive {
		ka = s.Keepalive.Interval.String()
		if s.Keepalive.NextIncrease > 0 {
			next = s.Keepalive.NextIncrease.String()
		}
	}
	return []row{
		{"state", state},
		{"network", network},
		{"keepalive", ka},
		{"next grow", next},
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func (m Model) idleRows() []row {
	s := m.snapshot.Idle
	mode := "active"
	if s.Inactive {
		mode = "inactive"
	}
	return []row{
		{"mode", mode},
		{"holds", fmt.Sprintf("%d", s.Holds)},
		{"debounce", yesNo(s.DebouncePending)},
		{"shutdown", yesNo(s.ShutdownPending)},
	}
}

func (m Model) deliveryRows() []row {
	s := m.snapshot
	last := "never"
	if !s.LastPush.IsZero() {
		last = m.now().Sub(s.LastPush).Round(time.Second).String() + " ago"
	}
	return []row{
		{"pending", fmt.Sprintf("%d", s.Pending)},
		{"unread", fmt.Sprintf("%d", s.Unread)},
		{"push", yesNo(s.PushAvailable)},
		{"last push", last},
	}
}

func (m Model) eventsView(height int) string {
	if height < 1 {
		return ""
	}
	events := m.events
	if len(events) > height {
		events = events[len(events)-height:]
	}
	lines := make([]string, 0, height)
	for _, ev := range events {
		line := m.styles.EventTime.Render(ev.Time.Format("15:04:05")) + " " + FormatEvent(ev)
		lines = append(lines, truncate(line, m.width))
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (m Model) helpView() string {
	var b strings.Builder
	b.WriteString(m.styles.PanelTitle.Render("Commands") + "\n")
	for _, c := range app.Commands() {
		b.WriteString(fmt.Sprintf("  %s %s\n", m.styles.PanelLabel.Render(fmt.Sprintf("%-32s", c.Name+" "+c.Args)), c.Description))
	}
	b.WriteString(m.styles.Muted.Render("  help toggles this list, exit or ctrl+c leaves"))
	return b.String()
}

// FormatEvent renders an app event as one line of text
func FormatEvent(ev app.EventMsg) string {
	switch d := ev.Data.(type) {
	case supervisor.Event:
		s := "connection " + d.Kind.String()
		if d.Kind == supervisor.EventReconnecting {
			s += " in " + d.Delay.String()
		}
		if d.Network != "" && d.Kind == supervisor.EventNetworkChanged {
			s += " to " + d.Network
		}
		if d.Err != nil {
			s += ": " + d.Err.Error()
		}
		return s
	case app.StatusChange:
		return fmt.Sprintf("message %d %s", d.MessageID, d.Status)
	case *models.Message:
		body := d.Body
		if body == "" && d.MediaURL != "" {
			body = d.MediaURL
		}
		return fmt.Sprintf("%s: %s", d.Peer, body)
	case app.ChatStateChange:
		return fmt.Sprintf("%s is %s", d.Peer, d.State)
	case app.Warning:
		return fmt.Sprintf("warning for %s: %v", d.Peer, d.Err)
	case app.CommandResult:
		s := d.Command
		if d.MessageID != 0 {
			s += fmt.Sprintf(" #%d", d.MessageID)
		}
		if d.Err != nil {
			return s + " failed: " + d.Err.Error()
		}
		return s + " ok"
	case plugin.Push:
		return "push " + d.ID
	default:
		return ev.Type.String()
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || lipgloss.Width(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) > maxLen {
		r = r[:maxLen]
	}
	return string(r)
}
