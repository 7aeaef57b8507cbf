package statusbar

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/beacon/internal/supervisor"
	"github.com/meszmate/beacon/internal/ui/theme"
)

// Model represents the status bar component
type Model struct {
	width   int
	account string
	state   supervisor.State
	network string
	pending int
	unread  int
	styles  *theme.Styles
	extra   string
}

// New creates a new status bar model
func New(styles *theme.Styles) Model {
	return Model{styles: styles}
}

// SetWidth sets the status bar width
func (m Model) SetWidth(width int) Model {
	m.width = width
	return m
}

// SetAccount sets the account
func (m Model) SetAccount(account string) Model {
	m.account = account
	return m
}

// SetState sets the connection state and the network it is on
func (m Model) SetState(state supervisor.State, network string) Model {
	m.state = state
	m.network = network
	return m
}

// SetCounts sets the pending and unread message counts
func (m Model) SetCounts(pending, unread int) Model {
	m.pending = pending
	m.unread = unread
	return m
}

// SetExtraInfo sets extra info to display on the right
func (m Model) SetExtraInfo(info string) Model {
	m.extra = info
	return m
}

// View renders the status bar
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}

	var indicator string
	switch m.state {
	case supervisor.StateAuthenticated:
		indicator = m.styles.StateOK.Render("●")
	case supervisor.StateConnecting, supervisor.StateAuthenticating:
		indicator = m.styles.StateWarn.Render("◐")
	default:
		indicator = m.styles.Muted.Render("○")
	}

	left := fmt.Sprintf(" %s %s %s %s",
		m.styles.StatusMode.Render("BEACON"),
		indicator,
		m.styles.StatusAccount.Render(m.account),
		m.state)
	if m.network != "" {
		left += " on " + m.network
	}

	var parts []string
	if m.pending > 0 {
		parts = append(parts, fmt.Sprintf("%d pending", m.pending))
	}
	if m.unread > 0 {
		parts = append(parts, fmt.Sprintf("%d unread", m.unread))
	}
	if m.extra != "" {
		parts = append(parts, m.extra)
	}
	right := strings.Join(parts, " | ") + " "

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if padding < 0 {
		padding = 0
	}

	return m.styles.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", padding) + right)
}
