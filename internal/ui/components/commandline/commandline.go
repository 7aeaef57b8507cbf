package commandline

import (
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/meszmate/beacon/internal/ui/theme"
)

// CommandMsg is sent when a line is submitted
type CommandMsg struct {
	Line string
}

// Command represents a registered command
type Command struct {
	Name        string
	Description string
	Args        string
}

// Model represents the command line component
type Model struct {
	input       textinput.Model
	width       int
	styles      *theme.Styles
	commands    map[string]Command
	completions []string
	compIndex   int
	history     []string
	historyPos  int
}

// New creates a new command line model
func New(styles *theme.Styles) Model {
	ti := textinput.New()
	ti.Prompt = ":"
	ti.PromptStyle = styles.CommandPrompt
	ti.TextStyle = styles.CommandInput
	ti.Placeholder = "help"
	ti.Focus()

	return Model{
		input:      ti,
		styles:     styles,
		commands:   make(map[string]Command),
		historyPos: -1,
	}
}

// SetWidth sets the command line width
func (m Model) SetWidth(width int) Model {
	m.width = width
	m.input.Width = width - 2
	return m
}

// Value returns the current input
func (m Model) Value() string {
	return m.input.Value()
}

// Clear empties the input
func (m Model) Clear() Model {
	m.input.SetValue("")
	m.completions = nil
	m.compIndex = 0
	return m
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.history = append(m.history, line)
			m.historyPos = -1
			m = m.Clear()
			return m, func() tea.Msg { return CommandMsg{Line: line} }

		case tea.KeyUp:
			if m.historyPos < len(m.history)-1 {
				m.historyPos++
				m.setValue(m.history[len(m.history)-1-m.historyPos])
			}
			return m, nil

		case tea.KeyDown:
			if m.historyPos > 0 {
				m.historyPos--
				m.setValue(m.history[len(m.history)-1-m.historyPos])
			} else if m.historyPos == 0 {
				m.historyPos = -1
				m.setValue("")
			}
			return m, nil

		case tea.KeyTab:
			m = m.complete()
			return m, nil
		}
		m.completions = nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) setValue(v string) {
	m.input.SetValue(v)
	m.input.CursorEnd()
}

// complete performs tab completion on the command name
func (m Model) complete() Model {
	if m.completions == nil {
		m.completions = m.getCompletions()
		m.compIndex = 0
	} else {
		m.compIndex++
		if m.compIndex >= len(m.completions) {
			m.compIndex = 0
		}
	}

	if len(m.completions) > 0 {
		m.setValue(m.completions[m.compIndex] + " ")
	}
	return m
}

// getCompletions returns command names matching the first word
func (m Model) getCompletions() []string {
	value := m.input.Value()
	if strings.Contains(strings.TrimLeft(value, " "), " ") {
		return nil
	}
	prefix := strings.TrimSpace(value)

	var completions []string
	for name := range m.commands {
		if strings.HasPrefix(name, prefix) {
			completions = append(completions, name)
		}
	}
	sort.Strings(completions)
	return completions
}

// View renders the command line
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}

	view := m.input.View()
	if len(m.completions) > 1 {
		view += m.styles.CommandCompletion.Render(" (" + strings.Join(m.completions, " | ") + ")")
	} else if c, ok := m.commands[m.firstWord()]; ok && c.Args != "" {
		view += m.styles.CommandCompletion.Render("  " + c.Args)
	}
	return view
}

func (m Model) firstWord() string {
	fields := strings.Fields(m.input.Value())
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// RegisterCommand registers a new command
func (m *Model) RegisterCommand(cmd Command) {
	m.commands[cmd.Name] = cmd
}

// GetCommands returns all registered commands
func (m Model) GetCommands() map[string]Command {
	return m.commands
}
