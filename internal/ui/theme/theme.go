package theme

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/lipgloss"
)

// Theme represents a complete UI theme
type Theme struct {
	Name        string            `toml:"name"`
	Description string            `toml:"description"`
	Colors      ColorsConfig      `toml:"colors"`
	Panel       PanelConfig       `toml:"panel"`
	StatusBar   StatusBarConfig   `toml:"statusbar"`
	CommandLine CommandLineConfig `toml:"commandline"`
}

// ColorsConfig contains the base color palette
type ColorsConfig struct {
	Primary    string `toml:"primary"`
	Background string `toml:"background"`
	Foreground string `toml:"foreground"`
	Muted      string `toml:"muted"`
	Border     string `toml:"border"`
	Error      string `toml:"error"`
	Warning    string `toml:"warning"`
	Success    string `toml:"success"`
}

// PanelConfig contains styles of the status panels
type PanelConfig struct {
	TitleFg string `toml:"title_fg"`
	LabelFg string `toml:"label_fg"`
	ValueFg string `toml:"value_fg"`
	TimeFg  string `toml:"time_fg"`
}

// StatusBarConfig contains status bar styles
type StatusBarConfig struct {
	Fg        string `toml:"fg"`
	Bg        string `toml:"bg"`
	ModeFg    string `toml:"mode_fg"`
	ModeBg    string `toml:"mode_bg"`
	AccountFg string `toml:"account_fg"`
}

// CommandLineConfig contains command line styles
type CommandLineConfig struct {
	PromptFg     string `toml:"prompt_fg"`
	InputFg      string `toml:"input_fg"`
	CompletionFg string `toml:"completion_fg"`
}

// Styles contains the compiled lipgloss styles for a theme
type Styles struct {
	Base   lipgloss.Style
	Border lipgloss.Style

	// Panels
	PanelTitle lipgloss.Style
	PanelLabel lipgloss.Style
	PanelValue lipgloss.Style
	EventTime  lipgloss.Style
	Muted      lipgloss.Style

	// Connection state
	StateOK   lipgloss.Style
	StateWarn lipgloss.Style
	StateErr  lipgloss.Style

	// Status bar
	StatusBar     lipgloss.Style
	StatusMode    lipgloss.Style
	StatusAccount lipgloss.Style

	// Command line
	CommandPrompt     lipgloss.Style
	CommandInput      lipgloss.Style
	CommandCompletion lipgloss.Style
}

// Manager handles theme loading and switching
type Manager struct {
	themes      map[string]*Theme
	current     *Theme
	currentName string
	styles      *Styles
	themeDirs   []string
}

// NewManager creates a new theme manager
func NewManager(themeDirs ...string) *Manager {
	m := &Manager{
		themes:    make(map[string]*Theme),
		themeDirs: themeDirs,
	}

	m.themes["nord"] = NordTheme()
	m.themes["gruvbox"] = GruvboxTheme()
	m.themes["dracula"] = DraculaTheme()

	m.current = m.themes["nord"]
	m.currentName = "nord"
	m.styles = m.compileStyles(m.current)

	return m
}

// NordTheme is the default theme
func NordTheme() *Theme {
	return &Theme{
		Name:        "nord",
		Description: "Arctic, north-bluish palette",
		Colors: ColorsConfig{
			Primary: "#88C0D0", Background: "#2E3440", Foreground: "#D8DEE9", Muted: "#4C566A",
			Border: "#434C5E", Error: "#BF616A", Warning: "#EBCB8B", Success: "#A3BE8C",
		},
		Panel:       PanelConfig{TitleFg: "#88C0D0", LabelFg: "#81A1C1", ValueFg: "#ECEFF4", TimeFg: "#4C566A"},
		StatusBar:   StatusBarConfig{Fg: "#D8DEE9", Bg: "#3B4252", ModeFg: "#2E3440", ModeBg: "#88C0D0", AccountFg: "#8FBCBB"},
		CommandLine: CommandLineConfig{PromptFg: "#88C0D0", InputFg: "#ECEFF4", CompletionFg: "#4C566A"},
	}
}

// GruvboxTheme is a warm retro theme
func GruvboxTheme() *Theme {
	return &Theme{
		Name:        "gruvbox",
		Description: "Retro groove",
		Colors: ColorsConfig{
			Primary: "#FABD2F", Background: "#282828", Foreground: "#EBDBB2", Muted: "#928374",
			Border: "#504945", Error: "#FB4934", Warning: "#FE8019", Success: "#B8BB26",
		},
		Panel:       PanelConfig{TitleFg: "#FABD2F", LabelFg: "#83A598", ValueFg: "#EBDBB2", TimeFg: "#928374"},
		StatusBar:   StatusBarConfig{Fg: "#EBDBB2", Bg: "#3C3836", ModeFg: "#282828", ModeBg: "#FABD2F", AccountFg: "#8EC07C"},
		CommandLine: CommandLineConfig{PromptFg: "#FABD2F", InputFg: "#EBDBB2", CompletionFg: "#928374"},
	}
}

// DraculaTheme is a dark purple theme
func DraculaTheme() *Theme {
	return &Theme{
		Name:        "dracula",
		Description: "Dark theme with vivid accents",
		Colors: ColorsConfig{
			Primary: "#BD93F9", Background: "#282A36", Foreground: "#F8F8F2", Muted: "#6272A4",
			Border: "#44475A", Error: "#FF5555", Warning: "#FFB86C", Success: "#50FA7B",
		},
		Panel:       PanelConfig{TitleFg: "#BD93F9", LabelFg: "#8BE9FD", ValueFg: "#F8F8F2", TimeFg: "#6272A4"},
		StatusBar:   StatusBarConfig{Fg: "#F8F8F2", Bg: "#44475A", ModeFg: "#282A36", ModeBg: "#BD93F9", AccountFg: "#FF79C6"},
		CommandLine: CommandLineConfig{PromptFg: "#BD93F9", InputFg: "#F8F8F2", CompletionFg: "#6272A4"},
	}
}

// LoadTheme loads a theme from a TOML file
func (m *Manager) LoadTheme(name string) error {
	for _, dir := range m.themeDirs {
		path := filepath.Join(dir, name+".toml")
		if _, err := os.Stat(path); err == nil {
			var theme Theme
			if _, err := toml.DecodeFile(path, &theme); err != nil {
				return fmt.Errorf("failed to parse theme file %s: %w", path, err)
			}
			theme.Name = name
			m.themes[name] = &theme
			return nil
		}
	}
	return fmt.Errorf("theme %s not found", name)
}

// SetTheme switches to a different theme
func (m *Manager) SetTheme(name string) error {
	theme, ok := m.themes[name]
	if !ok {
		if err := m.LoadTheme(name); err != nil {
			return err
		}
		theme = m.themes[name]
	}
	m.current = theme
	m.currentName = name
	m.styles = m.compileStyles(theme)
	return nil
}

// Current returns the current theme
func (m *Manager) Current() *Theme {
	return m.current
}

// CurrentName returns the current theme name
func (m *Manager) CurrentName() string {
	return m.currentName
}

// Styles returns the compiled styles for the current theme
func (m *Manager) Styles() *Styles {
	return m.styles
}

// AvailableThemes returns the sorted theme names
func (m *Manager) AvailableThemes() []string {
	names := make([]string, 0, len(m.themes))
	for name := range m.themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fg(c string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
}

// compileStyles compiles a theme into lipgloss styles
func (m *Manager) compileStyles(t *Theme) *Styles {
	s := &Styles{}

	s.Base = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Foreground)).
		Background(lipgloss.Color(t.Colors.Background))

	s.Border = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(t.Colors.Border)).
		Padding(0, 1)

	s.PanelTitle = fg(t.Panel.TitleFg).Bold(true)
	s.PanelLabel = fg(t.Panel.LabelFg)
	s.PanelValue = fg(t.Panel.ValueFg)
	s.EventTime = fg(t.Panel.TimeFg)
	s.Muted = fg(t.Colors.Muted)

	s.StateOK = fg(t.Colors.Success)
	s.StateWarn = fg(t.Colors.Warning)
	s.StateErr = fg(t.Colors.Error).Bold(true)

	s.StatusBar = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.StatusBar.Fg)).
		Background(lipgloss.Color(t.StatusBar.Bg))

	s.StatusMode = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.StatusBar.ModeFg)).
		Background(lipgloss.Color(t.StatusBar.ModeBg)).
		Bold(true).
		Padding(0, 1)

	s.StatusAccount = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.StatusBar.AccountFg)).
		Background(lipgloss.Color(t.StatusBar.Bg))

	s.CommandPrompt = fg(t.CommandLine.PromptFg)
	s.CommandInput = fg(t.CommandLine.InputFg)
	s.CommandCompletion = fg(t.CommandLine.CompletionFg)

	return s
}
