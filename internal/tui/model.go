package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Source produces the current set of relay statuses
type Source func(ctx context.Context) ([]InstanceStatus, error)

type keyMap struct {
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Help: key.NewBinding(
		key.WithKeys("?"),
		key.WithHelp("?", "help"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Refresh, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Refresh}, {k.Help, k.Quit}}
}

type statusMsg struct {
	statuses []InstanceStatus
	err      error
	at       time.Time
}

type tickMsg time.Time

type triggerMsg struct{}

// Model is the `status --watch` dashboard
type Model struct {
	source   Source
	interval time.Duration
	trigger  <-chan struct{}

	spinner  spinner.Model
	help     help.Model
	loading  bool
	statuses []InstanceStatus
	err      error
	updated  time.Time
	width    int
}

// NewModel builds a dashboard refreshing from source every interval
func NewModel(source Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(headerColor)

	return Model{
		source:   source,
		interval: interval,
		spinner:  s,
		help:     help.New(),
		loading:  true,
	}
}

// WithTrigger makes every receive on ch refresh the dashboard immediately
func (m Model) WithTrigger(ch <-chan struct{}) Model {
	m.trigger = ch
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch(), m.waitTrigger())
}

func (m Model) waitTrigger() tea.Cmd {
	if m.trigger == nil {
		return nil
	}
	ch := m.trigger
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return triggerMsg{}
	}
}

func (m Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statuses, err := m.source(ctx)
		return statusMsg{statuses: statuses, err: err, at: time.Now()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, keys.Refresh):
			if m.loading {
				return m, nil
			}
			m.loading = true
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case statusMsg:
		m.loading = false
		m.statuses = msg.statuses
		m.err = msg.err
		m.updated = msg.at
		return m, m.tick()

	case tickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.fetch()

	case triggerMsg:
		if m.loading {
			return m, m.waitTrigger()
		}
		m.loading = true
		return m, tea.Batch(m.fetch(), m.waitTrigger())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("browser-relay status")
	if m.loading {
		header += " " + m.spinner.View()
	} else if !m.updated.IsZero() {
		header += " " + dimStyle.Render("updated "+m.updated.Format("15:04:05"))
	}
	b.WriteString(header + "\n\n")

	if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n")
	} else if m.statuses != nil || !m.loading {
		b.WriteString(boxStyle.Render(RenderTable(m.statuses)) + "\n")
	}

	b.WriteString("\n" + m.help.View(keys))
	return b.String()
}

// Run starts the dashboard and blocks until the user quits. trigger may be
// nil.
func Run(source Source, interval time.Duration, trigger <-chan struct{}) error {
	_, err := tea.NewProgram(NewModel(source, interval).WithTrigger(trigger)).Run()
	return err
}
