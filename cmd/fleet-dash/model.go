package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// tickMsg is sent on every refresh interval.
type tickMsg time.Time

// snapshotMsg carries a fetched store snapshot. A nil snapshot means the
// fetch failed; the dashboard keeps showing the last good one.
type snapshotMsg struct {
	snap *Snapshot
	err  error
}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd returns a tea.Cmd that reads the store.
func fetchCmd() tea.Cmd {
	return func() tea.Msg {
		snap, err := fetchSnapshot(context.Background())
		return snapshotMsg{snap: snap, err: err}
	}
}

// keyMap defines the dashboard keybindings.
type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// Model is the Bubble Tea model for the fleet dashboard.
type Model struct {
	snap *Snapshot
	err  error

	width  int
	height int
}

// newModel creates a new Model.
func newModel() Model {
	return Model{}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(), tickCmd())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, fetchCmd()
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchCmd(), tickCmd())
	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.snap = msg.snap
		m.err = nil
		return m, nil
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	theme := DefaultTheme()

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(theme.Primary).
		Render("fleet")

	if m.snap == nil {
		status := "loading…"
		if m.err != nil {
			status = "store unavailable: " + m.err.Error()
		}
		return title + "\n\n" + lipgloss.NewStyle().Foreground(theme.Muted).Render(status)
	}

	board := NewBoardModel(m.snap.Tasks).Render()
	agents := NewAgentsTableModel(m.snap.Agents).Render(theme)

	summary := lipgloss.NewStyle().Foreground(theme.Muted).Render(
		fmt.Sprintf("%d tasks · %d agents · %d leases · r refresh · q quit",
			len(m.snap.Tasks), len(m.snap.Agents), m.snap.Leases))

	return lipgloss.JoinVertical(lipgloss.Left, title, "", board, "", agents, summary)
}
