package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// AgentsTableModel holds the agents table state.
type AgentsTableModel struct {
	agents []AgentView
}

// NewAgentsTableModel creates a new agents table model.
func NewAgentsTableModel(agents []AgentView) AgentsTableModel {
	return AgentsTableModel{agents: agents}
}

// Render renders the agents table.
func (m AgentsTableModel) Render(theme Theme) string {
	if len(m.agents) == 0 {
		return lipgloss.NewStyle().Foreground(theme.Muted).Render("No registered agents")
	}

	headers := []string{"Agent", "Role", "Status", "Task", "Heartbeat"}
	widths := []int{24, 8, 10, 16, 10}

	var sb strings.Builder

	headerParts := make([]string, 0, len(headers))
	for i, header := range headers {
		style := lipgloss.NewStyle().
			Width(widths[i]).
			Bold(true).
			Foreground(theme.Primary)
		headerParts = append(headerParts, style.Render(header))
	}
	sb.WriteString(strings.Join(headerParts, " "))
	sb.WriteString("\n")

	for _, a := range m.agents {
		statusColor := theme.Muted
		switch a.Status {
		case "busy":
			statusColor = theme.Warning
		case "idle":
			statusColor = theme.Success
		}

		cells := []string{
			a.ID,
			a.Role,
			lipgloss.NewStyle().Foreground(statusColor).Render(a.Status),
			orDash(a.CurrentTaskID),
			a.HeartbeatAge,
		}
		rowParts := make([]string, 0, len(cells))
		for i, cell := range cells {
			rowParts = append(rowParts, lipgloss.NewStyle().Width(widths[i]).Render(cell))
		}
		sb.WriteString(strings.Join(rowParts, " "))
		sb.WriteString("\n")
	}

	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
