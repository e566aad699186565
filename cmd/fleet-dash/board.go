package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

// BoardModel holds the kanban-style board state with task columns.
type BoardModel struct {
	columns []boardColumn
}

// boardColumn represents a single column in the board view.
type boardColumn struct {
	title      string
	tasks      []TaskView
	totalCount int // may exceed len(tasks) when a column is limited
}

// columnForStatus returns the board column title for a given task status.
func columnForStatus(status string) string {
	switch status {
	case "running":
		return "Running"
	case "blocked":
		return "Blocked"
	case "done":
		return "Done"
	case "failed":
		return "Failed"
	default:
		return "Queued"
	}
}

// boardColumns is the fixed column ordering.
var boardColumns = []string{"Queued", "Running", "Blocked", "Done", "Failed"}

// NewBoardModel groups tasks into columns by status. The Done column is
// limited to the most recent 10.
func NewBoardModel(tasks []TaskView) BoardModel {
	buckets := make(map[string][]TaskView, len(boardColumns))
	for _, title := range boardColumns {
		buckets[title] = []TaskView{}
	}
	for _, t := range tasks {
		col := columnForStatus(t.Status)
		buckets[col] = append(buckets[col], t)
	}

	columns := make([]boardColumn, 0, len(boardColumns))
	for _, title := range boardColumns {
		tasksInCol := buckets[title]
		totalCount := len(tasksInCol)
		if title == "Done" && len(tasksInCol) > 10 {
			tasksInCol = tasksInCol[len(tasksInCol)-10:]
		}
		columns = append(columns, boardColumn{
			title:      title,
			tasks:      tasksInCol,
			totalCount: totalCount,
		})
	}
	return BoardModel{columns: columns}
}

// Render renders the board columns side-by-side using lipgloss.
func (bm BoardModel) Render() string {
	theme := DefaultTheme()

	colWidth := 28

	cardStyle := lipgloss.NewStyle().
		Width(colWidth - 2).
		Padding(0, 1)

	idStyle := lipgloss.NewStyle().
		Foreground(theme.Muted)

	columnStyle := lipgloss.NewStyle().
		Width(colWidth).
		Padding(0, 1)

	rendered := make([]string, 0, len(bm.columns))
	for _, col := range bm.columns {
		headerColor := theme.Primary
		switch col.title {
		case "Done":
			headerColor = theme.Success
		case "Failed":
			headerColor = theme.Error
		case "Blocked":
			headerColor = theme.Warning
		}

		headerStyle := lipgloss.NewStyle().
			Bold(true).
			Foreground(headerColor).
			Width(colWidth).
			Align(lipgloss.Center).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder())

		header := headerStyle.Render(fmt.Sprintf("%s (%d)", col.title, col.totalCount))

		cards := make([]string, 0, len(col.tasks)+1)
		cards = append(cards, header)
		for _, t := range col.tasks {
			label := t.Title
			if len(label) > colWidth-6 {
				label = label[:colWidth-6] + "…"
			}
			card := fmt.Sprintf("%s %s", idStyle.Render(t.ID), label)
			if t.Blocked != "" {
				card += "\n" + idStyle.Render("  "+t.Blocked)
			}
			cards = append(cards, cardStyle.Render(card))
		}

		rendered = append(rendered, columnStyle.Render(
			lipgloss.JoinVertical(lipgloss.Left, cards...)))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}
