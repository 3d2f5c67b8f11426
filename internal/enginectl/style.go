package enginectl

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleError  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleMuted  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// stateStyle colors a Run/Task state the way its outcome reads: green for
// success, red for failure, orange for anything still in flight or waiting
// on a human.
func stateStyle(state string) string {
	switch state {
	case "succeeded":
		return styleOK.Render(state)
	case "failed", "cancelled":
		return styleError.Render(state)
	case "queued", "running", "pending-approval":
		return styleWarn.Render(state)
	default:
		return state
	}
}

// table renders rows under header as a fixed-width column layout, shared by
// the `runs list`, `tasks`, `findings` and `workers` commands.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Render(fmt.Sprintf("%-*s", widths[i], c))
		}
		b.WriteString(strings.Join(parts, "  "))
		b.WriteString("\n")
	}
	writeRow(header, styleHeader)
	for _, row := range rows {
		writeRow(row, lipgloss.NewStyle())
	}
	if len(rows) == 0 {
		b.WriteString(styleMuted.Render("(no results)"))
		b.WriteString("\n")
	}
	return b.String()
}
