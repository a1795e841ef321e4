// Package watch implements the fleetwarden watch dashboard: server health,
// the admission queue, integration health, recent executions, and the live
// output of the selected execution.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fleetwarden/internal/execution"
)

// Theme centralizes all styling for the watch TUI.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPartial lipgloss.Style
	StatusQueued  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Stderr    lipgloss.Style

	TickerActive   lipgloss.Style
	TickerInactive lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPartial: lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8800")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Stderr:    lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75")),

		TickerActive:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		TickerInactive: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// statusStyle picks the style for an execution status.
func (t Theme) statusStyle(rec *execution.Record) lipgloss.Style {
	switch {
	case rec.Cancelled:
		return t.StatusQueued
	case rec.Status == execution.StatusSuccess:
		return t.StatusOK
	case rec.Status == execution.StatusPartial:
		return t.StatusPartial
	case rec.Status == execution.StatusFailed:
		return t.StatusFailed
	default:
		return t.StatusRunning
	}
}

// statusSymbol is the one-cell glyph shown in the executions table.
func statusSymbol(rec *execution.Record) string {
	switch {
	case rec.Cancelled:
		return "⊘"
	case rec.Status == execution.StatusSuccess:
		return "●"
	case rec.Status == execution.StatusPartial:
		return "◑"
	case rec.Status == execution.StatusFailed:
		return "∅"
	default:
		return "◉"
	}
}
