package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

func newExecutionsTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "ID", Width: 8},
			{Title: "Type", Width: 8},
			{Title: "Action", Width: 24},
			{Title: "Targets", Width: 20},
			{Title: "Status", Width: 9},
			{Title: "Tool", Width: 10},
			{Title: "Age", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func executionRows(recs []*execution.Record, theme Theme, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(recs))
	for _, rec := range recs {
		status := string(rec.Status)
		if rec.Cancelled {
			status = "cancelled"
		}
		rows = append(rows, table.Row{
			theme.statusStyle(rec).Render(statusSymbol(rec)),
			shortID(rec.ID),
			string(rec.Type),
			rec.Action,
			strings.Join(rec.TargetNodes, ","),
			status,
			rec.ExecutionTool,
			formatDuration(now.Sub(rec.StartedAt)),
		})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatStreamEvent renders one stream event for the output panel.
func formatStreamEvent(ev stream.Event, theme Theme) string {
	switch ev.Type {
	case stream.EventCommand:
		return theme.Highlight.Render("$ "+ev.Data) + "\n"
	case stream.EventStdout:
		return ev.Data
	case stream.EventStderr:
		var b strings.Builder
		for _, line := range strings.SplitAfter(ev.Data, "\n") {
			if line == "" {
				continue
			}
			b.WriteString(theme.Stderr.Render(strings.TrimSuffix(line, "\n")))
			if strings.HasSuffix(line, "\n") {
				b.WriteString("\n")
			}
		}
		return b.String()
	case stream.EventTruncated:
		return theme.Dim.Render("["+ev.Data+"]") + "\n"
	case stream.EventComplete:
		return "\n" + theme.StatusOK.Render("[complete]") + "\n"
	case stream.EventError:
		return "\n" + theme.StatusFailed.Render(fmt.Sprintf("[error] %s", ev.Data)) + "\n"
	}
	return ""
}
