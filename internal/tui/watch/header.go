package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fleetwarden/internal/integration"
)

func renderHeader(m Model, width int) string {
	innerWidth := width - 4
	theme := m.theme

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !m.connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case m.health.Status != "ok":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	uptime := formatDuration(time.Duration(m.health.UptimeSeconds) * time.Second)

	lastChange := "never"
	if !m.spinner.LastChange().IsZero() {
		lastChange = fmt.Sprintf("%s ago", m.now().Sub(m.spinner.LastChange()).Round(time.Second))
	}

	tickerStr := theme.Highlight.Render(m.ticker.Current())
	clock := theme.Dim.Render(m.now().Format("15:04:05"))
	titleText := fmt.Sprintf(" FLEETWARDEN WATCH %s", tickerStr)
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  ⏱ %s  Running: %d/%d  Waiting: %d/%d  Plugins: %d",
		statusText, uptime,
		m.queue.Running, m.queue.Limit,
		m.queue.Queued, m.queue.MaxQueueSize,
		m.health.PluginsLoaded,
	)
	activityLine := fmt.Sprintf(" Last change: %s %s", lastChange, m.spinner.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderIntegrations(plugins map[string]integration.HealthStatus, theme Theme, width int) string {
	innerWidth := width - 4
	if len(plugins) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("INTEGRATIONS"),
			theme.Dim.Render("  No integrations registered"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	var lines []string
	for _, name := range names {
		st := plugins[name]
		mark := theme.StatusOK.Render("●")
		if !st.Healthy {
			mark = theme.StatusFailed.Render("∅")
		}
		line := fmt.Sprintf("%s %-12s %s", mark, name, theme.Dim.Render(st.Message))
		lines = append(lines, line)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("INTEGRATIONS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
