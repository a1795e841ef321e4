package watch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/fleetwarden/internal/api"
	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/queue"
)

const (
	defaultInterval = 2 * time.Second
	defaultLimit    = 20
	maxOutputBytes  = 256 * 1024
)

// Options tune the dashboard.
type Options struct {
	// Interval between polls. Defaults to 2s.
	Interval time.Duration
	// Limit is how many recent executions are listed. Defaults to 20.
	Limit int
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	src      Source
	interval time.Duration
	limit    int

	width  int
	height int

	// State
	connected    bool
	health       api.HealthzResponse
	queue        queue.Snapshot
	integrations map[string]integration.HealthStatus
	executions   []*execution.Record
	signature    string

	// Live indicators
	ticker  Ticker
	spinner Spinner

	// UI state
	theme  Theme
	table  table.Model
	output viewport.Model

	// Followed execution
	following  string
	outputText string
	stopFollow context.CancelFunc
	streamCh   chan streamEventMsg
	receiving  bool

	lastError string
	now       func() time.Time
}

// New creates a dashboard polling src.
func New(src Source, opts Options) Model {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	return Model{
		src:          src,
		interval:     opts.Interval,
		limit:        opts.Limit,
		integrations: map[string]integration.HealthStatus{},
		ticker:       NewTicker(),
		theme:        NewDefaultTheme(),
		table:        newExecutionsTable(),
		output:       viewport.New(80, 10),
		streamCh:     make(chan streamEventMsg, 64),
		now:          time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchSnapshot(m.src, m.limit, false),
		scheduleTick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.stopFollow != nil {
				m.stopFollow()
			}
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.src, m.limit, true)
		case "enter":
			return m.follow()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()

	case tickMsg:
		m.spinner.Decay(time.Time(msg))
		return m, scheduleTick()

	case pollMsg:
		return m, fetchSnapshot(m.src, m.limit, false)

	case snapshotMsg:
		m.applySnapshot(msg)
		return m, schedulePoll(m.interval)

	case errMsg:
		m.connected = false
		m.lastError = msg.err.Error()
		return m, schedulePoll(m.interval)

	case streamEventMsg:
		if msg.id == m.following {
			m.appendOutput(formatStreamEvent(msg.event, m.theme))
		}
		return m, receiveStreamEvent(m.streamCh)

	case streamEndedMsg:
		if msg.id == m.following && msg.err != nil && !errors.Is(msg.err, context.Canceled) {
			m.lastError = msg.err.Error()
		}
	}

	return m, nil
}

func (m *Model) applySnapshot(msg snapshotMsg) {
	m.connected = true
	m.lastError = ""
	if msg.health != nil {
		m.health = *msg.health
	}
	if msg.queue != nil {
		m.queue = *msg.queue
	}
	if msg.integrations != nil {
		m.integrations = msg.integrations.Plugins
	}
	m.executions = msg.executions
	m.ticker.Tick()

	if sig := executionSignature(msg.executions); sig != m.signature {
		if m.signature != "" {
			m.spinner.OnChange(m.now())
		}
		m.signature = sig
	}
	m.table.SetRows(executionRows(m.executions, m.theme, m.now()))
}

// follow starts tailing the selected execution, replacing any earlier one.
func (m Model) follow() (tea.Model, tea.Cmd) {
	row := m.table.Cursor()
	if row < 0 || row >= len(m.executions) {
		return m, nil
	}
	id := m.executions[row].ID
	if id == m.following {
		return m, nil
	}
	if m.stopFollow != nil {
		m.stopFollow()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stopFollow = cancel
	m.following = id
	m.outputText = ""
	m.output.SetContent("")

	cmds := []tea.Cmd{followExecution(ctx, m.src, id, m.streamCh)}
	if !m.receiving {
		m.receiving = true
		cmds = append(cmds, receiveStreamEvent(m.streamCh))
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) appendOutput(s string) {
	if s == "" {
		return
	}
	m.outputText += s
	if len(m.outputText) > maxOutputBytes {
		m.outputText = m.outputText[len(m.outputText)-maxOutputBytes:]
	}
	m.output.SetContent(m.outputText)
	m.output.GotoBottom()
}

func (m *Model) resize() {
	w := m.width - 4
	if w < 20 {
		w = 20
	}
	tableHeight := (m.height - 14) / 2
	if tableHeight < 3 {
		tableHeight = 3
	}
	m.table.SetHeight(tableHeight)
	m.table.SetWidth(w)

	outHeight := m.height - 14 - tableHeight - 2
	if outHeight < 3 {
		outHeight = 3
	}
	m.output.Width = w
	m.output.Height = outHeight
}

func executionSignature(recs []*execution.Record) string {
	var b strings.Builder
	for _, rec := range recs {
		b.WriteString(rec.ID)
		b.WriteByte(':')
		b.WriteString(string(rec.Status))
		b.WriteByte(';')
	}
	return b.String()
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	sections := []string{
		renderHeader(m, m.width),
		renderIntegrations(m.integrations, m.theme, m.width),
		m.theme.Border.Width(m.width - 4).Render(
			lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render("EXECUTIONS"), m.table.View()),
		),
	}

	title := "OUTPUT"
	if m.following != "" {
		title += " " + m.theme.Dim.Render(shortID(m.following))
	}
	body := m.output.View()
	if m.following == "" {
		body = m.theme.Dim.Render("  Select an execution and press enter to follow its output")
	}
	sections = append(sections, m.theme.Border.Width(m.width-4).Render(
		lipgloss.JoinVertical(lipgloss.Left, m.theme.Title.Render(title), body),
	))

	if m.lastError != "" {
		sections = append(sections, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	sections = append(sections, m.theme.Dim.Render(" ↑/↓ select • enter follow • pgup/pgdn scroll • r refresh • q quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
