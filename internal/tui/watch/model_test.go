package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fleetwarden/internal/api"
	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

type fakeSource struct {
	healthErr  error
	recs       []*execution.Record
	events     []stream.Event
	gotLimit   int
	gotForce   bool
	followedID string
}

func (f *fakeSource) Healthz(context.Context) (*api.HealthzResponse, error) {
	if f.healthErr != nil {
		return nil, f.healthErr
	}
	return &api.HealthzResponse{Status: "ok", UptimeSeconds: 90, PluginsLoaded: 2}, nil
}

func (f *fakeSource) Queue(context.Context) (*queue.Snapshot, error) {
	return &queue.Snapshot{Running: 1, Queued: 0, Limit: 5, MaxQueueSize: 50}, nil
}

func (f *fakeSource) IntegrationHealth(_ context.Context, force bool) (*api.IntegrationHealthResponse, error) {
	f.gotForce = force
	return &api.IntegrationHealthResponse{
		Healthy: false,
		Plugins: map[string]integration.HealthStatus{
			"bolt":     {Healthy: true, Message: "bolt 4.0.0"},
			"puppetdb": {Healthy: false, Message: "connection refused"},
		},
	}, nil
}

func (f *fakeSource) Executions(_ context.Context, filter execution.Filter) ([]*execution.Record, error) {
	f.gotLimit = filter.Limit
	return f.recs, nil
}

func (f *fakeSource) Follow(_ context.Context, id string, fn func(stream.Event)) error {
	f.followedID = id
	for _, ev := range f.events {
		fn(ev)
	}
	return nil
}

func testRecords() []*execution.Record {
	started := time.Now().Add(-time.Minute)
	return []*execution.Record{
		{ID: "0f8e2c1a-aaaa", Type: execution.TypeCommand, Action: "uptime", TargetNodes: []string{"web1", "web2"}, Status: execution.StatusRunning, StartedAt: started, ExecutionTool: "bolt"},
		{ID: "7b3d9e44-bbbb", Type: execution.TypeTask, Action: "package", TargetNodes: []string{"db1"}, Status: execution.StatusFailed, StartedAt: started, ExecutionTool: "bolt"},
	}
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 50})
	return next.(Model)
}

func TestFetchSnapshot(t *testing.T) {
	src := &fakeSource{recs: testRecords()}
	msg := fetchSnapshot(src, 20, true)()

	snap, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, 20, src.gotLimit)
	assert.True(t, src.gotForce)
	assert.Len(t, snap.executions, 2)
	assert.Equal(t, 5, snap.queue.Limit)
}

func TestFetchSnapshotError(t *testing.T) {
	src := &fakeSource{healthErr: errors.New("connection refused")}
	msg := fetchSnapshot(src, 20, false)()

	e, ok := msg.(errMsg)
	require.True(t, ok, "got %T", msg)
	assert.EqualError(t, e.err, "connection refused")
}

func TestSnapshotUpdatesState(t *testing.T) {
	src := &fakeSource{recs: testRecords()}
	m := sized(t, New(src, Options{}))

	next, cmd := m.Update(fetchSnapshot(src, m.limit, false)())
	m = next.(Model)
	require.NotNil(t, cmd)

	assert.True(t, m.connected)
	assert.Equal(t, "ok", m.health.Status)
	assert.Len(t, m.integrations, 2)
	assert.Len(t, m.table.Rows(), 2)
	assert.Equal(t, "0f8e2c1a", m.table.Rows()[0][1])
	assert.Equal(t, "web1,web2", m.table.Rows()[0][4])

	view := m.View()
	assert.Contains(t, view, "FLEETWARDEN WATCH")
	assert.Contains(t, view, "puppetdb")
	assert.Contains(t, view, "uptime")
}

func TestSpinnerFiresOnExecutionChange(t *testing.T) {
	src := &fakeSource{recs: testRecords()}
	m := New(src, Options{})

	next, _ := m.Update(fetchSnapshot(src, m.limit, false)())
	m = next.(Model)
	assert.True(t, m.spinner.LastChange().IsZero(), "first snapshot is not a change")

	src.recs[0].Status = execution.StatusSuccess
	next, _ = m.Update(fetchSnapshot(src, m.limit, false)())
	m = next.(Model)
	assert.False(t, m.spinner.LastChange().IsZero())
}

func TestErrorMarksDisconnected(t *testing.T) {
	m := sized(t, New(&fakeSource{}, Options{}))
	m.connected = true

	next, cmd := m.Update(errMsg{errors.New("dial tcp: refused")})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.False(t, m.connected)
	assert.Contains(t, m.View(), "dial tcp: refused")
	assert.Contains(t, m.View(), "CONNECTING")
}

func TestFollowSelectedExecution(t *testing.T) {
	src := &fakeSource{
		recs: testRecords(),
		events: []stream.Event{
			{Seq: 1, ExecutionID: "0f8e2c1a-aaaa", Type: stream.EventCommand, Data: "bolt command run uptime"},
			{Seq: 2, ExecutionID: "0f8e2c1a-aaaa", Type: stream.EventStdout, Data: "web1: up 3 days\n"},
			{Seq: 3, ExecutionID: "0f8e2c1a-aaaa", Type: stream.EventComplete},
		},
	}
	m := sized(t, New(src, Options{}))
	next, _ := m.Update(fetchSnapshot(src, m.limit, false)())
	m = next.(Model)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Equal(t, "0f8e2c1a-aaaa", m.following)
	assert.True(t, m.receiving)

	// Run the follow directly; the channel is buffered.
	ended := followExecution(context.Background(), src, m.following, m.streamCh)()
	assert.Equal(t, streamEndedMsg{id: "0f8e2c1a-aaaa"}, ended)
	assert.Equal(t, "0f8e2c1a-aaaa", src.followedID)

	for range src.events {
		next, _ = m.Update(receiveStreamEvent(m.streamCh)())
		m = next.(Model)
	}
	assert.Contains(t, m.outputText, "bolt command run uptime")
	assert.Contains(t, m.outputText, "web1: up 3 days")
	assert.Contains(t, m.outputText, "[complete]")
}

func TestStaleStreamEventsIgnored(t *testing.T) {
	m := New(&fakeSource{}, Options{})
	m.following = "current"

	next, cmd := m.Update(streamEventMsg{id: "previous", event: stream.Event{Type: stream.EventStdout, Data: "old\n"}})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Empty(t, m.outputText)

	next, _ = m.Update(streamEndedMsg{id: "current", err: context.Canceled})
	m = next.(Model)
	assert.Empty(t, m.lastError)
}

func TestQuit(t *testing.T) {
	m := New(&fakeSource{}, Options{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	start := time.Now()
	s.OnChange(start)
	assert.Equal(t, 5, s.dots)
	s.Decay(start.Add(3 * time.Second))
	assert.Equal(t, 4, s.dots)
	s.Decay(start.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 5s", formatDuration(125*time.Second))
	assert.Equal(t, "1h 1m", formatDuration(61*time.Minute))
}
