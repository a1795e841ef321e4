package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/fleetwarden/internal/api"
	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

const pollTimeout = 5 * time.Second

// Source is what the dashboard polls. *api.Client satisfies it.
type Source interface {
	Healthz(ctx context.Context) (*api.HealthzResponse, error)
	Queue(ctx context.Context) (*queue.Snapshot, error)
	IntegrationHealth(ctx context.Context, force bool) (*api.IntegrationHealthResponse, error)
	Executions(ctx context.Context, filter execution.Filter) ([]*execution.Record, error)
	Follow(ctx context.Context, id string, fn func(stream.Event)) error
}

// --- Message types ---

type snapshotMsg struct {
	health       *api.HealthzResponse
	queue        *queue.Snapshot
	integrations *api.IntegrationHealthResponse
	executions   []*execution.Record
}

type pollMsg struct{}

type tickMsg time.Time

type errMsg struct{ err error }

type streamEventMsg struct {
	id    string
	event stream.Event
}

type streamEndedMsg struct {
	id  string
	err error
}

// --- Commands ---

// fetchSnapshot polls every endpoint the dashboard renders.
func fetchSnapshot(src Source, limit int, force bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()

		health, err := src.Healthz(ctx)
		if err != nil {
			return errMsg{err}
		}
		q, err := src.Queue(ctx)
		if err != nil {
			return errMsg{err}
		}
		integrations, err := src.IntegrationHealth(ctx, force)
		if err != nil {
			return errMsg{err}
		}
		recs, err := src.Executions(ctx, execution.Filter{Limit: limit})
		if err != nil {
			return errMsg{err}
		}
		return snapshotMsg{health: health, queue: q, integrations: integrations, executions: recs}
	}
}

func schedulePoll(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return pollMsg{} })
}

func scheduleTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// followExecution tails the stream of id into ch until it ends or ctx is
// cancelled.
func followExecution(ctx context.Context, src Source, id string, ch chan<- streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		err := src.Follow(ctx, id, func(ev stream.Event) {
			select {
			case ch <- streamEventMsg{id: id, event: ev}:
			case <-ctx.Done():
			}
		})
		return streamEndedMsg{id: id, err: err}
	}
}

// receiveStreamEvent waits for the next event from the channel.
func receiveStreamEvent(ch <-chan streamEventMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}
