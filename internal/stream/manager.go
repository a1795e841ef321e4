package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/log"
)

const (
	DefaultBufferInterval   = 100 * time.Millisecond
	DefaultMaxOutputSize    = 10 * 1024 * 1024
	DefaultMaxLineLength    = 10000
	DefaultRetention        = 5 * time.Minute
	DefaultSubscriberBuffer = 256
)

var ErrUnknownStream = errors.New("no stream for execution")

// Config bounds every stream created by a Manager.
type Config struct {
	BufferInterval time.Duration
	// MaxOutputSize caps stdout+stderr bytes per execution, line markers included.
	MaxOutputSize int
	MaxLineLength int
	// Retention is how long a finished stream stays available for replay.
	Retention        time.Duration
	SubscriberBuffer int
}

// Manager owns the streams of executions that asked for live output.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewManager creates a Manager. Zero values take the defaults; a negative
// BufferInterval disables batching.
func NewManager(cfg Config) *Manager {
	if cfg.BufferInterval == 0 {
		cfg.BufferInterval = DefaultBufferInterval
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = DefaultMaxOutputSize
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = DefaultMaxLineLength
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &Manager{
		cfg:     cfg,
		now:     time.Now,
		logger:  log.WithComponent("stream"),
		streams: make(map[string]*Stream),
	}
}

// Open returns the live stream for id, creating it if needed. A finished
// stream under the same id is replaced.
func (m *Manager) Open(id string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[id]; ok && !s.Done() {
		return s
	}
	s := newStream(id, m.cfg, m.now)
	m.streams[id] = s
	go s.flushLoop()
	m.logger.Debug("stream opened", "execution_id", id)
	return s
}

// Get returns the stream for id if it is live or still retained.
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	return s, ok
}

// Subscribe attaches to the stream for id. The channel first replays the
// stream's history and is closed after the terminal event, or when the
// subscriber falls too far behind. Call cancel to detach early.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, nil, ErrUnknownStream
	}
	ch, cancel := s.subscribe(m.cfg.SubscriberBuffer)
	return ch, cancel, nil
}

// EmitComplete publishes the terminal complete event for id.
func (m *Manager) EmitComplete(id string, result any) {
	m.finish(id, Event{Type: EventComplete, Result: result})
}

// EmitError publishes the terminal error event for id.
func (m *Manager) EmitError(id string, message string) {
	m.finish(id, Event{Type: EventError, Data: message})
}

func (m *Manager) finish(id string, ev Event) {
	s, ok := m.Get(id)
	if !ok {
		return
	}
	if !s.finish(ev) {
		return
	}
	m.logger.Debug("stream finished", "execution_id", id, "type", ev.Type, "bytes", s.BytesForwarded())

	time.AfterFunc(m.cfg.Retention, func() {
		m.mu.Lock()
		if cur, ok := m.streams[id]; ok && cur == s {
			delete(m.streams, id)
		}
		m.mu.Unlock()
	})
}

// Close finishes every live stream with an error event.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.EmitError(id, "server shutting down")
	}
}

// Active returns the number of streams that have not finished.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if !s.Done() {
			n++
		}
	}
	return n
}
