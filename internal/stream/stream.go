// Package stream relays live execution output to subscribers.
//
// Output is buffered and flushed on a fixed interval, each execution has a
// byte budget and a per-line length limit, and every event a stream has
// accepted is retained until the stream expires so a subscriber that attaches
// late receives the full history, terminal event included.
package stream

import (
	"bytes"
	"fmt"
	"sync"
	"time"
)

type EventType string

const (
	EventCommand   EventType = "command"
	EventStdout    EventType = "stdout"
	EventStderr    EventType = "stderr"
	EventTruncated EventType = "truncated"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
)

// LineTruncatedMarker is appended once to a line cut at the line length limit.
const LineTruncatedMarker = " [line truncated]"

type Event struct {
	Seq         int64     `json:"seq"`
	ExecutionID string    `json:"executionId"`
	Type        EventType `json:"type"`
	At          time.Time `json:"at"`
	Data        string    `json:"data,omitempty"`
	Result      any       `json:"result,omitempty"`
}

// Terminal reports whether no events follow e.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

type lineState struct {
	length  int
	clipped bool
}

// Stream is the per-execution buffer. Its On* methods satisfy
// process.Observer and are safe for concurrent use.
type Stream struct {
	id  string
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	pending   []Event
	history   []Event
	seq       int64
	bytes     int
	truncated bool
	done      bool
	lines     map[EventType]*lineState
	subs      map[int]chan Event
	nextSub   int

	stop chan struct{}
}

func newStream(id string, cfg Config, now func() time.Time) *Stream {
	return &Stream{
		id:  id,
		cfg: cfg,
		now: now,
		lines: map[EventType]*lineState{
			EventStdout: {},
			EventStderr: {},
		},
		subs: make(map[int]chan Event),
		stop: make(chan struct{}),
	}
}

// ID returns the execution id.
func (s *Stream) ID() string { return s.id }

func (s *Stream) OnCommand(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queueLocked(EventCommand, command)
}

func (s *Stream) OnStdout(chunk []byte) { s.output(EventStdout, chunk) }
func (s *Stream) OnStderr(chunk []byte) { s.output(EventStderr, chunk) }

// BytesForwarded returns the output bytes accepted so far.
func (s *Stream) BytesForwarded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Done reports whether a terminal event has been emitted.
func (s *Stream) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// History returns every event published so far, oldest first.
func (s *Stream) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.history...)
}

func (s *Stream) output(typ EventType, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.truncated {
		return
	}

	out := clipLines(chunk, s.lines[typ], s.cfg.MaxLineLength)
	if len(out) == 0 {
		return
	}

	if s.cfg.MaxOutputSize > 0 {
		room := s.cfg.MaxOutputSize - s.bytes
		if len(out) > room {
			out = out[:room]
			s.truncated = true
		}
	}
	if len(out) > 0 {
		s.bytes += len(out)
		s.queueLocked(typ, string(out))
	}
	if s.truncated {
		s.queueLocked(EventTruncated,
			fmt.Sprintf("output truncated: limit of %d bytes reached", s.cfg.MaxOutputSize))
	}
	if s.cfg.BufferInterval <= 0 {
		s.flushLocked()
	}
}

// queueLocked appends to the pending batch, coalescing consecutive chunks of
// the same output type.
func (s *Stream) queueLocked(typ EventType, data string) {
	if n := len(s.pending); n > 0 && (typ == EventStdout || typ == EventStderr) && s.pending[n-1].Type == typ {
		s.pending[n-1].Data += data
		return
	}
	s.pending = append(s.pending, Event{ExecutionID: s.id, Type: typ, Data: data})
	if typ == EventCommand && s.cfg.BufferInterval <= 0 {
		s.flushLocked()
	}
}

func (s *Stream) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
}

func (s *Stream) flushLocked() {
	for _, ev := range s.pending {
		s.publishLocked(ev)
	}
	s.pending = s.pending[:0]
}

func (s *Stream) publishLocked(ev Event) {
	s.seq++
	ev.Seq = s.seq
	ev.At = s.now().UTC()
	s.history = append(s.history, ev)

	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: disconnect it, it can resubscribe for a replay.
			delete(s.subs, id)
			close(ch)
		}
	}
}

// finish publishes the terminal event and releases subscribers. It reports
// false if the stream had already finished.
func (s *Stream) finish(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.flushLocked()
	ev.ExecutionID = s.id
	s.publishLocked(ev)
	s.done = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	close(s.stop)
	return true
}

func (s *Stream) subscribe(buffer int) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, len(s.history)+buffer)
	for _, ev := range s.history {
		ch <- ev
	}
	if s.done {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Stream) flushLoop() {
	if s.cfg.BufferInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.BufferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// clipLines cuts every line in chunk to max bytes, appending
// LineTruncatedMarker once per clipped line. st carries the length of the
// current line across chunks.
func clipLines(chunk []byte, st *lineState, max int) []byte {
	if max <= 0 {
		return chunk
	}
	out := make([]byte, 0, len(chunk))
	for len(chunk) > 0 {
		seg := chunk
		nl := bytes.IndexByte(chunk, '\n')
		if nl >= 0 {
			seg = chunk[:nl]
		}

		room := max - st.length
		if len(seg) <= room {
			out = append(out, seg...)
			st.length += len(seg)
		} else {
			if room > 0 {
				out = append(out, seg[:room]...)
				st.length += room
			}
			if !st.clipped {
				out = append(out, LineTruncatedMarker...)
				st.clipped = true
			}
		}

		if nl < 0 {
			break
		}
		out = append(out, '\n')
		st.length = 0
		st.clipped = false
		chunk = chunk[nl+1:]
	}
	return out
}
