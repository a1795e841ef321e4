package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

const (
	sseKeepAlive = 15 * time.Second

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var errNoStream = errors.New("no live stream for execution")

// openStream subscribes to the live output of id. An execution that finished
// after its stream expired, or that never streamed, yields a single synthetic
// terminal event built from its record.
func (s *Server) openStream(ctx context.Context, id string) (<-chan stream.Event, func(), error) {
	if s.streams != nil {
		ch, cancel, err := s.streams.Subscribe(id)
		if err == nil {
			return ch, cancel, nil
		}
		if !errors.Is(err, stream.ErrUnknownStream) {
			return nil, nil, err
		}
	}

	rec, err := s.executions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !rec.Status.Terminal() {
		return nil, nil, errNoStream
	}
	ch := make(chan stream.Event, 1)
	ch <- terminalEvent(rec)
	close(ch)
	return ch, func() {}, nil
}

func terminalEvent(rec *execution.Record) stream.Event {
	ev := stream.Event{
		ExecutionID: rec.ID,
		Type:        stream.EventComplete,
		Result:      rec,
	}
	if rec.CompletedAt != nil {
		ev.At = *rec.CompletedAt
	}
	if rec.Status == execution.StatusFailed {
		ev.Type = stream.EventError
		ev.Data = rec.Error
	}
	return ev
}

func (s *Server) writeStreamError(w http.ResponseWriter, err error, id string) {
	if errors.Is(err, errNoStream) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), ExecutionID: id})
		return
	}
	s.writeServiceError(w, err, id)
}

// handleStream handles GET /api/executions/{id}/stream as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel, err := s.openStream(r.Context(), id)
	if err != nil {
		s.writeStreamError(w, err, id)
		return
	}
	defer cancel()

	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Seq > 0 && ev.Seq <= lastID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleWebSocket handles GET /api/executions/{id}/ws. Each stream event is
// sent as one JSON text message; the server closes the socket after the
// terminal event.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, cancel, err := s.openStream(r.Context(), id)
	if err != nil {
		s.writeStreamError(w, err, id)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		s.logger.Warn("websocket upgrade failed", "execution_id", id, "error", err)
		return
	}

	c := &wsClient{
		conn:   conn,
		events: events,
		done:   make(chan struct{}),
		logger: s.logger.With("execution_id", id, "remote", r.RemoteAddr),
	}
	go c.readPump()
	c.writePump()
	cancel()
}

type wsClient struct {
	conn   *websocket.Conn
	events <-chan stream.Event
	done   chan struct{}
	logger *slog.Logger
}

// readPump discards client messages and watches for pongs and close frames.
func (c *wsClient) readPump() {
	defer close(c.done)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.events:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.closeWith(websocket.CloseGoingAway, "stream ended")
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
			if ev.Terminal() {
				c.closeWith(websocket.CloseNormalClosure, string(ev.Type))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
