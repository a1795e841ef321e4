package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

const (
	DefaultConcurrentLimit = 5
	DefaultMaxQueueSize    = 50
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is busy and the
	// waiting list is at capacity.
	ErrQueueFull = errors.New("execution queue is full")

	ErrDuplicateID = errors.New("task id already active")
	ErrClosed      = errors.New("queue is closed")
)

// Task is a unit of work admitted by the queue.
type Task struct {
	ID     string
	Type   string
	NodeID string
	Action string
	Run    func(ctx context.Context) error
}

// Entry is the transient record of a task waiting for a slot.
type Entry struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	NodeID     string    `json:"nodeId"`
	Action     string    `json:"action"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Running      int     `json:"running"`
	Queued       int     `json:"queued"`
	Limit        int     `json:"limit"`
	MaxQueueSize int     `json:"maxQueueSize"`
	Queue        []Entry `json:"queue"`
}

// Handle tracks one enqueued task through queued, running and its terminal state.
type Handle struct {
	ID string

	mu     sync.Mutex
	status Status
	err    error
	done   chan struct{}
}

func newHandle(id string, status Status) *Handle {
	return &Handle{ID: id, status: status, done: make(chan struct{})}
}

// Status returns the current state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the task's error once it has completed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the task completes or is cancelled while queued.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handle) finish(s Status, err error) {
	h.mu.Lock()
	h.status = s
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
