// Package queue bounds how many executions run at once. Work beyond the
// concurrency limit waits in FIFO order up to a maximum depth; beyond that,
// Enqueue fails immediately with ErrQueueFull.
//
// Cancel only removes waiting work. The queue has no way to stop a task that is
// already running; callers that need that must cancel the task's own context.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/fleetwarden/internal/log"
)

// Config sizes the queue.
type Config struct {
	ConcurrentLimit int
	MaxQueueSize    int
}

type pending struct {
	entry  Entry
	task   Task
	handle *Handle
}

// Queue is an in-memory admission controller. It is safe for concurrent use.
type Queue struct {
	mu        sync.Mutex
	limit     int
	maxQueued int
	running   map[string]*Handle
	waiting   []*pending
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Queue. A non-positive ConcurrentLimit and a negative
// MaxQueueSize fall back to the defaults.
func New(cfg Config) *Queue {
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = DefaultConcurrentLimit
	}
	if cfg.MaxQueueSize < 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		limit:     cfg.ConcurrentLimit,
		maxQueued: cfg.MaxQueueSize,
		running:   make(map[string]*Handle),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
		logger:    log.WithComponent("queue"),
	}
}

// Enqueue starts task immediately when a slot is free, otherwise appends it to
// the waiting list. It never blocks.
func (q *Queue) Enqueue(task Task) (*Handle, error) {
	if task.Run == nil {
		return nil, fmt.Errorf("task has no run function")
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.activeLocked(task.ID) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, task.ID)
	}

	if len(q.running) < q.limit {
		h := newHandle(task.ID, StatusRunning)
		q.startLocked(task, h)
		return h, nil
	}

	if len(q.waiting) >= q.maxQueued {
		q.logger.Warn("queue full, rejecting task",
			"task_id", task.ID, "running", len(q.running), "queued", len(q.waiting))
		return nil, ErrQueueFull
	}

	h := newHandle(task.ID, StatusQueued)
	q.waiting = append(q.waiting, &pending{
		entry: Entry{
			ID:         task.ID,
			Type:       task.Type,
			NodeID:     task.NodeID,
			Action:     task.Action,
			EnqueuedAt: q.now().UTC(),
		},
		task:   task,
		handle: h,
	})
	q.logger.Debug("task queued", "task_id", task.ID, "position", len(q.waiting))
	return h, nil
}

// Cancel removes a waiting task and reports true. It reports false for running
// or unknown ids; running work keeps its slot until it returns.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, p := range q.waiting {
		if p.entry.ID != id {
			continue
		}
		q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
		p.handle.finish(StatusCancelled, context.Canceled)
		q.logger.Info("queued task cancelled", "task_id", id)
		return true
	}
	return false
}

// Status returns a consistent snapshot.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]Entry, len(q.waiting))
	for i, p := range q.waiting {
		entries[i] = p.entry
	}
	return Snapshot{
		Running:      len(q.running),
		Queued:       len(q.waiting),
		Limit:        q.limit,
		MaxQueueSize: q.maxQueued,
		Queue:        entries,
	}
}

// Close rejects further work, cancels waiting tasks, cancels the context passed
// to running tasks, and waits for them to return or ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	waiting := q.waiting
	q.waiting = nil
	q.mu.Unlock()

	for _, p := range waiting {
		p.handle.finish(StatusCancelled, ErrClosed)
	}
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) activeLocked(id string) bool {
	if _, ok := q.running[id]; ok {
		return true
	}
	for _, p := range q.waiting {
		if p.entry.ID == id {
			return true
		}
	}
	return false
}

func (q *Queue) startLocked(task Task, h *Handle) {
	h.setStatus(StatusRunning)
	q.running[task.ID] = h
	q.wg.Add(1)
	go q.run(task, h)
}

func (q *Queue) run(task Task, h *Handle) {
	defer q.wg.Done()

	err := q.invoke(task)

	q.mu.Lock()
	delete(q.running, task.ID)
	h.finish(StatusCompleted, err)
	// Admit the next waiting task.
	if !q.closed && len(q.waiting) > 0 && len(q.running) < q.limit {
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.logger.Debug("task admitted", "task_id", next.entry.ID,
			"waited", q.now().Sub(next.entry.EnqueuedAt))
		q.startLocked(next.task, next.handle)
	}
	q.mu.Unlock()
}

func (q *Queue) invoke(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "task_id", task.ID, "panic", r)
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
		}
	}()
	return task.Run(q.ctx)
}
