package integration

import (
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

// DebugContext collects diagnostics for expert-mode responses. A nil
// *DebugContext is valid and records nothing.
type DebugContext struct {
	mu        sync.Mutex
	operation string
	startedAt time.Time
	attempts  []Attempt
	errors    []string
	metadata  map[string]any
}

// Attempt records one plugin tried while resolving a capability.
type Attempt struct {
	Plugin     string                `json:"plugin"`
	Priority   int                   `json:"priority"`
	Success    bool                  `json:"success"`
	DurationMs int64                 `json:"durationMs"`
	Error      *pluginerr.Normalized `json:"error,omitempty"`
}

// DebugInfo is the serializable snapshot of a DebugContext.
type DebugInfo struct {
	Operation  string         `json:"operation"`
	StartedAt  time.Time      `json:"startedAt"`
	DurationMs int64          `json:"durationMs"`
	Attempts   []Attempt      `json:"attempts,omitempty"`
	Errors     []string       `json:"errors,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewDebugContext(operation string) *DebugContext {
	return &DebugContext{operation: operation, startedAt: time.Now()}
}

func (d *DebugContext) recordAttempt(a Attempt) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts = append(d.attempts, a)
	if a.Error != nil {
		d.errors = append(d.errors, a.Plugin+": "+a.Error.Summary())
	}
}

// AddError records a failure not tied to a plugin attempt.
func (d *DebugContext) AddError(msg string) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, msg)
}

// Set records a metadata value, e.g. the CLI command line.
func (d *DebugContext) Set(key string, value any) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.metadata == nil {
		d.metadata = make(map[string]any)
	}
	d.metadata[key] = value
}

// Info returns a snapshot. It returns nil for a nil receiver.
func (d *DebugContext) Info() *DebugInfo {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	info := &DebugInfo{
		Operation:  d.operation,
		StartedAt:  d.startedAt.UTC(),
		DurationMs: time.Since(d.startedAt).Milliseconds(),
		Attempts:   append([]Attempt(nil), d.attempts...),
		Errors:     append([]string(nil), d.errors...),
	}
	if len(d.metadata) > 0 {
		info.Metadata = make(map[string]any, len(d.metadata))
		for k, v := range d.metadata {
			info.Metadata[k] = v
		}
	}
	return info
}
