// Package execution tracks operator-requested actions against nodes: it
// creates execution records, hands the work to the admission queue, routes it
// to a backend through the capability router, and persists the outcome.
package execution

import (
	"errors"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/integration"
)

// Type is the kind of action an execution performs.
type Type string

const (
	TypeCommand Type = "command"
	TypeTask    Type = "task"
	TypeFacts   Type = "facts"
	TypePuppet  Type = "puppet"
	TypePackage Type = "package"
)

// Valid reports whether t is a known execution type.
func (t Type) Valid() bool {
	switch t {
	case TypeCommand, TypeTask, TypeFacts, TypePuppet, TypePackage:
		return true
	}
	return false
}

// Capability returns the router capability that serves t.
func (t Type) Capability() string {
	switch t {
	case TypeCommand:
		return integration.CapCommandExecute
	case TypeTask:
		return integration.CapTaskExecute
	case TypeFacts:
		return integration.CapFactsGather
	case TypePuppet:
		return integration.CapPuppetRun
	case TypePackage:
		return integration.CapPackageInstall
	}
	return ""
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusPartial
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// NodeStatus is the per-node outcome.
type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
)

// Output is raw process output for one node.
type Output struct {
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// NodeResult is the outcome on one target node.
type NodeResult struct {
	Node       string     `json:"node"`
	Status     NodeStatus `json:"status"`
	Output     *Output    `json:"output,omitempty"`
	Value      any        `json:"value,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"durationMs"`
}

// Record is one execution and its outcome.
type Record struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	TargetNodes []string       `json:"targetNodes"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Status      Status         `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Results     []NodeResult   `json:"results"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	Cancelled   bool           `json:"cancelled,omitempty"`

	ExpertMode    bool   `json:"expertMode"`
	ExecutionTool string `json:"executionTool,omitempty"`
	// Command, Stdout and Stderr are kept only in expert mode.
	Command string `json:"command,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`

	OriginalExecutionID string `json:"originalExecutionId,omitempty"`
	SubmittedBy         string `json:"submittedBy,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status        *Status
	CompletedAt   *time.Time
	Results       []NodeResult
	Error         *string
	ErrorCode     *string
	Cancelled     *bool
	ExecutionTool *string
	Command       *string
	Stdout        *string
	Stderr        *string
	// RequireRunning applies the patch only while the stored status is
	// running; otherwise Update fails with ErrNotRunning.
	RequireRunning bool
}

// Filter narrows List.
type Filter struct {
	Status Status
	Type   Type
	Limit  int
	Offset int
}

// Outcome is what execution-capable plugins return from ExecuteCapability.
type Outcome struct {
	Command string
	Results []NodeResult
	Stdout  string
	Stderr  string
}

var (
	ErrNotFound      = errors.New("execution not found")
	ErrInvalid       = errors.New("invalid execution request")
	ErrNotCancelable = errors.New("execution already finished")
	ErrNotRunning    = errors.New("execution is not running")
)

// ComputeStatus derives the record status from per-node results. Targets
// without a result count as failed.
func ComputeStatus(targets []string, results []NodeResult) Status {
	succeeded := 0
	for _, r := range results {
		if r.Status == NodeSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return StatusFailed
	case succeeded >= len(targets) && succeeded == len(results):
		return StatusSuccess
	default:
		return StatusPartial
	}
}

func ptr[T any](v T) *T { return &v }
