package execution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/process"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

const (
	DefaultMaxOutputSize = stream.DefaultMaxOutputSize

	outputTruncatedMarker = "\n[output truncated]"
	persistTimeout        = 10 * time.Second
)

// Router routes a capability call to a plugin.
type Router interface {
	ExecuteCapability(ctx context.Context, user, capability string, input integration.Input, debug *integration.DebugContext, opts ...integration.CallOption) integration.CapabilityResult
}

// Admission bounds how many executions run at once.
type Admission interface {
	Enqueue(task queue.Task) (*queue.Handle, error)
	Cancel(id string) bool
}

// Request describes a new execution.
type Request struct {
	Type        Type
	TargetNodes []string
	Action      string
	Parameters  map[string]any
	ExpertMode  bool
	// Stream opens a live output stream for the execution.
	Stream      bool
	SubmittedBy string

	OriginalExecutionID string
}

// ServiceConfig tunes a Service.
type ServiceConfig struct {
	// MaxOutputSize caps the raw stdout and stderr kept on expert-mode records.
	MaxOutputSize int
}

type activeRun struct {
	cancel    context.CancelFunc
	handle    *queue.Handle
	cancelled bool
	// settled is set once the run has chosen its final status; a later
	// Cancel can no longer change it.
	settled bool
}

// Service submits executions and owns their lifecycle. Submit returns as soon
// as the record is persisted and the work is admitted; the outcome is written
// back when the routed plugin returns.
type Service struct {
	repo    Repository
	router  Router
	queue   Admission
	streams *stream.Manager
	cfg     ServiceConfig
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

// NewService wires a Service. streams may be nil when live output is not served.
func NewService(repo Repository, router Router, q Admission, streams *stream.Manager, cfg ServiceConfig) *Service {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = DefaultMaxOutputSize
	}
	return &Service{
		repo:    repo,
		router:  router,
		queue:   q,
		streams: streams,
		cfg:     cfg,
		now:     time.Now,
		logger:  log.WithComponent("execution"),
		active:  make(map[string]*activeRun),
	}
}

// Submit validates req, persists a running record and admits it to the queue.
// When the queue rejects the work the record is marked failed and the queue's
// error is returned together with the record.
func (s *Service) Submit(ctx context.Context, req Request) (*Record, error) {
	rec, err := s.newRecord(req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist execution: %w", err)
	}
	logger := log.WithExecution(rec.ID)

	var obs process.Observer
	if req.Stream && s.streams != nil {
		obs = s.streams.Open(rec.ID)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{cancel: cancel}
	s.mu.Lock()
	s.active[rec.ID] = run
	s.mu.Unlock()

	snapshot := *rec
	h, err := s.queue.Enqueue(queue.Task{
		ID:     rec.ID,
		Type:   string(rec.Type),
		NodeID: strings.Join(rec.TargetNodes, ","),
		Action: rec.Action,
		Run: func(qctx context.Context) error {
			stop := context.AfterFunc(qctx, cancel)
			defer stop()
			return s.run(runCtx, &snapshot, obs)
		},
	})
	if err != nil {
		cancel()
		s.forget(rec.ID)
		logger.Warn("execution rejected", "error", err)
		s.reject(rec, err)
		return rec, err
	}

	s.mu.Lock()
	run.handle = h
	s.mu.Unlock()

	logger.Info("execution submitted",
		"type", rec.Type, "targets", len(rec.TargetNodes), "action", rec.Action, "queue_status", h.Status())
	return rec, nil
}

func (s *Service) newRecord(req Request) (*Record, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, req.Type)
	}
	targets := dedupe(req.TargetNodes)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: at least one target node is required", ErrInvalid)
	}
	action := strings.TrimSpace(req.Action)
	if action == "" {
		switch req.Type {
		case TypeFacts:
			action = "facts"
		case TypePuppet:
			action = "puppet agent"
		default:
			return nil, fmt.Errorf("%w: action is required for %s executions", ErrInvalid, req.Type)
		}
	}

	return &Record{
		ID:                  uuid.NewString(),
		Type:                req.Type,
		TargetNodes:         targets,
		Action:              action,
		Parameters:          req.Parameters,
		Status:              StatusRunning,
		StartedAt:           s.now().UTC(),
		Results:             []NodeResult{},
		ExpertMode:          req.ExpertMode,
		OriginalExecutionID: req.OriginalExecutionID,
		SubmittedBy:         req.SubmittedBy,
	}, nil
}

func (s *Service) reject(rec *Record, cause error) {
	now := s.now().UTC()
	msg := cause.Error()
	rec.Status = StatusFailed
	rec.CompletedAt = &now
	rec.Error = msg

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.Update(ctx, rec.ID, Patch{
		Status:      ptr(StatusFailed),
		CompletedAt: &now,
		Error:       &msg,
	}); err != nil {
		s.logger.Error("failed to record rejection", "execution_id", rec.ID, "error", err)
	}
	if s.streams != nil {
		s.streams.EmitError(rec.ID, msg)
	}
}

// run executes rec on the worker goroutine the queue assigned it.
func (s *Service) run(ctx context.Context, rec *Record, obs process.Observer) error {
	defer s.forget(rec.ID)
	logger := log.WithExecution(rec.ID)

	var debug *integration.DebugContext
	if rec.ExpertMode {
		debug = integration.NewDebugContext(rec.Type.Capability())
	}
	var opts []integration.CallOption
	if obs != nil {
		opts = append(opts, integration.WithObserver(obs))
	}

	logger.Debug("execution started", "capability", rec.Type.Capability())
	res := s.router.ExecuteCapability(ctx, rec.SubmittedBy, rec.Type.Capability(), requestInput(rec), debug, opts...)
	final := s.finalize(rec, res)

	cancelled := s.settle(rec.ID)
	if cancelled {
		final.Status = StatusFailed
		final.Cancelled = true
		final.Error = "execution cancelled"
	}

	pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.repo.Update(pctx, rec.ID, patchFor(final)); err != nil {
		logger.Error("failed to persist execution result", "error", err)
	}

	if info := debug.Info(); info != nil {
		logger.Debug("execution debug", "attempts", len(info.Attempts), "errors", info.Errors)
	}
	logger.Info("execution finished",
		"status", final.Status, "tool", final.ExecutionTool, "results", len(final.Results))

	if s.streams != nil && obs != nil {
		if !res.Success || cancelled {
			s.streams.EmitError(rec.ID, final.Error)
		} else {
			s.streams.EmitComplete(rec.ID, final)
		}
	}

	if !res.Success && res.Error != nil {
		return res.Error
	}
	return nil
}

// finalize maps the router's result onto a completed copy of rec.
func (s *Service) finalize(rec *Record, res integration.CapabilityResult) *Record {
	now := s.now().UTC()
	final := *rec
	final.CompletedAt = &now
	final.ExecutionTool = res.HandledBy

	if !res.Success {
		msg := "execution failed"
		if res.Error != nil {
			msg = res.Error.Summary()
			final.ErrorCode = string(res.Error.Code)
		}
		final.Status = StatusFailed
		final.Error = msg
		final.Results = make([]NodeResult, 0, len(rec.TargetNodes))
		for _, node := range rec.TargetNodes {
			final.Results = append(final.Results, NodeResult{Node: node, Status: NodeFailed, Error: msg})
		}
		if rec.ExpertMode && res.Error != nil {
			final.Stdout = s.clip(detailString(res.Error.Details, "stdout"))
			final.Stderr = s.clip(detailString(res.Error.Details, "stderr"))
		}
		return &final
	}

	out := outcomeOf(res.Data, rec.TargetNodes)
	final.Results = clampResults(rec.TargetNodes, out.Results)
	final.Status = ComputeStatus(rec.TargetNodes, final.Results)
	if final.Status == StatusFailed {
		final.Error = firstNodeError(final.Results)
	}
	if rec.ExpertMode {
		final.Command = out.Command
		final.Stdout = s.clip(out.Stdout)
		final.Stderr = s.clip(out.Stderr)
	}
	return &final
}

func (s *Service) clip(text string) string {
	if len(text) <= s.cfg.MaxOutputSize {
		return text
	}
	return text[:s.cfg.MaxOutputSize] + outputTruncatedMarker
}

// Cancel stops an execution. Waiting work is removed from the queue and never
// runs. Running work is interrupted through its context; plugins that ignore
// the context run to completion but the record still ends failed and
// cancelled.
func (s *Service) Cancel(ctx context.Context, id string) (*Record, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("%w: %s is %s", ErrNotCancelable, id, rec.Status)
	}

	s.mu.Lock()
	run := s.active[id]
	if run == nil || run.settled {
		s.mu.Unlock()
		return rec, fmt.Errorf("%w: %s finished while cancelling", ErrNotCancelable, id)
	}
	run.cancelled = true
	s.mu.Unlock()

	dequeued := s.queue.Cancel(id)
	run.cancel()
	if dequeued {
		s.forget(id)
	}

	msg := "execution cancelled"
	if dequeued {
		msg = "execution cancelled before it started"
	}
	now := s.now().UTC()
	err = s.repo.Update(ctx, id, Patch{
		Status:         ptr(StatusFailed),
		Cancelled:      ptr(true),
		CompletedAt:    &now,
		Error:          &msg,
		RequireRunning: true,
	})
	switch {
	case errors.Is(err, ErrNotRunning):
		// The interrupted run already stored and streamed its cancelled outcome.
		return s.repo.FindByID(ctx, id)
	case err != nil:
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	if s.streams != nil {
		s.streams.EmitError(id, msg)
	}
	s.logger.Info("execution cancelled", "execution_id", id, "dequeued", dequeued)

	return s.repo.FindByID(ctx, id)
}

// ReexecuteOptions tunes Reexecute.
type ReexecuteOptions struct {
	SubmittedBy string
	Stream      bool
	// Parameters, when set, replace the original parameters.
	Parameters map[string]any
}

// Reexecute submits a new execution with the original's type, targets, action,
// parameters and expert flag, linked back through OriginalExecutionID.
func (s *Service) Reexecute(ctx context.Context, id string, opts ReexecuteOptions) (*Record, error) {
	orig, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	params := orig.Parameters
	if opts.Parameters != nil {
		params = opts.Parameters
	}
	return s.Submit(ctx, Request{
		Type:                orig.Type,
		TargetNodes:         orig.TargetNodes,
		Action:              orig.Action,
		Parameters:          params,
		ExpertMode:          orig.ExpertMode,
		Stream:              opts.Stream,
		SubmittedBy:         opts.SubmittedBy,
		OriginalExecutionID: orig.ID,
	})
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns records newest first.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalid, filter.Status)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, filter.Type)
	}
	return s.repo.List(ctx, filter)
}

// Wait blocks until the execution id has finished or ctx is done. Unknown or
// already finished ids return immediately.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	run := s.active[id]
	var h *queue.Handle
	if run != nil {
		h = run.handle
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports how many executions this Service is tracking.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ReconcileOrphans fails records left running by a previous process. Call it
// once at startup, before any Submit.
func (s *Service) ReconcileOrphans(ctx context.Context) (int, error) {
	recs, err := s.repo.List(ctx, Filter{Status: StatusRunning, Limit: MaxListLimit})
	if err != nil {
		return 0, err
	}
	msg := "interrupted by server restart"
	n := 0
	for _, rec := range recs {
		now := s.now().UTC()
		if err := s.repo.Update(ctx, rec.ID, Patch{
			Status:      ptr(StatusFailed),
			CompletedAt: &now,
			Error:       &msg,
		}); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		s.logger.Warn("orphaned executions marked failed", "count", n)
	}
	return n, nil
}

// settle fixes the outcome of a finishing run and reports whether it was
// cancelled first.
func (s *Service) settle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.active[id]
	if run == nil {
		return false
	}
	run.settled = true
	return run.cancelled
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	run := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()
	if run != nil {
		run.cancel()
	}
}

func requestInput(rec *Record) integration.Input {
	in := integration.Input{
		"targets":    rec.TargetNodes,
		"action":     rec.Action,
		"expertMode": rec.ExpertMode,
	}
	if rec.Parameters != nil {
		in["parameters"] = rec.Parameters
	}
	return in
}

func patchFor(rec *Record) Patch {
	p := Patch{
		Status:        ptr(rec.Status),
		CompletedAt:   rec.CompletedAt,
		Results:       rec.Results,
		Error:         ptr(rec.Error),
		ErrorCode:     ptr(rec.ErrorCode),
		ExecutionTool: ptr(rec.ExecutionTool),
	}
	if rec.Cancelled {
		p.Cancelled = ptr(true)
	}
	if rec.ExpertMode {
		p.Command = ptr(rec.Command)
		p.Stdout = ptr(rec.Stdout)
		p.Stderr = ptr(rec.Stderr)
	}
	return p
}

// outcomeOf interprets plugin data. Plugins that do not report per-node
// results succeed on every target with data as the value.
func outcomeOf(data any, targets []string) Outcome {
	switch v := data.(type) {
	case *Outcome:
		if v != nil {
			return *v
		}
	case Outcome:
		return v
	}
	out := Outcome{Results: make([]NodeResult, 0, len(targets))}
	for _, node := range targets {
		out.Results = append(out.Results, NodeResult{Node: node, Status: NodeSuccess, Value: data})
	}
	return out
}

// clampResults keeps the first result per target, in target order, and drops
// results for nodes that were not targeted.
func clampResults(targets []string, results []NodeResult) []NodeResult {
	byNode := make(map[string]NodeResult, len(results))
	for _, r := range results {
		if _, seen := byNode[r.Node]; !seen {
			byNode[r.Node] = r
		}
	}
	out := make([]NodeResult, 0, len(targets))
	for _, node := range targets {
		if r, ok := byNode[node]; ok {
			out = append(out, r)
		}
	}
	return out
}

func firstNodeError(results []NodeResult) string {
	for _, r := range results {
		if r.Status == NodeFailed && r.Error != "" {
			return r.Error
		}
	}
	return "execution failed on all target nodes"
}

func detailString(details map[string]any, key string) string {
	if v, ok := details[key].(string); ok {
		return v
	}
	return ""
}

func dedupe(nodes []string) []string {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
