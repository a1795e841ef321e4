package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
)

const (
	// ExpertModeHeader asks for a _debug block in the response.
	ExpertModeHeader = "X-Expert-Mode"

	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
	defaultSubmitter = "api"
)

var executionCapabilities = map[string]execution.Type{
	integration.CapCommandExecute: execution.TypeCommand,
	integration.CapTaskExecute:    execution.TypeTask,
	integration.CapFactsGather:    execution.TypeFacts,
	integration.CapPuppetRun:      execution.TypePuppet,
	integration.CapPackageInstall: execution.TypePackage,
}

func expertMode(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.Header.Get(ExpertModeHeader))
	return v
}

// debugFor starts a debug context when the request is in expert mode.
func debugFor(r *http.Request, operation string) *integration.DebugContext {
	if !expertMode(r) {
		return nil
	}
	d := integration.NewDebugContext(operation)
	d.Set("request_path", r.URL.Path)
	return d
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.queue.Status()
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueRunning:  snap.Running,
		QueueWaiting:  snap.Queued,
		PluginsLoaded: len(s.integrations.Plugins()),
	})
}

// handleSubmit handles POST /api/executions
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	debug := debugFor(r, "execution.submit")
	if req.SubmittedBy == "" {
		req.SubmittedBy = defaultSubmitter
	}

	rec, err := s.executions.Submit(r.Context(), execution.Request{
		Type:        req.Type,
		TargetNodes: req.TargetNodes,
		Action:      req.Action,
		Parameters:  req.Parameters,
		ExpertMode:  req.ExpertMode || expertMode(r),
		Stream:      req.Stream,
		SubmittedBy: req.SubmittedBy,
	})
	if err != nil {
		id := ""
		if rec != nil {
			id = rec.ID
		}
		s.writeServiceError(w, err, id)
		return
	}
	debug.Set("execution_id", rec.ID)

	resp := SubmitResponse{
		ExecutionID: rec.ID,
		Status:      rec.Status,
		Debug:       debug.Info(),
	}
	if req.Stream {
		resp.StreamURL = "/api/executions/" + rec.ID + "/stream"
		resp.WebSocketURL = "/api/executions/" + rec.ID + "/ws"
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleListExecutions handles GET /api/executions
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultListLimit)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	debug := debugFor(r, "execution.list")

	filter := execution.Filter{
		Status: execution.Status(q.Get("status")),
		Type:   execution.Type(q.Get("type")),
		Limit:  limit,
		Offset: offset,
	}
	records, err := s.executions.List(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err, "")
		return
	}
	if records == nil {
		records = []*execution.Record{}
	}
	debug.Set("filter", filter)

	respondJSON(w, http.StatusOK, ExecutionListResponse{
		Executions: records,
		Count:      len(records),
		Limit:      limit,
		Offset:     offset,
		Debug:      debug.Info(),
	})
}

// handleGetExecution handles GET /api/executions/{id}
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	debug := debugFor(r, "execution.get")

	rec, err := s.executions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, id)
		return
	}
	respondJSON(w, http.StatusOK, ExecutionResponse{Record: rec, Debug: debug.Info()})
}

// handleCancel handles POST /api/executions/{id}/cancel
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	debug := debugFor(r, "execution.cancel")

	rec, err := s.executions.Cancel(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, id)
		return
	}
	respondJSON(w, http.StatusOK, ExecutionResponse{Record: rec, Debug: debug.Info()})
}

// handleReexecute handles POST /api/executions/{id}/reexecute
func (s *Server) handleReexecute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ReexecuteRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = defaultSubmitter
	}
	debug := debugFor(r, "execution.reexecute")
	debug.Set("original_execution_id", id)

	rec, err := s.executions.Reexecute(r.Context(), id, execution.ReexecuteOptions{
		SubmittedBy: req.SubmittedBy,
		Stream:      req.Stream,
		Parameters:  req.Parameters,
	})
	if err != nil {
		execID := id
		if rec != nil {
			execID = rec.ID
		}
		s.writeServiceError(w, err, execID)
		return
	}

	resp := SubmitResponse{ExecutionID: rec.ID, Status: rec.Status, Debug: debug.Info()}
	if req.Stream {
		resp.StreamURL = "/api/executions/" + rec.ID + "/stream"
		resp.WebSocketURL = "/api/executions/" + rec.ID + "/ws"
	}
	respondJSON(w, http.StatusAccepted, resp)
}

// handleQueue handles GET /api/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.queue.Status())
}

// handleInventory handles GET /api/inventory?linked=&source=
func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	linked, _ := strconv.ParseBool(q.Get("linked"))
	var sources []string
	for _, v := range q["source"] {
		for _, src := range strings.Split(v, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
	}
	debug := debugFor(r, "inventory.list")

	inv := s.integrations.GetAggregatedInventory(r.Context())
	nodes := integration.FilterBySource(inv.Nodes, sources...)
	for name, st := range inv.Sources {
		debug.Set("source."+name, st.Status)
		if st.Error != nil {
			debug.AddError(name + ": " + st.Error.Summary())
		}
	}

	resp := InventoryResponse{Sources: inv.Sources, Debug: debug.Info()}
	if linked {
		resp.LinkedNodes = integration.LinkNodes(nodes)
	} else {
		resp.Nodes = nodes
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePlugins handles GET /api/integrations
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PluginsResponse{Plugins: s.integrations.Plugins()})
}

// handleIntegrationHealth handles GET /api/integrations/health?force=
func (s *Server) handleIntegrationHealth(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	statuses := s.integrations.HealthCheckAll(r.Context(), force)

	healthy := true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
			break
		}
	}
	respondJSON(w, http.StatusOK, IntegrationHealthResponse{Healthy: healthy, Plugins: statuses})
}

// handleCapability handles POST /api/capabilities/{capability}. Capabilities
// that act on nodes go through /api/executions so they get a record.
func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	capability := chi.URLParam(r, "capability")
	if typ, ok := executionCapabilities[capability]; ok {
		s.writeError(w, http.StatusBadRequest,
			"capability "+capability+" runs on nodes; submit a "+string(typ)+" execution to /api/executions")
		return
	}

	var req CapabilityRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.User == "" {
		req.User = defaultSubmitter
	}
	debug := debugFor(r, capability)

	res := s.integrations.ExecuteCapability(r.Context(), req.User, capability, req.Input, debug)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
		if res.Error != nil {
			status = StatusForCode(res.Error.Code)
		}
	}
	respondJSON(w, status, CapabilityResponse{CapabilityResult: res, Debug: debug.Info()})
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
