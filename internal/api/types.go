package api

import (
	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
)

// SubmitRequest is the JSON body for POST /api/executions
type SubmitRequest struct {
	Type        execution.Type `json:"type"`
	TargetNodes []string       `json:"targetNodes"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	ExpertMode  bool           `json:"expertMode,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	SubmittedBy string         `json:"submittedBy,omitempty"`
}

// SubmitResponse is returned once an execution is admitted.
type SubmitResponse struct {
	ExecutionID  string                 `json:"executionId"`
	Status       execution.Status       `json:"status"`
	StreamURL    string                 `json:"streamUrl,omitempty"`
	WebSocketURL string                 `json:"wsUrl,omitempty"`
	Debug        *integration.DebugInfo `json:"_debug,omitempty"`
}

// ReexecuteRequest is the optional JSON body for POST /api/executions/{id}/reexecute
type ReexecuteRequest struct {
	Parameters  map[string]any `json:"parameters,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	SubmittedBy string         `json:"submittedBy,omitempty"`
}

// ExecutionResponse wraps a record with optional debug info.
type ExecutionResponse struct {
	*execution.Record
	Debug *integration.DebugInfo `json:"_debug,omitempty"`
}

// ExecutionListResponse is returned by GET /api/executions
type ExecutionListResponse struct {
	Executions []*execution.Record    `json:"executions"`
	Count      int                    `json:"count"`
	Limit      int                    `json:"limit"`
	Offset     int                    `json:"offset"`
	Debug      *integration.DebugInfo `json:"_debug,omitempty"`
}

// InventoryResponse is returned by GET /api/inventory. LinkedNodes replaces
// Nodes when the linked query parameter is set.
type InventoryResponse struct {
	Nodes       []integration.Node                  `json:"nodes,omitempty"`
	LinkedNodes []integration.LinkedNode            `json:"linkedNodes,omitempty"`
	Sources     map[string]integration.SourceStatus `json:"sources"`
	Debug       *integration.DebugInfo              `json:"_debug,omitempty"`
}

// IntegrationHealthResponse is returned by GET /api/integrations/health
type IntegrationHealthResponse struct {
	Healthy bool                                `json:"healthy"`
	Plugins map[string]integration.HealthStatus `json:"plugins"`
}

// PluginsResponse is returned by GET /api/integrations
type PluginsResponse struct {
	Plugins []integration.PluginInfo `json:"plugins"`
}

// CapabilityRequest is the JSON body for POST /api/capabilities/{capability}
type CapabilityRequest struct {
	Input integration.Input `json:"input,omitempty"`
	User  string            `json:"user,omitempty"`
}

// CapabilityResponse is the router's result with optional debug info.
type CapabilityResponse struct {
	integration.CapabilityResult
	Debug *integration.DebugInfo `json:"_debug,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error       string         `json:"error"`
	Code        string         `json:"code,omitempty"`
	ExecutionID string         `json:"executionId,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueRunning  int    `json:"queue_running"`
	QueueWaiting  int    `json:"queue_waiting"`
	PluginsLoaded int    `json:"plugins_loaded"`
}
