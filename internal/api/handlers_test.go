package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

const testKey = "test-key"

// mockExecutions implements Executions for testing
type mockExecutions struct {
	submitFunc    func(ctx context.Context, req execution.Request) (*execution.Record, error)
	getFunc       func(ctx context.Context, id string) (*execution.Record, error)
	listFunc      func(ctx context.Context, filter execution.Filter) ([]*execution.Record, error)
	cancelFunc    func(ctx context.Context, id string) (*execution.Record, error)
	reexecuteFunc func(ctx context.Context, id string, opts execution.ReexecuteOptions) (*execution.Record, error)
}

func (m *mockExecutions) Submit(ctx context.Context, req execution.Request) (*execution.Record, error) {
	return m.submitFunc(ctx, req)
}

func (m *mockExecutions) Get(ctx context.Context, id string) (*execution.Record, error) {
	if m.getFunc == nil {
		return nil, execution.ErrNotFound
	}
	return m.getFunc(ctx, id)
}

func (m *mockExecutions) List(ctx context.Context, filter execution.Filter) ([]*execution.Record, error) {
	return m.listFunc(ctx, filter)
}

func (m *mockExecutions) Cancel(ctx context.Context, id string) (*execution.Record, error) {
	return m.cancelFunc(ctx, id)
}

func (m *mockExecutions) Reexecute(ctx context.Context, id string, opts execution.ReexecuteOptions) (*execution.Record, error) {
	return m.reexecuteFunc(ctx, id, opts)
}

// mockIntegrations implements Integrations for testing
type mockIntegrations struct {
	executeFunc func(ctx context.Context, user, capability string, input integration.Input, debug *integration.DebugContext) integration.CapabilityResult
	inventory   integration.AggregatedInventory
	health      map[string]integration.HealthStatus
	plugins     []integration.PluginInfo
	lastForce   bool
}

func (m *mockIntegrations) ExecuteCapability(ctx context.Context, user, capability string, input integration.Input, debug *integration.DebugContext, _ ...integration.CallOption) integration.CapabilityResult {
	return m.executeFunc(ctx, user, capability, input, debug)
}

func (m *mockIntegrations) GetAggregatedInventory(context.Context) integration.AggregatedInventory {
	return m.inventory
}

func (m *mockIntegrations) HealthCheckAll(_ context.Context, force bool) map[string]integration.HealthStatus {
	m.lastForce = force
	return m.health
}

func (m *mockIntegrations) Plugins() []integration.PluginInfo {
	return m.plugins
}

type mockQueue struct {
	snap queue.Snapshot
}

func (m *mockQueue) Status() queue.Snapshot { return m.snap }

type testEnv struct {
	server       *Server
	executions   *mockExecutions
	integrations *mockIntegrations
	queue        *mockQueue
	streams      *stream.Manager
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	env := &testEnv{
		executions:   &mockExecutions{},
		integrations: &mockIntegrations{},
		queue:        &mockQueue{snap: queue.Snapshot{Running: 1, Queued: 2, Limit: 5, MaxQueueSize: 50, Queue: []queue.Entry{}}},
		streams:      stream.NewManager(stream.Config{BufferInterval: -1}),
	}
	t.Cleanup(env.streams.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.server = New(Config{Listen: "127.0.0.1:0", APIKey: apiKey}, env.executions, env.integrations, env.queue, env.streams, logger)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewBufferString(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func runningRecord(id string) *execution.Record {
	return &execution.Record{
		ID:          id,
		Type:        execution.TypeCommand,
		TargetNodes: []string{"web1"},
		Action:      "uptime",
		Status:      execution.StatusRunning,
		StartedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Results:     []execution.NodeResult{},
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.integrations.plugins = []integration.PluginInfo{{Name: "bolt"}, {Name: "puppetdb"}}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[HealthzResponse](t, rr)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.QueueRunning)
	assert.Equal(t, 2, resp.QueueWaiting)
	assert.Equal(t, 2, resp.PluginsLoaded)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, testKey)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer " + testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			env.server.Handler().ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	env := newTestEnv(t, "")
	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	rr := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"Bearer   abc  ", "abc", false},
		{"Bearer ", "", true},
		{"Token abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractAPIKey(req)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err, tt.header)
		assert.Equal(t, tt.want, got)
	}

	assert.True(t, ValidateAPIKey("k", "k"))
	assert.False(t, ValidateAPIKey("k", ""))
	assert.False(t, ValidateAPIKey("k1", "k"))
}

func TestSubmitExecution(t *testing.T) {
	env := newTestEnv(t, testKey)
	var got execution.Request
	env.executions.submitFunc = func(_ context.Context, req execution.Request) (*execution.Record, error) {
		got = req
		return runningRecord("exec-1"), nil
	}

	rr := env.do(t, http.MethodPost, "/api/executions", SubmitRequest{
		Type:        execution.TypeCommand,
		TargetNodes: []string{"web1", "web2"},
		Action:      "uptime",
		Stream:      true,
	}, map[string]string{ExpertModeHeader: "true"})

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, "exec-1", resp.ExecutionID)
	assert.Equal(t, execution.StatusRunning, resp.Status)
	assert.Equal(t, "/api/executions/exec-1/stream", resp.StreamURL)
	assert.Equal(t, "/api/executions/exec-1/ws", resp.WebSocketURL)
	require.NotNil(t, resp.Debug)
	assert.Equal(t, "execution.submit", resp.Debug.Operation)

	assert.Equal(t, execution.TypeCommand, got.Type)
	assert.Equal(t, []string{"web1", "web2"}, got.TargetNodes)
	assert.True(t, got.ExpertMode, "header should turn on expert mode")
	assert.True(t, got.Stream)
	assert.Equal(t, "api", got.SubmittedBy)
}

func TestSubmitExecutionWithoutExpertModeHasNoDebug(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.executions.submitFunc = func(context.Context, execution.Request) (*execution.Record, error) {
		return runningRecord("exec-2"), nil
	}

	rr := env.do(t, http.MethodPost, "/api/executions", `{"type":"facts","targetNodes":["db1"]}`, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.NotContains(t, rr.Body.String(), "_debug")
	assert.NotContains(t, rr.Body.String(), "streamUrl")
}

func TestSubmitExecutionErrors(t *testing.T) {
	failed := runningRecord("exec-full")
	failed.Status = execution.StatusFailed

	tests := []struct {
		name     string
		body     string
		rec      *execution.Record
		err      error
		wantCode int
		wantID   string
	}{
		{name: "invalid json", body: `{"type":`, wantCode: http.StatusBadRequest},
		{name: "unknown field", body: `{"typo":"command"}`, wantCode: http.StatusBadRequest},
		{name: "validation", body: `{"type":"bogus"}`, err: execution.ErrInvalid, wantCode: http.StatusBadRequest},
		{name: "queue full", body: `{"type":"command"}`, rec: failed, err: queue.ErrQueueFull, wantCode: http.StatusTooManyRequests, wantID: "exec-full"},
		{name: "queue closed", body: `{"type":"command"}`, err: queue.ErrClosed, wantCode: http.StatusServiceUnavailable},
		{name: "storage failure", body: `{"type":"command"}`, err: errors.New("disk on fire"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testKey)
			env.executions.submitFunc = func(context.Context, execution.Request) (*execution.Record, error) {
				return tt.rec, tt.err
			}

			rr := env.do(t, http.MethodPost, "/api/executions", tt.body, nil)
			require.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
			resp := decode[ErrorResponse](t, rr)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantID, resp.ExecutionID)
			assert.NotContains(t, resp.Error, "disk on fire")
		})
	}
}

func TestListExecutions(t *testing.T) {
	env := newTestEnv(t, testKey)
	var got execution.Filter
	env.executions.listFunc = func(_ context.Context, f execution.Filter) ([]*execution.Record, error) {
		got = f
		if f.Status == "bogus" {
			return nil, execution.ErrInvalid
		}
		return []*execution.Record{runningRecord("a"), runningRecord("b")}, nil
	}

	rr := env.do(t, http.MethodGet, "/api/executions?status=running&type=command&limit=10&offset=5", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[ExecutionListResponse](t, rr)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, execution.Filter{Status: execution.StatusRunning, Type: execution.TypeCommand, Limit: 10, Offset: 5}, got)

	rr = env.do(t, http.MethodGet, "/api/executions?limit=100000", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, maxListLimit, got.Limit)

	rr = env.do(t, http.MethodGet, "/api/executions", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, defaultListLimit, got.Limit)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/executions?limit=zero", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/executions?offset=-1", nil, nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/executions?status=bogus", nil, nil).Code)
}

func TestListExecutionsEmptyIsArray(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.executions.listFunc = func(context.Context, execution.Filter) ([]*execution.Record, error) {
		return nil, nil
	}
	rr := env.do(t, http.MethodGet, "/api/executions", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"executions":[]`)
}

func TestGetExecution(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.executions.getFunc = func(_ context.Context, id string) (*execution.Record, error) {
		if id != "exec-1" {
			return nil, execution.ErrNotFound
		}
		return runningRecord(id), nil
	}

	rr := env.do(t, http.MethodGet, "/api/executions/exec-1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rec := decode[execution.Record](t, rr)
	assert.Equal(t, "exec-1", rec.ID)
	assert.Equal(t, "uptime", rec.Action)
	assert.NotContains(t, rr.Body.String(), "_debug")

	rr = env.do(t, http.MethodGet, "/api/executions/exec-1", nil, map[string]string{ExpertModeHeader: "1"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"_debug"`)

	rr = env.do(t, http.MethodGet, "/api/executions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCancelExecution(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.executions.cancelFunc = func(_ context.Context, id string) (*execution.Record, error) {
		switch id {
		case "done":
			return nil, execution.ErrNotCancelable
		case "missing":
			return nil, execution.ErrNotFound
		}
		rec := runningRecord(id)
		rec.Status = execution.StatusFailed
		rec.Cancelled = true
		return rec, nil
	}

	rr := env.do(t, http.MethodPost, "/api/executions/exec-1/cancel", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rec := decode[execution.Record](t, rr)
	assert.True(t, rec.Cancelled)
	assert.Equal(t, execution.StatusFailed, rec.Status)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/api/executions/done/cancel", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/executions/missing/cancel", nil, nil).Code)
}

func TestReexecute(t *testing.T) {
	env := newTestEnv(t, testKey)
	var gotID string
	var gotOpts execution.ReexecuteOptions
	env.executions.reexecuteFunc = func(_ context.Context, id string, opts execution.ReexecuteOptions) (*execution.Record, error) {
		gotID, gotOpts = id, opts
		rec := runningRecord("exec-2")
		rec.OriginalExecutionID = id
		return rec, nil
	}

	rr := env.do(t, http.MethodPost, "/api/executions/exec-1/reexecute",
		`{"parameters":{"package":"nginx"},"submittedBy":"ops"}`, nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	resp := decode[SubmitResponse](t, rr)
	assert.Equal(t, "exec-2", resp.ExecutionID)
	assert.Equal(t, "exec-1", gotID)
	assert.Equal(t, "ops", gotOpts.SubmittedBy)
	assert.Equal(t, map[string]any{"package": "nginx"}, gotOpts.Parameters)

	rr = env.do(t, http.MethodPost, "/api/executions/exec-1/reexecute", nil, nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, "api", gotOpts.SubmittedBy)
	assert.Nil(t, gotOpts.Parameters)
}

func TestQueueSnapshot(t *testing.T) {
	env := newTestEnv(t, testKey)
	rr := env.do(t, http.MethodGet, "/api/queue", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decode[queue.Snapshot](t, rr)
	assert.Equal(t, env.queue.snap, snap)
}

func TestInventory(t *testing.T) {
	env := newTestEnv(t, testKey)
	promErr := &pluginerr.Normalized{Code: pluginerr.CodeConnection, Message: "cannot reach host"}
	env.integrations.inventory = integration.AggregatedInventory{
		Nodes: []integration.Node{
			{Name: "web1", Source: "puppetdb", Groups: []string{"production"}},
			{Name: "web1", Source: "bolt", Transport: "ssh"},
			{Name: "db1", Source: "bolt"},
		},
		Sources: map[string]integration.SourceStatus{
			"puppetdb":   {Status: integration.SourceHealthy, NodeCount: 1},
			"bolt":       {Status: integration.SourceHealthy, NodeCount: 2},
			"prometheus": {Status: integration.SourceUnavailable, Error: promErr},
		},
	}

	rr := env.do(t, http.MethodGet, "/api/inventory", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[InventoryResponse](t, rr)
	assert.Len(t, resp.Nodes, 3)
	assert.Len(t, resp.Sources, 3)
	assert.Equal(t, integration.SourceUnavailable, resp.Sources["prometheus"].Status)

	rr = env.do(t, http.MethodGet, "/api/inventory?source=bolt", nil, nil)
	resp = decode[InventoryResponse](t, rr)
	require.Len(t, resp.Nodes, 2)
	for _, n := range resp.Nodes {
		assert.Equal(t, "bolt", n.Source)
	}

	rr = env.do(t, http.MethodGet, "/api/inventory?linked=true", nil, map[string]string{ExpertModeHeader: "true"})
	resp = decode[InventoryResponse](t, rr)
	require.Len(t, resp.LinkedNodes, 2)
	assert.Empty(t, resp.Nodes)
	require.NotNil(t, resp.Debug)
	assert.Contains(t, resp.Debug.Errors, "prometheus: CONNECTION_ERROR: cannot reach host")
}

func TestIntegrationHealth(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.integrations.health = map[string]integration.HealthStatus{
		"bolt":     {Healthy: true, Message: "bolt 3.29.0"},
		"puppetdb": {Healthy: false, Message: "connection refused"},
	}

	rr := env.do(t, http.MethodGet, "/api/integrations/health?force=true", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[IntegrationHealthResponse](t, rr)
	assert.False(t, resp.Healthy)
	assert.Len(t, resp.Plugins, 2)
	assert.True(t, env.integrations.lastForce)

	env.do(t, http.MethodGet, "/api/integrations/health", nil, nil)
	assert.False(t, env.integrations.lastForce)
}

func TestListPlugins(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.integrations.plugins = []integration.PluginInfo{{Name: "bolt", Type: integration.TypeBoth, Priority: 5, Enabled: true}}

	rr := env.do(t, http.MethodGet, "/api/integrations", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[PluginsResponse](t, rr)
	require.Len(t, resp.Plugins, 1)
	assert.Equal(t, "bolt", resp.Plugins[0].Name)
}

func TestCapabilityRejectsExecutionCapabilities(t *testing.T) {
	env := newTestEnv(t, testKey)
	env.integrations.executeFunc = func(context.Context, string, string, integration.Input, *integration.DebugContext) integration.CapabilityResult {
		t.Fatal("router must not be called")
		return integration.CapabilityResult{}
	}

	rr := env.do(t, http.MethodPost, "/api/capabilities/command.execute", `{"input":{"action":"rm -rf /"}}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "/api/executions")
}

func TestCapabilityCall(t *testing.T) {
	env := newTestEnv(t, testKey)
	var gotUser, gotCap string
	var gotInput integration.Input
	env.integrations.executeFunc = func(_ context.Context, user, capability string, input integration.Input, debug *integration.DebugContext) integration.CapabilityResult {
		gotUser, gotCap, gotInput = user, capability, input
		debug.Set("query", input.String("query"))
		return integration.CapabilityResult{Success: true, Data: map[string]any{"resultType": "vector"}, HandledBy: "prometheus"}
	}

	rr := env.do(t, http.MethodPost, "/api/capabilities/metrics.query",
		`{"input":{"query":"up"},"user":"alice"}`, map[string]string{ExpertModeHeader: "true"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[CapabilityResponse](t, rr)
	assert.True(t, resp.Success)
	assert.Equal(t, "prometheus", resp.HandledBy)
	require.NotNil(t, resp.Debug)
	assert.Equal(t, "metrics.query", resp.Debug.Operation)
	assert.Equal(t, "up", resp.Debug.Metadata["query"])

	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "metrics.query", gotCap)
	assert.Equal(t, "up", gotInput.String("query"))
}

func TestCapabilityFailureStatus(t *testing.T) {
	tests := []struct {
		code pluginerr.Code
		want int
	}{
		{pluginerr.CodeQuery, http.StatusBadRequest},
		{pluginerr.CodeTimeout, http.StatusGatewayTimeout},
		{pluginerr.CodeConnection, http.StatusBadGateway},
		{pluginerr.CodeNotFound, http.StatusNotFound},
		{pluginerr.CodeParse, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			env := newTestEnv(t, testKey)
			env.integrations.executeFunc = func(context.Context, string, string, integration.Input, *integration.DebugContext) integration.CapabilityResult {
				return integration.CapabilityResult{Error: &pluginerr.Normalized{Code: tt.code, Message: "boom"}}
			}

			rr := env.do(t, http.MethodPost, "/api/capabilities/metrics.query", nil, nil)
			require.Equal(t, tt.want, rr.Code)
			resp := decode[CapabilityResponse](t, rr)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestStatusForCode(t *testing.T) {
	tests := map[pluginerr.Code]int{
		pluginerr.CodeNotFound:          http.StatusNotFound,
		pluginerr.CodeInventoryNotFound: http.StatusNotFound,
		pluginerr.CodeTaskNotFound:      http.StatusNotFound,
		pluginerr.CodeTaskParameter:     http.StatusBadRequest,
		pluginerr.CodeQuery:             http.StatusBadRequest,
		pluginerr.CodeAuthentication:    http.StatusForbidden,
		pluginerr.CodeTimeout:           http.StatusGatewayTimeout,
		pluginerr.CodeConnection:        http.StatusBadGateway,
		pluginerr.CodeNodeUnreachable:   http.StatusBadGateway,
		pluginerr.CodeExecution:         http.StatusInternalServerError,
		pluginerr.CodeConfiguration:     http.StatusInternalServerError,
		pluginerr.CodeUnknown:           http.StatusInternalServerError,
	}
	for code, want := range tests {
		assert.Equal(t, want, StatusForCode(code), code)
	}
}
