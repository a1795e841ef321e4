// Package prometheus is an information source backed by the Prometheus HTTP
// API. The inventory is derived from the "up" series; metrics.query runs an
// instant query.
package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/integrations/httpx"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

// Name is the plugin name prometheus registers under.
const Name = "prometheus"

const (
	healthPath = "/-/healthy"
	queryPath  = "/api/v1/query"

	defaultNodeLabel = "instance"
	inventoryQuery   = "up"
)

// Config configures the plugin.
type Config struct {
	HTTP httpx.Config
	// NodeLabel is the series label naming the node. Defaults to "instance",
	// whose port suffix is stripped.
	NodeLabel string
}

// Plugin queries Prometheus.
type Plugin struct {
	cfg    Config
	client *httpx.Client
	logger *slog.Logger

	mu          sync.RWMutex
	initialized bool
}

// New validates cfg and builds the plugin. It does not contact Prometheus.
func New(cfg Config) (*Plugin, error) {
	cfg.HTTP.Plugin = Name
	if cfg.NodeLabel == "" {
		cfg.NodeLabel = defaultNodeLabel
	}
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &Plugin{cfg: cfg, client: client, logger: log.WithPlugin(Name)}, nil
}

func (p *Plugin) Name() string           { return Name }
func (p *Plugin) Type() integration.Type { return integration.TypeInformation }

func (p *Plugin) Capabilities() []string {
	return []string{integration.CapInventoryList, integration.CapMetricsQuery}
}

// Initialize checks that the server reports itself healthy.
func (p *Plugin) Initialize(ctx context.Context) error {
	if _, err := p.client.Get(ctx, healthPath, nil); err != nil {
		return err
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	p.logger.Info("prometheus available", "url", p.client.BaseURL())
	return nil
}

func (p *Plugin) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

func (p *Plugin) HealthCheck(ctx context.Context) integration.HealthStatus {
	status := integration.HealthStatus{CheckedAt: time.Now().UTC()}
	body, err := p.client.Get(ctx, healthPath, nil)
	if err != nil {
		status.Message = err.Error()
		status.Details = map[string]any{"code": pluginerr.CodeOf(err)}
		return status
	}
	status.Healthy = true
	status.Message = strings.TrimSpace(string(body))
	status.Details = map[string]any{"url": p.client.BaseURL()}
	return status
}

// ExecuteCapability serves inventory.list and metrics.query.
func (p *Plugin) ExecuteCapability(ctx context.Context, call integration.Call) (any, error) {
	switch call.Capability {
	case integration.CapInventoryList:
		return p.GetInventory(ctx)
	case integration.CapMetricsQuery:
		query := call.Input.String("query")
		if query == "" {
			query = call.Input.String("action")
		}
		call.Debug.Set("query", query)
		return p.Query(ctx, query, call.Input.String("time"))
	}
	return nil, pluginerr.New(pluginerr.CodePlugin, fmt.Sprintf("prometheus does not support capability %q", call.Capability))
}

// Sample is one series of a query result. Instant vectors and scalars carry
// Value; range vectors carry Values.
type Sample struct {
	Metric    map[string]string `json:"metric,omitempty"`
	Value     *float64          `json:"value,omitempty"`
	Timestamp *time.Time        `json:"timestamp,omitempty"`
	Values    []Point           `json:"values,omitempty"`
}

// Point is a timestamped value of a range vector.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// QueryResult is the decoded data of an instant query.
type QueryResult struct {
	Query      string   `json:"query"`
	ResultType string   `json:"resultType"`
	Samples    []Sample `json:"samples"`
}

type apiResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Error     string `json:"error"`
	Data      struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type series struct {
	Metric map[string]string   `json:"metric"`
	Value  []json.RawMessage   `json:"value"`
	Values [][]json.RawMessage `json:"values"`
}

// Query runs an instant query. at is an optional RFC3339 or unix timestamp.
func (p *Plugin) Query(ctx context.Context, query, at string) (*QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, pluginerr.Query("query is empty", nil)
	}
	params := url.Values{"query": {query}}
	if at != "" {
		params.Set("time", at)
	}

	var resp apiResponse
	if err := p.client.GetJSON(ctx, queryPath, params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		e := pluginerr.Query(fmt.Sprintf("prometheus %s: %s", resp.ErrorType, resp.Error), nil)
		e.Plugin = Name
		return nil, e
	}

	samples, err := decodeResult(resp.Data.ResultType, resp.Data.Result)
	if err != nil {
		return nil, &pluginerr.ParseError{Message: "decode query result", Plugin: Name, Raw: string(resp.Data.Result), Err: err}
	}
	return &QueryResult{Query: query, ResultType: resp.Data.ResultType, Samples: samples}, nil
}

func decodeResult(resultType string, raw json.RawMessage) ([]Sample, error) {
	switch resultType {
	case "scalar", "string":
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil {
			return nil, err
		}
		ts, v, err := decodePoint(pair)
		if err != nil {
			return nil, err
		}
		return []Sample{{Value: &v, Timestamp: &ts}}, nil
	case "vector", "matrix":
		var list []series
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		out := make([]Sample, 0, len(list))
		for _, s := range list {
			sample := Sample{Metric: s.Metric}
			if s.Value != nil {
				ts, v, err := decodePoint(s.Value)
				if err != nil {
					return nil, err
				}
				sample.Value, sample.Timestamp = &v, &ts
			}
			for _, pt := range s.Values {
				ts, v, err := decodePoint(pt)
				if err != nil {
					return nil, err
				}
				sample.Values = append(sample.Values, Point{Timestamp: ts, Value: v})
			}
			out = append(out, sample)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown result type %q", resultType)
}

// decodePoint decodes Prometheus' [unix_seconds, "value"] pair.
func decodePoint(pair []json.RawMessage) (time.Time, float64, error) {
	if len(pair) != 2 {
		return time.Time{}, 0, fmt.Errorf("expected [timestamp, value], got %d elements", len(pair))
	}
	var secs float64
	if err := json.Unmarshal(pair[0], &secs); err != nil {
		return time.Time{}, 0, fmt.Errorf("timestamp: %w", err)
	}
	var s string
	if err := json.Unmarshal(pair[1], &s); err != nil {
		return time.Time{}, 0, fmt.Errorf("value: %w", err)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("value: %w", err)
	}
	ts := time.UnixMilli(int64(secs * 1000)).UTC()
	return ts, v, nil
}

// GetInventory lists the nodes scraped by Prometheus. A node scraped by
// several jobs appears once, with the jobs as groups.
func (p *Plugin) GetInventory(ctx context.Context) ([]integration.Node, error) {
	res, err := p.Query(ctx, inventoryQuery, "")
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*integration.Node)
	var order []string
	for _, s := range res.Samples {
		name := p.nodeName(s.Metric)
		if name == "" {
			continue
		}
		n, ok := byName[name]
		if !ok {
			n = &integration.Node{Name: name, URI: name, Transport: "ssh", Config: map[string]any{"up": false}}
			byName[name] = n
			order = append(order, name)
		}
		if job := s.Metric["job"]; job != "" && !containsString(n.Groups, job) {
			n.Groups = append(n.Groups, job)
		}
		if s.Value != nil && *s.Value == 1 {
			n.Config["up"] = true
		}
	}

	sort.Strings(order)
	out := make([]integration.Node, 0, len(order))
	for _, name := range order {
		n := byName[name]
		sort.Strings(n.Groups)
		out = append(out, *n)
	}
	return out, nil
}

func (p *Plugin) nodeName(metric map[string]string) string {
	v := metric[p.cfg.NodeLabel]
	if p.cfg.NodeLabel != defaultNodeLabel {
		return v
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		return host
	}
	return v
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
