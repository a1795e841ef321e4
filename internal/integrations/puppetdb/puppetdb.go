// Package puppetdb is a read-only information source backed by the PuppetDB
// query API. It lists active nodes and serves stored facts, so fact gathering
// can be answered without touching the nodes.
package puppetdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/integrations/httpx"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

// Name is the plugin name puppetdb registers under.
const Name = "puppetdb"

const (
	versionPath = "/pdb/meta/v1/version"
	nodesPath   = "/pdb/query/v4/nodes"
	factsPath   = "/pdb/query/v4/facts"
)

// Config configures the plugin. HTTP.Plugin is forced to Name.
type Config struct {
	HTTP httpx.Config
}

// Plugin queries PuppetDB.
type Plugin struct {
	client *httpx.Client
	logger *slog.Logger

	mu          sync.RWMutex
	initialized bool
	version     string
}

// New validates cfg and builds the plugin. It does not contact PuppetDB.
func New(cfg Config) (*Plugin, error) {
	cfg.HTTP.Plugin = Name
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &Plugin{client: client, logger: log.WithPlugin(Name)}, nil
}

func (p *Plugin) Name() string           { return Name }
func (p *Plugin) Type() integration.Type { return integration.TypeInformation }

func (p *Plugin) Capabilities() []string {
	return []string{integration.CapInventoryList, integration.CapFactsGather}
}

// Initialize reads the PuppetDB version.
func (p *Plugin) Initialize(ctx context.Context) error {
	v, err := p.fetchVersion(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.initialized = true
	p.version = v
	p.mu.Unlock()
	p.logger.Info("puppetdb available", "version", v, "url", p.client.BaseURL())
	return nil
}

func (p *Plugin) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// Version returns the PuppetDB version seen at initialization.
func (p *Plugin) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// HealthCheck queries the version endpoint.
func (p *Plugin) HealthCheck(ctx context.Context) integration.HealthStatus {
	status := integration.HealthStatus{CheckedAt: time.Now().UTC()}
	v, err := p.fetchVersion(ctx)
	if err != nil {
		status.Message = err.Error()
		status.Details = map[string]any{"code": pluginerr.CodeOf(err)}
		return status
	}
	status.Healthy = true
	status.Message = "puppetdb " + v
	status.Details = map[string]any{"version": v, "url": p.client.BaseURL()}
	return status
}

func (p *Plugin) fetchVersion(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := p.client.GetJSON(ctx, versionPath, nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// ExecuteCapability serves inventory.list and facts.gather.
func (p *Plugin) ExecuteCapability(ctx context.Context, call integration.Call) (any, error) {
	switch call.Capability {
	case integration.CapInventoryList:
		return p.GetInventory(ctx)
	case integration.CapFactsGather:
		return p.GatherFacts(ctx, call)
	}
	return nil, pluginerr.New(pluginerr.CodePlugin, fmt.Sprintf("puppetdb does not support capability %q", call.Capability))
}

type node struct {
	Certname           string  `json:"certname"`
	Deactivated        *string `json:"deactivated"`
	Expired            *string `json:"expired"`
	FactsEnvironment   string  `json:"facts_environment"`
	ReportTimestamp    *string `json:"report_timestamp"`
	LatestReportStatus *string `json:"latest_report_status"`
}

// GetInventory lists the active nodes known to PuppetDB.
func (p *Plugin) GetInventory(ctx context.Context) ([]integration.Node, error) {
	var rows []node
	if err := p.client.GetJSON(ctx, nodesPath, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]integration.Node, 0, len(rows))
	for _, r := range rows {
		if r.Certname == "" || r.Deactivated != nil || r.Expired != nil {
			continue
		}
		cfg := map[string]any{}
		if r.FactsEnvironment != "" {
			cfg["environment"] = r.FactsEnvironment
		}
		if r.LatestReportStatus != nil {
			cfg["latest_report_status"] = *r.LatestReportStatus
		}
		if r.ReportTimestamp != nil {
			cfg["report_timestamp"] = *r.ReportTimestamp
		}
		n := integration.Node{Name: r.Certname, URI: r.Certname, Transport: "ssh"}
		if len(cfg) > 0 {
			n.Config = cfg
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fact struct {
	Certname string          `json:"certname"`
	Name     string          `json:"name"`
	Value    json.RawMessage `json:"value"`
}

// GatherFacts returns the stored facts of every target in one query. Targets
// PuppetDB has no facts for are reported as failed nodes; when none of them
// has facts the call fails with NOT_FOUND.
func (p *Plugin) GatherFacts(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	targets := call.Input.Strings("targets")
	if len(targets) == 0 {
		return nil, pluginerr.New(pluginerr.CodePlugin, "at least one target is required")
	}

	query, err := certnameQuery(targets)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	var rows []fact
	if err := p.client.GetJSON(ctx, factsPath, query, &rows); err != nil {
		return nil, err
	}
	elapsed := time.Since(start).Milliseconds()
	call.Debug.Set("url", p.client.BaseURL()+factsPath)
	call.Debug.Set("facts", len(rows))

	byNode := make(map[string]map[string]any, len(targets))
	for _, f := range rows {
		var v any
		if err := json.Unmarshal(f.Value, &v); err != nil {
			return nil, &pluginerr.ParseError{
				Message: fmt.Sprintf("decode fact %s of %s", f.Name, f.Certname),
				Plugin:  Name,
				Raw:     string(f.Value),
				Err:     err,
			}
		}
		if byNode[f.Certname] == nil {
			byNode[f.Certname] = make(map[string]any)
		}
		byNode[f.Certname][f.Name] = v
	}

	outcome := &execution.Outcome{Results: make([]execution.NodeResult, 0, len(targets))}
	found := 0
	for _, t := range targets {
		r := execution.NodeResult{Node: t, DurationMs: elapsed}
		if facts, ok := byNode[t]; ok {
			r.Status = execution.NodeSuccess
			r.Value = facts
			found++
		} else {
			r.Status = execution.NodeFailed
			r.Error = fmt.Sprintf("no facts in PuppetDB for %s", t)
		}
		outcome.Results = append(outcome.Results, r)
	}
	if found == 0 {
		// Nothing stored; the router moves on to a live gather.
		e := pluginerr.NotFound(fmt.Sprintf("no facts in PuppetDB for %s", strings.Join(targets, ", ")))
		e.Plugin = Name
		return nil, e
	}
	return outcome, nil
}

// certnameQuery builds a PuppetDB AST query matching any of targets.
func certnameQuery(targets []string) (url.Values, error) {
	clauses := make([]any, 0, len(targets))
	for _, t := range targets {
		clauses = append(clauses, []any{"=", "certname", t})
	}
	q := append([]any{"or"}, clauses...)
	if len(targets) == 1 {
		q = clauses[0].([]any)
	}
	raw, err := json.Marshal(q)
	if err != nil {
		return nil, pluginerr.Query("encode facts query", err)
	}
	return url.Values{"query": {string(raw)}}, nil
}
