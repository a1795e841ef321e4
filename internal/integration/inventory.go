package integration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
)

// Source health values reported with inventory.
const (
	SourceHealthy     = "healthy"
	SourceUnavailable = "unavailable"
)

// SourceStatus describes one source's contribution to an inventory.
type SourceStatus struct {
	Status     string                `json:"status"`
	NodeCount  int                   `json:"nodeCount"`
	DurationMs int64                 `json:"durationMs"`
	Error      *pluginerr.Normalized `json:"error,omitempty"`
}

// AggregatedInventory is every source's nodes, concatenated.
type AggregatedInventory struct {
	Nodes   []Node                  `json:"nodes"`
	Sources map[string]SourceStatus `json:"sources"`
}

// LinkedNode merges entries for the same node name across sources.
type LinkedNode struct {
	Name      string         `json:"name"`
	URI       string         `json:"uri,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Sources   []string       `json:"sources"`
	Groups    []string       `json:"groups,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// LinkedInventory is the inventory with duplicates merged.
type LinkedInventory struct {
	Nodes   []LinkedNode            `json:"nodes"`
	Sources map[string]SourceStatus `json:"sources"`
}

type sourceResult struct {
	name     string
	priority int
	order    int
	nodes    []Node
	status   SourceStatus
}

// GetAggregatedInventory queries every enabled inventory source concurrently.
// A failing source contributes no nodes and is reported unavailable; it never
// fails the aggregation. Nodes are ordered by source priority, then source
// registration order.
func (m *Manager) GetAggregatedInventory(ctx context.Context) AggregatedInventory {
	results := m.collectInventory(ctx)

	inv := AggregatedInventory{
		Nodes:   []Node{},
		Sources: make(map[string]SourceStatus, len(results)),
	}
	for _, r := range results {
		inv.Nodes = append(inv.Nodes, r.nodes...)
		inv.Sources[r.name] = r.status
	}
	return inv
}

// GetLinkedInventory is GetAggregatedInventory with nodes of the same name
// merged. The first source in priority order wins for scalar fields; config
// keys are merged with the same precedence.
func (m *Manager) GetLinkedInventory(ctx context.Context) LinkedInventory {
	agg := m.GetAggregatedInventory(ctx)
	return LinkedInventory{Nodes: LinkNodes(agg.Nodes), Sources: agg.Sources}
}

// LinkNodes merges nodes by case-insensitive name, sorted by name.
func LinkNodes(nodes []Node) []LinkedNode {
	byKey := make(map[string]*LinkedNode)
	var keys []string
	for _, n := range nodes {
		key := strings.ToLower(n.Name)
		ln, ok := byKey[key]
		if !ok {
			ln = &LinkedNode{Name: n.Name}
			byKey[key] = ln
			keys = append(keys, key)
		}
		if ln.URI == "" {
			ln.URI = n.URI
		}
		if ln.Transport == "" {
			ln.Transport = n.Transport
		}
		if !contains(ln.Sources, n.Source) {
			ln.Sources = append(ln.Sources, n.Source)
		}
		for _, g := range n.Groups {
			if !contains(ln.Groups, g) {
				ln.Groups = append(ln.Groups, g)
			}
		}
		for k, v := range n.Config {
			if ln.Config == nil {
				ln.Config = make(map[string]any)
			}
			if _, set := ln.Config[k]; !set {
				ln.Config[k] = v
			}
		}
	}

	sort.Strings(keys)
	out := make([]LinkedNode, 0, len(keys))
	for _, k := range keys {
		out = append(out, *byKey[k])
	}
	return out
}

// FilterBySource keeps nodes from any of sources. An empty list keeps all.
func FilterBySource(nodes []Node, sources ...string) []Node {
	if len(sources) == 0 {
		return nodes
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if contains(sources, n.Source) {
			out = append(out, n)
		}
	}
	return out
}

func (m *Manager) collectInventory(ctx context.Context) []sourceResult {
	m.mu.RLock()
	type target struct {
		src      InventorySource
		priority int
		order    int
	}
	var targets []target
	for i, reg := range m.regs {
		if !reg.config.Enabled {
			continue
		}
		src, ok := reg.plugin.(InventorySource)
		if !ok {
			continue
		}
		targets = append(targets, target{src: src, priority: reg.config.Priority, order: i})
	}
	m.mu.RUnlock()

	results := make([]sourceResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			results[i] = m.querySource(ctx, t.src, t.priority, t.order)
		}(i, t)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].priority != results[j].priority {
			return results[i].priority > results[j].priority
		}
		return results[i].order < results[j].order
	})
	return results
}

func (m *Manager) querySource(ctx context.Context, src InventorySource, priority, order int) (res sourceResult) {
	name := src.Name()
	res = sourceResult{name: name, priority: priority, order: order}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res.nodes = nil
			res.status = SourceStatus{
				Status: SourceUnavailable,
				Error:  pluginerr.Normalize(fmt.Errorf("inventory panicked: %v", r), name),
			}
		}
		res.status.DurationMs = time.Since(start).Milliseconds()
	}()

	nodes, err := src.GetInventory(ctx)
	if err != nil {
		m.logger.Warn("inventory source failed", "plugin", name, "error", err)
		res.status = SourceStatus{Status: SourceUnavailable, Error: pluginerr.Normalize(err, name)}
		return res
	}

	for i := range nodes {
		nodes[i].Source = name
	}
	res.nodes = nodes
	res.status = SourceStatus{Status: SourceHealthy, NodeCount: len(nodes)}
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
