// Package integration is the capability router. Backends register as plugins
// that declare a priority and a set of named capabilities; a request for a
// capability is served by the highest-priority enabled plugin that supports
// it, falling back to the next candidate on failure.
package integration

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/process"
)

//go:generate mockgen -destination=mocks/mock_plugin.go -package=mocks github.com/mattjoyce/fleetwarden/internal/integration Plugin

// Type says whether a plugin reads data, executes actions, or both.
type Type string

const (
	TypeInformation Type = "information"
	TypeExecution   Type = "execution"
	TypeBoth        Type = "both"
)

// Capability names understood by the bundled plugins.
const (
	CapCommandExecute = "command.execute"
	CapTaskExecute    = "task.execute"
	CapTaskList       = "task.list"
	CapFactsGather    = "facts.gather"
	CapPuppetRun      = "puppet.run"
	CapPackageInstall = "package.install"
	CapInventoryList  = "inventory.list"
	CapMetricsQuery   = "metrics.query"
)

// HealthStatus is the result of a plugin health probe.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
}

// Plugin is implemented by every backend.
type Plugin interface {
	Name() string
	Type() Type
	Capabilities() []string
	Initialize(ctx context.Context) error
	IsInitialized() bool
	HealthCheck(ctx context.Context) HealthStatus
	ExecuteCapability(ctx context.Context, call Call) (any, error)
}

// InventorySource is a plugin that can list nodes.
type InventorySource interface {
	Plugin
	GetInventory(ctx context.Context) ([]Node, error)
}

// Call carries one capability invocation to a plugin.
type Call struct {
	User       string
	Capability string
	Input      Input
	// Observer receives live output when the caller asked for streaming.
	Observer process.Observer
	Debug    *DebugContext
}

// Config is the per-plugin registration config.
type Config struct {
	Enabled  bool
	Priority int
	Settings map[string]any
}

// Node is one inventory entry, tagged with the plugin it came from.
type Node struct {
	Name      string         `json:"name"`
	URI       string         `json:"uri,omitempty"`
	Transport string         `json:"transport,omitempty"`
	Source    string         `json:"source"`
	Groups    []string       `json:"groups,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
}

// Supports reports whether p declares capability.
func Supports(p Plugin, capability string) bool {
	for _, c := range p.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}

// Input is the free-form argument map of a capability call.
type Input map[string]any

// String returns the string at key, or "".
func (in Input) String(key string) string {
	switch v := in[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Strings returns key as a string list. A single comma-separated string is split.
func (in Input) Strings(key string) []string {
	switch v := in[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringMap returns key as a map of strings, formatting non-string values.
func (in Input) StringMap(key string) map[string]string {
	switch v := in[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
		return out
	}
	return nil
}

// Bool returns key as a bool, accepting "true"/"false" strings.
func (in Input) Bool(key string) bool {
	switch v := in[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	}
	return false
}
