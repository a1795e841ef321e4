package bolt

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
)

// boltError is bolt's error object, both top-level and per target.
type boltError struct {
	Msg     string         `json:"msg"`
	Kind    string         `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

// runOutput is printed by "bolt command run" and "bolt task run".
type runOutput struct {
	Items []resultItem `json:"items"`
	Error *boltError   `json:"_error,omitempty"`
}

type resultItem struct {
	Target string          `json:"target"`
	Action string          `json:"action"`
	Object string          `json:"object"`
	Status string          `json:"status"`
	Value  json.RawMessage `json:"value"`
}

// commandValue is the value of a "command" action.
type commandValue struct {
	Stdout   string     `json:"stdout"`
	Stderr   string     `json:"stderr"`
	ExitCode *int       `json:"exit_code"`
	Error    *boltError `json:"_error"`
}

func (o *runOutput) results(durationMs int64) []execution.NodeResult {
	out := make([]execution.NodeResult, 0, len(o.Items))
	for _, item := range o.Items {
		out = append(out, item.result(durationMs))
	}
	return out
}

func (it resultItem) result(durationMs int64) execution.NodeResult {
	r := execution.NodeResult{
		Node:       it.Target,
		Status:     execution.NodeFailed,
		DurationMs: durationMs,
	}
	if it.Status == "success" {
		r.Status = execution.NodeSuccess
	}

	if it.Action == "command" {
		var v commandValue
		if err := json.Unmarshal(it.Value, &v); err == nil {
			r.Output = &execution.Output{Stdout: v.Stdout, Stderr: v.Stderr, ExitCode: v.ExitCode}
			if v.Error != nil {
				r.Error = v.Error.Msg
			}
		}
	} else {
		var v map[string]any
		if err := json.Unmarshal(it.Value, &v); err == nil {
			if e, ok := v["_error"].(map[string]any); ok {
				if msg, ok := e["msg"].(string); ok {
					r.Error = msg
				}
				delete(v, "_error")
			}
			if len(v) > 0 {
				r.Value = v
			}
		}
	}

	if r.Status == execution.NodeFailed && r.Error == "" {
		r.Error = "failed on " + it.Target
		if r.Output != nil && r.Output.ExitCode != nil {
			r.Error = strings.TrimSpace(r.Output.Stderr)
			if r.Error == "" {
				r.Error = "command exited non-zero"
			}
		}
	}
	return r
}

// inventoryOutput is printed by "bolt inventory show --detail". Without
// --detail bolt prints bare target names, which are accepted too.
type inventoryOutput struct {
	Targets []json.RawMessage `json:"targets"`
}

type inventoryTarget struct {
	Name   string         `json:"name"`
	URI    string         `json:"uri"`
	Config map[string]any `json:"config"`
	Groups []string       `json:"groups"`
}

func (o *inventoryOutput) nodes() []integration.Node {
	out := make([]integration.Node, 0, len(o.Targets))
	for _, raw := range o.Targets {
		var t inventoryTarget
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			t.Name = name
		} else if err := json.Unmarshal(raw, &t); err != nil || t.Name == "" {
			continue
		}
		out = append(out, t.node())
	}
	return out
}

func (t inventoryTarget) node() integration.Node {
	n := integration.Node{Name: t.Name, URI: t.URI, Config: t.Config}
	if n.URI == "" {
		n.URI = t.Name
	}
	if tr, ok := t.Config["transport"].(string); ok {
		n.Transport = tr
	} else if u, err := url.Parse(n.URI); err == nil && u.Scheme != "" && u.Host != "" {
		n.Transport = u.Scheme
	} else {
		n.Transport = "ssh"
	}
	for _, g := range t.Groups {
		if g != "all" {
			n.Groups = append(n.Groups, g)
		}
	}
	return n
}

// taskListOutput is printed by "bolt task show". Tasks are [name, description]
// pairs; objects with name and description are accepted too.
type taskListOutput struct {
	Tasks []json.RawMessage `json:"tasks"`
}

func (o *taskListOutput) tasks() []TaskInfo {
	out := make([]TaskInfo, 0, len(o.Tasks))
	for _, raw := range o.Tasks {
		var pair []string
		if err := json.Unmarshal(raw, &pair); err == nil && len(pair) > 0 {
			info := TaskInfo{Name: pair[0]}
			if len(pair) > 1 {
				info.Description = pair[1]
			}
			out = append(out, info)
			continue
		}
		var info TaskInfo
		if err := json.Unmarshal(raw, &info); err == nil && info.Name != "" {
			out = append(out, info)
		}
	}
	return out
}
