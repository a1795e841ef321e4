package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
	"github.com/mattjoyce/fleetwarden/internal/process"
)

const (
	factsTask   = "facts"
	packageTask = "package"
)

// RunCommand runs the shell command in the call's action on every target.
func (p *Plugin) RunCommand(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	command := strings.TrimSpace(call.Input.String("action"))
	if command == "" {
		return nil, pluginerr.New(pluginerr.CodePlugin, "command is empty")
	}
	return p.runOnTargets(ctx, call, []string{"command", "run", command}, "")
}

// RunTask runs the task named by the call's action with its parameters.
func (p *Plugin) RunTask(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	task := strings.TrimSpace(call.Input.String("action"))
	if task == "" {
		return nil, pluginerr.New(pluginerr.CodeTaskNotFound, "task name is empty")
	}
	args, err := taskArgs(task, parameters(call.Input))
	if err != nil {
		return nil, err
	}
	return p.runOnTargets(ctx, call, args, task)
}

// GatherFacts runs the facts task; each node's value is its fact map.
func (p *Plugin) GatherFacts(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	return p.runOnTargets(ctx, call, []string{"task", "run", factsTask}, factsTask)
}

// RunPuppet triggers a single Puppet agent run. Supported parameters: noop
// (bool), tags (string or list), environment. The agent command runs in each
// target's shell, so every word is quoted.
func (p *Plugin) RunPuppet(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	params := parameters(call.Input)
	cmd := []string{"puppet", "agent", "--onetime", "--no-daemonize", "--no-usecacheonfailure", "--no-splay", "--verbose"}
	if params.Bool("noop") {
		cmd = append(cmd, "--noop")
	}
	if tags := params.Strings("tags"); len(tags) > 0 {
		cmd = append(cmd, "--tags", strings.Join(tags, ","))
	}
	if env := params.String("environment"); env != "" {
		cmd = append(cmd, "--environment", env)
	}
	return p.runOnTargets(ctx, call, []string{"command", "run", shellquote.Join(cmd...)}, "")
}

// InstallPackage runs bolt's package task. The package name is the "name"
// parameter, or the action when no name is given; "version" pins a version and
// "ensure" selects install, uninstall or upgrade.
func (p *Plugin) InstallPackage(ctx context.Context, call integration.Call) (*execution.Outcome, error) {
	params := parameters(call.Input)
	name := params.String("name")
	if name == "" {
		name = strings.TrimSpace(call.Input.String("action"))
	}
	if name == "" {
		return nil, &pluginerr.TaskParameterError{
			Task: packageTask, Plugin: Name, Message: "parameter 'name' is required",
			Params: map[string]string{"name": "is required"},
		}
	}
	ensure := params.String("ensure")
	if ensure == "" {
		ensure = "install"
	}
	switch ensure {
	case "install", "uninstall", "upgrade":
	default:
		return nil, &pluginerr.TaskParameterError{
			Task: packageTask, Plugin: Name, Message: fmt.Sprintf("parameter 'ensure' is invalid: %q", ensure),
			Params: map[string]string{"ensure": "must be install, uninstall or upgrade"},
		}
	}

	taskParams := map[string]any{"action": ensure, "name": name}
	if v := params.String("version"); v != "" {
		taskParams["version"] = v
	}
	args, err := taskArgs(packageTask, taskParams)
	if err != nil {
		return nil, err
	}
	return p.runOnTargets(ctx, call, args, packageTask)
}

// GetInventory lists every target in the bolt inventory.
func (p *Plugin) GetInventory(ctx context.Context) ([]integration.Node, error) {
	args := append([]string{"inventory", "show", "--targets", "all", "--detail"}, p.globalArgs()...)
	var out inventoryOutput
	res, err := p.runner.ExecuteStructured(ctx, args, process.Options{}, &out)
	if err != nil {
		return nil, p.classify(err, res, "", "")
	}
	return out.nodes(), nil
}

// TaskInfo is one entry of ListTasks.
type TaskInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListTasks lists the tasks available to the bolt project.
func (p *Plugin) ListTasks(ctx context.Context) ([]TaskInfo, error) {
	args := append([]string{"task", "show"}, p.globalArgs()...)
	var out taskListOutput
	res, err := p.runner.ExecuteStructured(ctx, args, process.Options{}, &out)
	if err != nil {
		return nil, p.classify(err, res, "", "")
	}
	tasks := out.tasks()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	return tasks, nil
}

// runOnTargets runs one bolt process for all targets. Bolt exits non-zero
// when any target fails but still prints per-target results, which are
// returned as node failures rather than an error.
func (p *Plugin) runOnTargets(ctx context.Context, call integration.Call, sub []string, task string) (*execution.Outcome, error) {
	targets := call.Input.Strings("targets")
	if len(targets) == 0 {
		return nil, pluginerr.New(pluginerr.CodePlugin, "at least one target is required")
	}
	nodes := strings.Join(targets, ",")

	args := append(append([]string{}, sub...), "--targets", nodes)
	args = append(args, p.globalArgs()...)
	args = append(args, "--format", "json")

	res, err := p.runner.Execute(ctx, args, process.Options{Observer: call.Observer})
	if res != nil {
		call.Debug.Set("command", res.Command)
		call.Debug.Set("exit_code", res.ExitCode)
		call.Debug.Set("duration_ms", res.Duration.Milliseconds())
	}
	if err != nil {
		return nil, err
	}

	var out runOutput
	decodeErr := process.DecodeJSON(res.Stdout, &out)
	switch {
	case decodeErr == nil && len(out.Items) > 0:
		// Per-target results, whatever the exit code.
	case !res.Success:
		return nil, p.failure(res, &out, nodes, task)
	case decodeErr != nil:
		if pe, ok := decodeErr.(*pluginerr.ParseError); ok {
			pe.Plugin = Name
		}
		return nil, decodeErr
	}

	outcome := &execution.Outcome{
		Command: res.Command,
		Stdout:  res.Stdout,
		Stderr:  res.Stderr,
		Results: out.results(res.Duration.Milliseconds()),
	}
	return outcome, nil
}

// failure builds the error for a run that produced no per-target results.
// A top-level _error object from bolt is preferred over stderr.
func (p *Plugin) failure(res *process.Result, out *runOutput, nodes, task string) error {
	stderr := res.Stderr
	if out.Error != nil && out.Error.Msg != "" {
		stderr = out.Error.Msg
	}
	err := pluginerr.FromProcessFailure(pluginerr.ProcessFailure{
		Plugin:   Name,
		Node:     nodes,
		Task:     task,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   stderr,
	})
	p.logger.Warn("bolt run failed", "exit_code", res.ExitCode, "code", pluginerr.CodeOf(err))
	return err
}

// classify reinterprets a generic ExecutionError from ExecuteStructured using
// bolt's stderr.
func (p *Plugin) classify(err error, res *process.Result, nodes, task string) error {
	if _, ok := err.(*pluginerr.ExecutionError); !ok || res == nil {
		return err
	}
	var out runOutput
	_ = process.DecodeJSON(res.Stdout, &out)
	return p.failure(res, &out, nodes, task)
}

// parameters returns the call's nested parameter map.
func parameters(in integration.Input) integration.Input {
	if m, ok := in["parameters"].(map[string]any); ok {
		return integration.Input(m)
	}
	if m, ok := in["parameters"].(integration.Input); ok {
		return m
	}
	return integration.Input{}
}

func taskArgs(task string, params map[string]any) ([]string, error) {
	args := []string{"task", "run", task}
	if len(params) == 0 {
		return args, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, &pluginerr.TaskParameterError{
			Task: task, Plugin: Name, Message: fmt.Sprintf("parameters are not serializable: %v", err),
		}
	}
	return append(args, "--params", string(raw)), nil
}
