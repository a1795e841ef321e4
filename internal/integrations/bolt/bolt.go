// Package bolt integrates the Puppet Bolt CLI. Every operation spawns one bolt
// process for all of its targets and parses the JSON that bolt prints with
// --format json.
package bolt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
	"github.com/mattjoyce/fleetwarden/internal/process"
)

// Name is the plugin name bolt registers under.
const Name = "bolt"

const versionTimeout = 30 * time.Second

// Config configures the plugin.
type Config struct {
	// Command is the bolt executable, optionally with leading arguments.
	Command string
	// ProjectDir is passed as --project when set.
	ProjectDir string
	// InventoryFile is passed as --inventoryfile when set.
	InventoryFile string
	Env           []string
	Timeout       time.Duration
	GracePeriod   time.Duration
	MaxCapture    int
	// MinVersion is a bare version ("3.0.0", meaning at least) or a semver
	// constraint (">= 3.0, < 5").
	MinVersion string
}

// Plugin runs bolt.
type Plugin struct {
	cfg        Config
	runner     *process.Runner
	constraint *semver.Constraints
	logger     *slog.Logger

	mu          sync.RWMutex
	initialized bool
	version     string
}

// New validates cfg and builds the plugin. It does not run bolt.
func New(cfg Config) (*Plugin, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = "bolt"
	}
	runner, err := process.NewRunner(process.Config{
		Command:     cfg.Command,
		Dir:         cfg.ProjectDir,
		Env:         cfg.Env,
		Plugin:      Name,
		Timeout:     cfg.Timeout,
		GracePeriod: cfg.GracePeriod,
		MaxCapture:  cfg.MaxCapture,
	})
	if err != nil {
		return nil, pluginerr.Configuration(fmt.Sprintf("bolt command: %v", err))
	}

	p := &Plugin{cfg: cfg, runner: runner, logger: log.WithPlugin(Name)}
	if cfg.MinVersion != "" {
		p.constraint, err = parseConstraint(cfg.MinVersion)
		if err != nil {
			return nil, pluginerr.Configuration(fmt.Sprintf("bolt min_version %q: %v", cfg.MinVersion, err))
		}
	}
	return p, nil
}

func parseConstraint(min string) (*semver.Constraints, error) {
	min = strings.TrimSpace(min)
	if min != "" && min[0] >= '0' && min[0] <= '9' {
		min = ">= " + min
	}
	return semver.NewConstraint(min)
}

func (p *Plugin) Name() string           { return Name }
func (p *Plugin) Type() integration.Type { return integration.TypeBoth }

func (p *Plugin) Capabilities() []string {
	return []string{
		integration.CapCommandExecute,
		integration.CapTaskExecute,
		integration.CapTaskList,
		integration.CapFactsGather,
		integration.CapPuppetRun,
		integration.CapPackageInstall,
		integration.CapInventoryList,
	}
}

// Initialize checks that bolt runs and satisfies MinVersion.
func (p *Plugin) Initialize(ctx context.Context) error {
	v, err := p.checkVersion(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.initialized = true
	p.version = v
	p.mu.Unlock()
	p.logger.Info("bolt available", "version", v)
	return nil
}

func (p *Plugin) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

// Version returns the bolt version seen by the last successful probe.
func (p *Plugin) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// HealthCheck runs "bolt --version".
func (p *Plugin) HealthCheck(ctx context.Context) integration.HealthStatus {
	v, err := p.checkVersion(ctx)
	status := integration.HealthStatus{CheckedAt: time.Now().UTC()}
	if err != nil {
		status.Message = err.Error()
		status.Details = map[string]any{"code": pluginerr.CodeOf(err)}
		return status
	}
	p.mu.Lock()
	p.version = v
	p.mu.Unlock()
	status.Healthy = true
	status.Message = "bolt " + v
	status.Details = map[string]any{"version": v}
	return status
}

func (p *Plugin) checkVersion(ctx context.Context) (string, error) {
	res, err := p.runner.Execute(ctx, []string{"--version"}, process.Options{Timeout: versionTimeout})
	if err != nil {
		if pluginerr.CodeOf(err) == pluginerr.CodeTimeout {
			return "", err
		}
		return "", pluginerr.Wrap(pluginerr.CodeConfiguration, err, "bolt executable is not available")
	}
	if !res.Success {
		return "", pluginerr.FromProcessFailure(pluginerr.ProcessFailure{
			Plugin: Name, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr,
		})
	}

	raw := strings.TrimSpace(firstLine(res.Stdout))
	v, err := semver.NewVersion(raw)
	if err != nil {
		return "", &pluginerr.ParseError{Message: "unrecognised bolt version", Plugin: Name, Raw: raw, Err: err}
	}
	if p.constraint != nil && !p.constraint.Check(v) {
		return v.String(), pluginerr.Configuration(
			fmt.Sprintf("bolt %s does not satisfy min_version %s", v, p.cfg.MinVersion))
	}
	return v.String(), nil
}

// ExecuteCapability dispatches call to the matching bolt operation.
func (p *Plugin) ExecuteCapability(ctx context.Context, call integration.Call) (any, error) {
	switch call.Capability {
	case integration.CapCommandExecute:
		return p.RunCommand(ctx, call)
	case integration.CapTaskExecute:
		return p.RunTask(ctx, call)
	case integration.CapFactsGather:
		return p.GatherFacts(ctx, call)
	case integration.CapPuppetRun:
		return p.RunPuppet(ctx, call)
	case integration.CapPackageInstall:
		return p.InstallPackage(ctx, call)
	case integration.CapInventoryList:
		return p.GetInventory(ctx)
	case integration.CapTaskList:
		return p.ListTasks(ctx)
	}
	return nil, pluginerr.New(pluginerr.CodePlugin, fmt.Sprintf("bolt does not support capability %q", call.Capability))
}

// globalArgs are appended to every subcommand.
func (p *Plugin) globalArgs() []string {
	var args []string
	if p.cfg.ProjectDir != "" {
		args = append(args, "--project", p.cfg.ProjectDir)
	}
	if p.cfg.InventoryFile != "" {
		args = append(args, "--inventoryfile", p.cfg.InventoryFile)
	}
	return args
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
