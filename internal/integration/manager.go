package integration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/pluginerr"
	"github.com/mattjoyce/fleetwarden/internal/process"
)

const (
	DefaultHealthCacheTTL = 5 * time.Minute
	DefaultHealthInterval = time.Minute
	defaultHealthTimeout  = 10 * time.Second
)

// Options configures a Manager.
type Options struct {
	HealthCacheTTL time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

type registration struct {
	plugin Plugin
	config Config
	order  int

	// initErr is set when Initialize failed; the plugin stays registered.
	initErr error
	// initMu serializes Initialize calls for this plugin.
	initMu sync.Mutex
}

type cachedHealth struct {
	status HealthStatus
	at     time.Time
}

// CapabilityResult is the outcome of ExecuteCapability.
type CapabilityResult struct {
	Success   bool                  `json:"success"`
	Data      any                   `json:"data,omitempty"`
	Error     *pluginerr.Normalized `json:"error,omitempty"`
	HandledBy string                `json:"handledBy,omitempty"`
}

// PluginInfo describes a registration for listings.
type PluginInfo struct {
	Name         string   `json:"name"`
	Type         Type     `json:"type"`
	Capabilities []string `json:"capabilities"`
	Enabled      bool     `json:"enabled"`
	Priority     int      `json:"priority"`
	Initialized  bool     `json:"initialized"`
	InitError    string   `json:"initError,omitempty"`
}

// Manager owns the plugin registry and the health cache.
type Manager struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	regs   []*registration
	byName map[string]*registration
	health map[string]cachedHealth

	schedMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates an empty Manager.
func NewManager(opts Options) *Manager {
	if opts.HealthCacheTTL <= 0 {
		opts.HealthCacheTTL = DefaultHealthCacheTTL
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = defaultHealthTimeout
	}
	return &Manager{
		opts:   opts,
		logger: log.WithComponent("integration"),
		now:    time.Now,
		byName: make(map[string]*registration),
		health: make(map[string]cachedHealth),
	}
}

// RegisterPlugin adds p. It fails if a plugin with the same name exists.
func (m *Manager) RegisterPlugin(p Plugin, cfg Config) error {
	if p == nil {
		return fmt.Errorf("plugin is nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	reg := &registration{plugin: p, config: cfg, order: len(m.regs)}
	m.regs = append(m.regs, reg)
	m.byName[name] = reg

	m.logger.Info("plugin registered",
		"plugin", name, "type", p.Type(), "priority", cfg.Priority, "enabled", cfg.Enabled)
	return nil
}

// SetEnabled toggles a plugin.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("plugin %q not registered", name)
	}
	reg.config.Enabled = enabled
	return nil
}

// Plugin returns the registered plugin named name.
func (m *Manager) Plugin(name string) (Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return reg.plugin, true
}

// Plugins lists registrations in registration order.
func (m *Manager) Plugins() []PluginInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PluginInfo, 0, len(m.regs))
	for _, reg := range m.regs {
		info := PluginInfo{
			Name:         reg.plugin.Name(),
			Type:         reg.plugin.Type(),
			Capabilities: reg.plugin.Capabilities(),
			Enabled:      reg.config.Enabled,
			Priority:     reg.config.Priority,
			Initialized:  reg.plugin.IsInitialized(),
		}
		if reg.initErr != nil {
			info.InitError = reg.initErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// InitializePlugins initializes every enabled plugin. Failures are collected
// per plugin and never stop the others.
func (m *Manager) InitializePlugins(ctx context.Context) map[string]error {
	m.mu.RLock()
	regs := append([]*registration(nil), m.regs...)
	m.mu.RUnlock()

	errs := make(map[string]error)
	for _, reg := range regs {
		m.mu.RLock()
		enabled := reg.config.Enabled
		m.mu.RUnlock()
		if !enabled {
			continue
		}

		name := reg.plugin.Name()
		err := m.initialize(ctx, reg)
		if err != nil {
			errs[name] = err
			m.logger.Warn("plugin initialization failed", "plugin", name, "error", err)
			continue
		}
		m.logger.Info("plugin initialized", "plugin", name)
	}
	return errs
}

func (m *Manager) initialize(ctx context.Context, reg *registration) (err error) {
	reg.initMu.Lock()
	defer reg.initMu.Unlock()
	return m.initializeLocked(ctx, reg)
}

func (m *Manager) initializeLocked(ctx context.Context, reg *registration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("initialize panicked: %v", r)
		}
		m.mu.Lock()
		reg.initErr = err
		m.mu.Unlock()
	}()
	return reg.plugin.Initialize(ctx)
}

// candidates returns enabled plugins supporting capability, highest priority
// first with registration order breaking ties. Plugins known to be unhealthy
// or that failed initialization are moved behind the others but remain
// eligible as a last resort.
func (m *Manager) candidates(capability string) []*registration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var preferred, degraded []*registration
	for _, reg := range m.regs {
		if !reg.config.Enabled || !Supports(reg.plugin, capability) {
			continue
		}
		if m.degradedLocked(reg) {
			degraded = append(degraded, reg)
		} else {
			preferred = append(preferred, reg)
		}
	}
	byPriority := func(list []*registration) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].config.Priority > list[j].config.Priority
		})
	}
	byPriority(preferred)
	byPriority(degraded)
	return append(preferred, degraded...)
}

func (m *Manager) degradedLocked(reg *registration) bool {
	if reg.initErr != nil {
		return true
	}
	if h, ok := m.health[reg.plugin.Name()]; ok && !h.status.Healthy {
		return true
	}
	return false
}

// Resolve returns the plugin names that would be tried for capability, in order.
func (m *Manager) Resolve(capability string) []string {
	cands := m.candidates(capability)
	names := make([]string, len(cands))
	for i, reg := range cands {
		names[i] = reg.plugin.Name()
	}
	return names
}

// CallOption customises a capability call.
type CallOption func(*Call)

// WithObserver relays live output of the call to obs.
func WithObserver(obs process.Observer) CallOption {
	return func(c *Call) { c.Observer = obs }
}

// ExecuteCapability tries each candidate for capability in order and returns
// the first success. When all fail, Error is the normalized error of the last
// plugin tried. The caller is assumed to be authorized.
func (m *Manager) ExecuteCapability(ctx context.Context, user, capability string, input Input, debug *DebugContext, opts ...CallOption) CapabilityResult {
	call := Call{User: user, Capability: capability, Input: input, Debug: debug}
	for _, opt := range opts {
		opt(&call)
	}

	cands := m.candidates(capability)
	if len(cands) == 0 {
		err := pluginerr.New(pluginerr.CodePlugin, fmt.Sprintf("no plugin available for capability %q", capability))
		debug.AddError(err.Error())
		return CapabilityResult{Error: pluginerr.Normalize(err, "")}
	}

	logger := m.logger.With("capability", capability, "user", user)
	var (
		lastErr  error
		lastName string
	)
	for _, reg := range cands {
		name := reg.plugin.Name()
		start := m.now()
		data, err := m.invoke(ctx, reg.plugin, call)
		attempt := Attempt{
			Plugin:     name,
			Priority:   reg.config.Priority,
			Success:    err == nil,
			DurationMs: m.now().Sub(start).Milliseconds(),
		}
		if err == nil {
			debug.recordAttempt(attempt)
			logger.Debug("capability handled", "plugin", name)
			return CapabilityResult{Success: true, Data: data, HandledBy: name}
		}

		attempt.Error = pluginerr.Normalize(err, name)
		debug.recordAttempt(attempt)
		logger.Warn("capability attempt failed", "plugin", name, "code", attempt.Error.Code, "error", err)
		lastErr, lastName = err, name

		if ctx.Err() != nil {
			break
		}
	}

	return CapabilityResult{
		Error:     pluginerr.Normalize(lastErr, lastName),
		HandledBy: lastName,
	}
}

func (m *Manager) invoke(ctx context.Context, p Plugin, call Call) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pluginerr.New(pluginerr.CodePlugin, fmt.Sprintf("plugin %s panicked: %v", p.Name(), r))
		}
	}()
	return p.ExecuteCapability(ctx, call)
}
