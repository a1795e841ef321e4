package integration

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HealthCheckAll probes every registered plugin concurrently. Cached results
// younger than the cache TTL are reused unless force is set. Disabled plugins
// are reported without being probed. A plugin whose initialization failed is
// re-initialized when its probe succeeds.
func (m *Manager) HealthCheckAll(ctx context.Context, force bool) map[string]HealthStatus {
	m.mu.RLock()
	regs := append([]*registration(nil), m.regs...)
	m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(regs))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, reg := range regs {
		name := reg.plugin.Name()

		m.mu.RLock()
		enabled := reg.config.Enabled
		cached, hasCached := m.health[name]
		m.mu.RUnlock()

		if !enabled {
			out[name] = HealthStatus{Healthy: false, Message: "plugin disabled", CheckedAt: m.now().UTC()}
			continue
		}
		if !force && hasCached && m.now().Sub(cached.at) < m.opts.HealthCacheTTL {
			out[name] = cached.status
			continue
		}

		wg.Add(1)
		go func(reg *registration) {
			defer wg.Done()
			status := m.checkOne(ctx, reg)
			mu.Lock()
			out[reg.plugin.Name()] = status
			mu.Unlock()
		}(reg)
	}
	wg.Wait()
	return out
}

// Healthy reports the cached health of name; ok is false when nothing is cached.
func (m *Manager) Healthy(name string) (healthy, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[name]
	return h.status.Healthy, ok
}

func (m *Manager) checkOne(ctx context.Context, reg *registration) (status HealthStatus) {
	name := reg.plugin.Name()
	ctx, cancel := context.WithTimeout(ctx, m.opts.HealthTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			status = HealthStatus{Healthy: false, Message: fmt.Sprintf("health check panicked: %v", r)}
		}
		if status.CheckedAt.IsZero() {
			status.CheckedAt = m.now().UTC()
		}
		m.mu.Lock()
		m.health[name] = cachedHealth{status: status, at: m.now()}
		m.mu.Unlock()
	}()

	status = reg.plugin.HealthCheck(ctx)

	if status.Healthy {
		recovered, err := m.reinitialize(ctx, reg)
		switch {
		case err != nil:
			status.Healthy = false
			status.Message = fmt.Sprintf("initialization failed: %v", err)
		case recovered:
			m.logger.Info("plugin recovered", "plugin", name)
		}
	}

	if !status.Healthy {
		m.logger.Warn("plugin unhealthy", "plugin", name, "message", status.Message)
	}
	return status
}

// reinitialize retries Initialize for a plugin whose last attempt failed.
// Concurrent health checks of the same plugin wait for the first retry and
// reuse its result instead of initializing again.
func (m *Manager) reinitialize(ctx context.Context, reg *registration) (recovered bool, err error) {
	reg.initMu.Lock()
	defer reg.initMu.Unlock()

	m.mu.RLock()
	initErr := reg.initErr
	m.mu.RUnlock()
	if initErr == nil {
		return false, nil
	}
	if err := m.initializeLocked(ctx, reg); err != nil {
		return false, err
	}
	return true, nil
}

// StartHealthCheckScheduler refreshes the health cache now and then every
// HealthInterval until StopHealthCheckScheduler is called or ctx is done.
// Calling it while the scheduler runs is a no-op.
func (m *Manager) StartHealthCheckScheduler(ctx context.Context) {
	m.schedMu.Lock()
	defer m.schedMu.Unlock()
	if m.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh

	m.wg.Add(1)
	go m.healthLoop(ctx, stopCh)
	m.logger.Info("health check scheduler started", "interval", m.opts.HealthInterval)
}

// StopHealthCheckScheduler stops the scheduler and waits for an in-flight
// refresh to finish.
func (m *Manager) StopHealthCheckScheduler() {
	m.schedMu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.schedMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	m.wg.Wait()
	m.logger.Info("health check scheduler stopped")
}

func (m *Manager) healthLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	m.HealthCheckAll(ctx, true)

	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.HealthCheckAll(ctx, true)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
