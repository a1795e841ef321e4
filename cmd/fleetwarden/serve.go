package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/fleetwarden/internal/api"
	"github.com/mattjoyce/fleetwarden/internal/config"
	"github.com/mattjoyce/fleetwarden/internal/execution"
	"github.com/mattjoyce/fleetwarden/internal/integration"
	"github.com/mattjoyce/fleetwarden/internal/integrations/bolt"
	"github.com/mattjoyce/fleetwarden/internal/integrations/httpx"
	"github.com/mattjoyce/fleetwarden/internal/integrations/prometheus"
	"github.com/mattjoyce/fleetwarden/internal/integrations/puppetdb"
	"github.com/mattjoyce/fleetwarden/internal/lock"
	"github.com/mattjoyce/fleetwarden/internal/log"
	"github.com/mattjoyce/fleetwarden/internal/queue"
	"github.com/mattjoyce/fleetwarden/internal/storage"
	"github.com/mattjoyce/fleetwarden/internal/stream"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the fleetwarden server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, err := resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, configPath)
		},
	}
}

// runServe wires every component and blocks until ctx is cancelled or a
// component fails.
func runServe(ctx context.Context, cfg *config.Config, configPath string) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("fleetwarden starting", "version", version, "config", configPath)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	manager, err := buildIntegrations(cfg)
	if err != nil {
		logger.Error("failed to configure integrations", "error", err)
		return err
	}
	for name, initErr := range manager.InitializePlugins(ctx) {
		logger.Warn("integration unavailable", "plugin", name, "error", initErr)
	}
	manager.StartHealthCheckScheduler(ctx)
	defer manager.StopHealthCheckScheduler()

	q := queue.New(queue.Config{
		ConcurrentLimit: cfg.Execution.Queue.ConcurrentLimit,
		MaxQueueSize:    cfg.Execution.Queue.MaxQueueSize,
	})
	streams := stream.NewManager(stream.Config{
		BufferInterval: cfg.Execution.Streaming.Buffer,
		MaxOutputSize:  cfg.Execution.Streaming.MaxOutputSize,
		MaxLineLength:  cfg.Execution.Streaming.MaxLineLength,
	})
	defer streams.Close()

	svc := execution.NewService(execution.NewSQLiteRepository(db), manager, q, streams, execution.ServiceConfig{
		MaxOutputSize: cfg.Execution.Streaming.MaxOutputSize,
	})
	if n, err := svc.ReconcileOrphans(ctx); err != nil {
		logger.Warn("failed to reconcile interrupted executions", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted executions failed", "count", n)
	}

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen:          cfg.API.Listen,
			APIKey:          cfg.API.Auth.APIKey,
			ShutdownTimeout: cfg.API.ShutdownTimeout,
		}, svc, manager, q, streams, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("fleetwarden running (press Ctrl+C to stop)")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case runErr = <-errCh:
		logger.Error("component failed", "error", runErr)
	}

	// Give running executions the grace period to record their outcome.
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Execution.TerminationGrace+cfg.API.ShutdownTimeout)
	defer cancel()
	if err := q.Close(closeCtx); err != nil {
		logger.Warn("executions still running at shutdown", "error", err)
	}

	logger.Info("fleetwarden stopped")
	return runErr
}

// getPIDLockPath places the lock file next to the history database.
func getPIDLockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), "fleetwarden.lock")
}

// buildIntegrations registers every enabled integration with a new manager.
func buildIntegrations(cfg *config.Config) (*integration.Manager, error) {
	manager := integration.NewManager(integration.Options{
		HealthCacheTTL: cfg.Health.CacheTTL,
		HealthInterval: cfg.Health.Interval,
	})
	ic := cfg.Integrations

	if ic.Bolt.Enabled {
		timeout := ic.Bolt.Timeout
		if timeout <= 0 {
			timeout = cfg.Execution.Timeout
		}
		p, err := bolt.New(bolt.Config{
			Command:       ic.Bolt.Command,
			ProjectDir:    ic.Bolt.ProjectDir,
			InventoryFile: ic.Bolt.InventoryFile,
			Env:           envList(ic.Bolt.Env),
			Timeout:       timeout,
			GracePeriod:   cfg.Execution.TerminationGrace,
			MaxCapture:    cfg.Execution.Streaming.MaxOutputSize,
			MinVersion:    ic.Bolt.MinVersion,
		})
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterPlugin(p, integration.Config{Enabled: true, Priority: ic.Bolt.Priority}); err != nil {
			return nil, err
		}
	}

	if ic.PuppetDB.Enabled {
		p, err := puppetdb.New(puppetdb.Config{HTTP: httpConfig(ic.PuppetDB)})
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterPlugin(p, integration.Config{Enabled: true, Priority: ic.PuppetDB.Priority}); err != nil {
			return nil, err
		}
	}

	if ic.Prometheus.Enabled {
		p, err := prometheus.New(prometheus.Config{
			HTTP:      httpConfig(ic.Prometheus.HTTPConfig),
			NodeLabel: ic.Prometheus.NodeLabel,
		})
		if err != nil {
			return nil, err
		}
		if err := manager.RegisterPlugin(p, integration.Config{Enabled: true, Priority: ic.Prometheus.Priority}); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

func httpConfig(c config.HTTPConfig) httpx.Config {
	return httpx.Config{
		BaseURL:            c.ServerURL,
		Token:              c.Token,
		TokenHeader:        c.TokenHeader,
		Timeout:            c.Timeout,
		RateLimit:          c.RateLimit,
		Burst:              c.Burst,
		CACert:             c.TLS.CACert,
		ClientCert:         c.TLS.ClientCert,
		ClientKey:          c.TLS.ClientKey,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
