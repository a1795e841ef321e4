package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/fleetwarden/internal/api"
	"github.com/mattjoyce/fleetwarden/internal/config"
	"github.com/mattjoyce/fleetwarden/internal/execution"
)

// EnvAPIKey overrides the API key read from the config for client commands.
const EnvAPIKey = "FLEETWARDEN_API_KEY"

type clientFlags struct {
	server string
	apiKey string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "", "Server URL (default: derived from api.listen in the config)")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default: $"+EnvAPIKey+" or api.auth.api_key)")
}

// client builds an API client from the flags, falling back to the config
// when one can be found.
func (f *clientFlags) client(cmd *cobra.Command) (*api.Client, error) {
	server, key := f.server, f.apiKey
	if key == "" {
		key = os.Getenv(EnvAPIKey)
	}
	if server == "" || key == "" {
		if path, err := resolveConfigPath(cmd); err == nil {
			cfg, err := config.Load(path)
			if err != nil {
				return nil, fmt.Errorf("load config: %w", err)
			}
			if server == "" {
				server = api.BaseURLFromListen(cfg.API.Listen)
			}
			if key == "" {
				key = cfg.API.Auth.APIKey
			}
		}
	}
	if server == "" {
		server = api.BaseURLFromListen(config.Defaults().API.Listen)
	}
	return api.NewClient(server, key), nil
}

func newStatusCommand() *cobra.Command {
	var (
		flags clientFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue, integration health and recent executions of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			return printStatus(ctx, cmd.OutOrStdout(), client, limit)
		},
	}
	flags.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of recent executions to show")
	return cmd
}

func printStatus(ctx context.Context, w io.Writer, client *api.Client, limit int) error {
	health, err := client.Healthz(ctx)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	q, err := client.Queue(ctx)
	if err != nil {
		return err
	}
	integrations, err := client.IntegrationHealth(ctx, false)
	if err != nil {
		return err
	}
	recs, err := client.Executions(ctx, execution.Filter{Limit: limit})
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	state := green.Sprint(strings.ToUpper(health.Status))
	if health.Status != "ok" {
		state = red.Sprint(strings.ToUpper(health.Status))
	}
	cyan.Fprintln(w, "Server")
	fmt.Fprintf(w, "  status:  %s\n", state)
	fmt.Fprintf(w, "  uptime:  %s\n", time.Duration(health.UptimeSeconds)*time.Second)
	fmt.Fprintf(w, "  plugins: %d\n", health.PluginsLoaded)

	fmt.Fprintln(w)
	cyan.Fprintln(w, "Queue")
	fmt.Fprintf(w, "  running: %d/%d\n", q.Running, q.Limit)
	fmt.Fprintf(w, "  waiting: %d/%d\n", q.Queued, q.MaxQueueSize)
	for _, e := range q.Queue {
		gray.Fprintf(w, "    %s %s (queued %s)\n", e.ID, e.Type, e.EnqueuedAt.Format(time.RFC3339))
	}

	fmt.Fprintln(w)
	cyan.Fprintln(w, "Integrations")
	names := make([]string, 0, len(integrations.Plugins))
	for name := range integrations.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		gray.Fprintln(w, "  none registered")
	}
	for _, name := range names {
		st := integrations.Plugins[name]
		mark := green.Sprint("healthy")
		if !st.Healthy {
			mark = red.Sprint("unhealthy")
		}
		fmt.Fprintf(w, "  %-12s %s %s\n", name, mark, gray.Sprint(st.Message))
	}

	fmt.Fprintln(w)
	cyan.Fprintln(w, "Recent executions")
	if len(recs) == 0 {
		gray.Fprintln(w, "  none")
	}
	for _, rec := range recs {
		c := yellow
		switch rec.Status {
		case execution.StatusSuccess:
			c = green
		case execution.StatusFailed:
			c = red
		}
		fmt.Fprintf(w, "  %s %-8s %-9s %-24s %s\n",
			gray.Sprint(rec.ID), rec.Type, c.Sprint(rec.Status), rec.Action, strings.Join(rec.TargetNodes, ","))
	}
	return nil
}
