package main

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/fleetwarden/internal/tui/watch"
)

func newWatchCommand() *cobra.Command {
	var (
		flags    clientFlags
		interval time.Duration
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := flags.client(cmd)
			if err != nil {
				return err
			}
			m := watch.New(client, watch.Options{Interval: interval, Limit: limit})
			_, err = tea.NewProgram(m, tea.WithContext(cmd.Context())).Run()
			return err
		},
	}
	flags.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Poll interval")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent executions to list")
	return cmd
}
