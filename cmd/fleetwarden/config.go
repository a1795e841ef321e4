package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/fleetwarden/internal/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and seal the configuration",
	}
	cmd.AddCommand(newConfigCheckCommand())
	cmd.AddCommand(newConfigHashCommand())
	cmd.AddCommand(newConfigShowCommand())
	return cmd
}

func newConfigCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load, verify and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				color.New(color.FgRed).Fprintf(cmd.ErrOrStderr(), "✗ %v\n", err)
				return err
			}

			w := cmd.OutOrStdout()
			green := color.New(color.FgGreen)
			gray := color.New(color.FgHiBlack)
			green.Fprintf(w, "✓ configuration valid\n")
			for _, f := range cfg.SourceFiles {
				gray.Fprintf(w, "  %s\n", f)
			}
			ic := cfg.Integrations
			for _, it := range []struct {
				name    string
				enabled bool
			}{
				{"bolt", ic.Bolt.Enabled},
				{"puppetdb", ic.PuppetDB.Enabled},
				{"prometheus", ic.Prometheus.Enabled},
			} {
				state := gray.Sprint("disabled")
				if it.enabled {
					state = green.Sprint("enabled")
				}
				fmt.Fprintf(w, "  %-12s %s\n", it.name, state)
			}
			if cfg.API.Enabled && cfg.API.Auth.APIKey == "" {
				color.New(color.FgYellow).Fprintln(w, "! api.auth.api_key is empty: the API accepts unauthenticated requests")
			}
			return nil
		},
	}
}

func newConfigHashCommand() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Write BLAKE3 .checksums manifests for every config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			files, err := config.ConfigFiles(path)
			if err != nil {
				return err
			}
			report, err := config.GenerateChecksums(files, dryRun)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for _, f := range report.Files {
				fmt.Fprintf(w, "%s  %s\n", f.Hash, f.Path)
			}
			verb := "wrote"
			if !report.Written {
				verb = "would write"
			}
			for _, m := range report.Manifests {
				color.New(color.FgGreen).Fprintf(w, "%s %s\n", verb, m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print hashes without writing manifests")
	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := resolveConfigPath(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
