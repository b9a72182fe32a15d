// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aaradhak/fedora-coreos-cincinnati/pkg/logging"
	graph_builder "github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/config"
	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/graph"
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	verbosity  int
}

// load reads the .env file, the config file and the environment, then
// validates the result.
func (o *rootOptions) load() (config.FileConfig, config.Settings, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return config.FileConfig{}, config.Settings{}, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.FileConfig{}, config.Settings{}, err
	}
	if cfg.Telemetry.ServiceVersion == "" || cfg.Telemetry.ServiceVersion == "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	settings, err := cfg.Settings()
	if err != nil {
		return config.FileConfig{}, config.Settings{}, err
	}
	return cfg, settings, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "fcos-graph-builder",
		Short: "Build and serve the Fedora CoreOS update graph",
		Long: `fcos-graph-builder periodically scrapes release metadata and the
updates policy for each configured scope, assembles the update graph
and serves it over HTTP in the Cincinnati format.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"path to the YAML configuration file (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env",
		"dotenv file loaded before the configuration; ignored when missing")
	rootCmd.PersistentFlags().CountVarP(&opts.verbosity, "verbose", "v",
		"increase log verbosity (-v info, -vv debug)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newRenderCmd(opts),
		newCheckConfigCmd(opts),
	)
	return rootCmd
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the graph and status servers (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	_, settings, err := opts.load()
	if err != nil {
		return err
	}

	logger := logging.New(settings.LoggerConfig(opts.verbosity))
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := graph_builder.New(settings, graph_builder.Options{Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("failed to create graph builder: %w", err)
	}
	return svc.Run(ctx)
}

// =============================================================================
// render
// =============================================================================

type renderOptions struct {
	basearch       string
	stream         string
	oci            bool
	includeDeadend bool
}

func newRenderCmd(opts *rootOptions) *cobra.Command {
	ro := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Fetch upstream metadata once and print the graph for one scope",
		Example: `  fcos-graph-builder render --basearch x86_64 --stream stable
  fcos-graph-builder render --basearch aarch64 --stream testing --oci`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(cmd, opts, ro)
		},
	}
	cmd.Flags().StringVar(&ro.basearch, "basearch", "", "base architecture, e.g. x86_64")
	cmd.Flags().StringVar(&ro.stream, "stream", "", "update stream, e.g. stable")
	cmd.Flags().BoolVar(&ro.oci, "oci", false, "render the OCI image graph instead of OSTree commits")
	cmd.Flags().BoolVar(&ro.includeDeadend, "include-deadends", false, "keep dead-end releases in the output")
	_ = cmd.MarkFlagRequired("basearch")
	_ = cmd.MarkFlagRequired("stream")
	return cmd
}

func runRender(cmd *cobra.Command, opts *rootOptions, ro *renderOptions) error {
	_, settings, err := opts.load()
	if err != nil {
		return err
	}

	logCfg := settings.LoggerConfig(opts.verbosity)
	logCfg.Output = cmd.ErrOrStderr()
	logger := logging.New(logCfg)
	defer logger.Close()

	scope := graph.Scope{Basearch: ro.basearch, Stream: ro.stream, OCI: ro.oci}
	fetcher := settings.NewFetcher()

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.Upstream.Timeout)
	defer cancel()

	releases, err := fetcher.FetchReleaseIndex(ctx, scope.Stream)
	if err != nil {
		return err
	}
	updates, err := fetcher.FetchUpdates(ctx, scope.Stream)
	if err != nil {
		return err
	}
	assemble := graph.FromMetadata
	if ro.includeDeadend {
		assemble = graph.Assemble
	}
	g, err := assemble(releases, updates, scope)
	if err != nil {
		return fmt.Errorf("assemble graph for %s: %w", scope, err)
	}
	logger.Slog().Info("rendered graph", "scope", scope.String(), "nodes", len(g.Nodes), "edges", len(g.Edges))

	out, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return err
}

// =============================================================================
// check-config
// =============================================================================

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, settings, err := opts.load()
			if err != nil {
				return err
			}
			out, err := cfg.Marshal()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "# %d scopes, service %s, status %s\n",
				len(settings.Scopes), settings.ServiceAddr, settings.StatusAddr)
			_, err = w.Write(out)
			return err
		},
	}
}
