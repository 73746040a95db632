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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDeploy/pkg/logging"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/config"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/controller"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/secret"
	"github.com/AleutianAI/AleutianDeploy/services/rollout/telemetry"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configPath string
	noReload   bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "rolloutd",
		Short:         "Progressive delivery controller",
		Long:          "rolloutd runs CI/CD pipelines and rolls their deployments out as canary,\nblue-green, rolling or recreate releases gated on live metrics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "rolloutd.yaml", "path to the configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags)
		},
	}
	serve.Flags().BoolVar(&flags.noReload, "no-reload", false, "do not watch the configuration file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runValidate(cmd, flags.configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rolloutd %s\n", version)
		},
	}

	root.AddCommand(serve, validate, versionCmd)
	return root
}

// runValidate loads the file and prints a short summary of what it
// defines.
func runValidate(cmd *cobra.Command, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", path)
	if cfg.DryRun {
		fmt.Fprintln(out, "  mode: dry-run")
	}
	fmt.Fprintf(out, "  environments: %s\n", joinKeys(cfg.Environments))
	fmt.Fprintf(out, "  rollouts: %s\n", joinKeys(cfg.Rollouts))
	for _, def := range cfg.Pipelines {
		marker := ""
		if def.Name == cfg.DefaultPipeline {
			marker = " (default)"
		}
		fmt.Fprintf(out, "  pipeline %s%s: %d stages\n", def.Name, marker, len(def.Stages))
	}
	return nil
}

func joinKeys[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// runServe wires logging and tracing, then runs the controller until
// SIGINT or SIGTERM.
func runServe(parent context.Context, flags *rootFlags) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}
	logs, err := logging.New(logging.Config{
		Level:   level,
		Format:  format,
		Dir:     cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Slog()
	slog.SetDefault(logger)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Stdout:         cfg.Telemetry.Stdout,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	opts := controller.Options{Logger: logger}
	if !flags.noReload {
		opts.ConfigPath = flags.configPath
	}
	c, err := controller.New(cfg, opts)
	if err != nil {
		return err
	}
	defer secret.Purge()
	logger.Info("rolloutd starting",
		slog.String("version", version),
		slog.String("listen", cfg.Server.Listen),
		slog.Bool("dry_run", cfg.DryRun))

	if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("rolloutd stopped")
	return nil
}
