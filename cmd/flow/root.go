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
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
)

var (
	// errRunFailed is returned when a run finishes with failed, timed-out
	// or cancelled tasks.
	errRunFailed = errors.New("run finished with failures")

	// errInvalidGraph is returned after a validation error has been printed.
	errInvalidGraph = errors.New("graph is invalid")
)

// app holds the persistent flags shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "flow",
		Short: "Run task graphs with bounded concurrency and isolation",
		Long: `flow executes DAGs of tasks level by level.

Graphs are YAML or JSON documents with tasks, dependencies and optional
conditional branches. Each task attempt runs in its own isolation context.

Examples:
  flow validate pipeline.yaml
  flow plan pipeline.yaml
  flow run pipeline.yaml --max-concurrency 4 --fail-fast
  flow run pipeline.yaml --watch
  flow serve --port 12230`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "flow.yaml", "config file; missing file uses defaults")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(
		a.newValidateCmd(),
		a.newPlanCmd(),
		a.newRunCmd(),
		a.newServeCmd(),
	)
	return root
}

// loadConfig reads the config file and applies the --log-level override.
// fallbackLevel is used when neither the flag nor FLOW_LOG_LEVEL is set and
// the file keeps the default level.
func (a *app) loadConfig(fallbackLevel string) (config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return config.Config{}, err
	}
	switch {
	case a.logLevel != "":
		cfg.Logging.Level = a.logLevel
	case fallbackLevel != "" && cfg.Logging.Level == config.DefaultConfig().Logging.Level:
		cfg.Logging.Level = fallbackLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.Config, stderr io.Writer) *logging.Logger {
	lc := cfg.LoggerConfig("flow")
	lc.Output = stderr
	return logging.New(lc)
}

// newRunner returns the task body implementation named in the config.
func newRunner(name string) (pool.Runner, error) {
	switch name {
	case "command", "":
		return &pool.CommandRunner{Actor: "flow"}, nil
	case "echo":
		return pool.NewEchoRunner(), nil
	default:
		return nil, fmt.Errorf("unknown runner %q", name)
	}
}

// loadGraph reads and builds a graph document. "-" reads stdin. A
// validation failure is printed to stderr and reported as errInvalidGraph.
func loadGraph(cmd *cobra.Command, path string) (*dag.Graph, error) {
	var (
		doc *dag.Document
		err error
	)
	if path == "-" {
		doc, err = dag.DecodeDocument(cmd.InOrStdin())
	} else {
		doc, err = dag.LoadDocument(path)
	}
	if err == nil {
		var g *dag.Graph
		if g, err = doc.Build(); err == nil {
			return g, nil
		}
	}
	if !errors.Is(err, dag.ErrValidation) {
		return nil, err
	}
	if perr := ux.NewPrinter(cmd.ErrOrStderr()).ValidationError(err); perr != nil {
		return nil, errors.Join(err, perr)
	}
	return nil, errInvalidGraph
}
