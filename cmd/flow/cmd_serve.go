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
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/api"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

func (a *app) newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the graph submission API",
		Long: `Start the HTTP API.

Routes:
  POST /v1/flow/runs       run a graph and return its result
  POST /v1/flow/validate   validate a graph and return its levels
  GET  /v1/flow/runs/:id   a finished run
  GET  /v1/flow/events     websocket stream of run events
  GET  /v1/flow/audit      isolation audit entries
  GET  /v1/flow/health     liveness
  GET  /metrics            Prometheus metrics`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig("")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cmd, cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", config.DefaultConfig().Server.Port, "listen port")
	return cmd
}

func serve(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	defer logger.Close()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	runner, err := newRunner(cfg.Server.Runner)
	if err != nil {
		return err
	}
	pc, err := cfg.PoolConfig()
	if err != nil {
		return err
	}
	ws, err := cfg.WorkspaceBackend(logger.Slog())
	if err != nil {
		return err
	}
	store, err := cfg.OpenCheckpointStore(ctx, logger.Slog())
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	opts := api.Options{
		Pool:           pc,
		Runner:         runner,
		Isolation:      cfg.IsolationManager(logger.Slog()),
		Workspaces:     ws,
		Checkpoints:    store,
		RunHistory:     cfg.Server.RunHistory,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MetricsHandler: telemetry.MetricsHandler(),
		Token:          cfg.Server.APIToken,
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger.Slog(),
	}
	srv, err := api.NewServer(opts)
	if err != nil {
		return err
	}
	return srv.Serve(ctx, fmt.Sprintf(":%d", cfg.Server.Port), cfg.Server.ShutdownTimeout)
}
