// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes graph submission over HTTP.
//
// Routes:
//
//	POST /v1/flow/runs      build and run a graph, respond with the result
//	POST /v1/flow/validate  build a graph and respond with its levels
//	GET  /v1/flow/runs/:id  a finished run from history or the checkpoint store
//	GET  /v1/flow/events    websocket stream of run events
//	GET  /v1/flow/audit     isolation audit entries
//	GET  /v1/flow/health    liveness and counters
//	GET  /metrics           Prometheus metrics, when a handler is configured
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/workspace"
)

// DefaultMaxBodyBytes caps submission bodies when Options leaves it zero.
const DefaultMaxBodyBytes = 4 << 20

// ErrNilRunner is returned by NewServer without a runner.
var ErrNilRunner = errors.New("api: runner must not be nil")

// Options configures a Server.
type Options struct {
	// Pool is the default pool configuration. Requests may override parts of it.
	Pool pool.Config

	// Runner executes task bodies. Required.
	Runner pool.Runner

	// Isolation is shared by every run. Nil creates one.
	Isolation *isolation.Manager

	// Workspaces and Checkpoints are optional.
	Workspaces  workspace.Backend
	Checkpoints checkpoint.Store

	// RunHistory bounds the finished runs kept in memory. Zero means 100.
	RunHistory int

	MaxBodyBytes int64

	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler

	// Token, when set, is required as a bearer token on every /v1/flow
	// route except health.
	Token string

	// ServiceName labels server spans. Empty means "aleutian-flow".
	ServiceName string

	Logger *slog.Logger
}

// Server serves the flow API.
//
// Thread Safety:
//
//	Safe for concurrent use. Each submitted run gets its own pool that
//	shares the server's isolation manager, workspaces and checkpoint store.
type Server struct {
	opts       Options
	logger     *slog.Logger
	isolation  *isolation.Manager
	hub        *Hub
	history    *runHistory
	router     *gin.Engine
	activeRuns atomic.Int64
}

// NewServer validates opts and registers the routes.
//
// Inputs:
//
//	opts - Server options. Runner is required and Pool must be valid.
//
// Outputs:
//
//	*Server - The server.
//	error - ErrNilRunner, or a wrapped pool.ErrInvalidConfig.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, ErrNilRunner
	}
	if err := opts.Pool.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RunHistory <= 0 {
		opts.RunHistory = 100
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "aleutian-flow"
	}
	if opts.Isolation == nil {
		opts.Isolation = isolation.NewManager(nil, opts.Logger)
	}

	s := &Server{
		opts:      opts,
		logger:    opts.Logger,
		isolation: opts.Isolation,
		hub:       NewHub(opts.Logger),
		history:   newRunHistory(opts.RunHistory),
	}
	s.initRouter()
	return s, nil
}

func (s *Server) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.opts.ServiceName))
	s.router.Use(s.accessLog())

	if s.opts.MetricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.MetricsHandler))
	}

	v1 := s.router.Group("/v1/flow")
	v1.GET("/health", s.handleHealth)

	authed := v1.Group("")
	if s.opts.Token != "" {
		authed.Use(tokenAuth(s.opts.Token))
	}
	{
		authed.POST("/runs", s.handleRun)
		authed.GET("/runs/:id", s.handleGetRun)
		authed.POST("/validate", s.handleValidate)
		authed.GET("/events", s.hub.handleEvents)
		authed.GET("/audit", s.handleAudit)
	}
}

// accessLog logs each request after it completes.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// Router returns the gin engine, primarily for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("flow server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("flow server shutting down", slog.Duration("timeout", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
