// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianFlow/services/flow/dag"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
)

// Error kinds reported in ErrorResponse.
const (
	KindValidation = "validation"
	KindRequest    = "request"
	KindNotFound   = "not_found"
	KindInternal   = "internal"

	KindUnauthorized = "unauthorized"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// bind decodes the JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) bind(c *gin.Context, dst any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	if err := c.ShouldBindJSON(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Kind: KindRequest})
			return false
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindRequest})
		return false
	}
	if err := validate.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindRequest})
		return false
	}
	return true
}

// buildGraph decodes and validates a graph document. On failure it writes a
// 400 response and returns nil.
func (s *Server) buildGraph(c *gin.Context, raw json.RawMessage) *dag.Graph {
	doc, err := dag.DecodeDocument(bytes.NewReader(raw))
	if err == nil {
		var g *dag.Graph
		if g, err = doc.Build(); err == nil {
			return g
		}
	}
	c.JSON(http.StatusBadRequest, validationResponse(err))
	return nil
}

func validationResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error(), Kind: KindValidation}
	var taskErr *dag.TaskError
	if errors.As(err, &taskErr) {
		resp.TaskID = taskErr.TaskID
	}
	var cycle *dag.CycleError
	if errors.As(err, &cycle) {
		resp.Cycle = cycle.Path
	}
	return resp
}

// handleRun builds the submitted graph, runs it and responds with the
// execution result. Task failures are part of a 200 response.
func (s *Server) handleRun(c *gin.Context) {
	var req RunRequest
	if !s.bind(c, &req) {
		return
	}
	g := s.buildGraph(c, req.Graph)
	if g == nil {
		return
	}

	opts := []pool.Option{
		pool.WithLogger(s.logger),
		pool.WithIsolation(s.isolation),
		pool.WithObserver(s.hub),
	}
	if s.opts.Workspaces != nil {
		opts = append(opts, pool.WithWorkspaces(s.opts.Workspaces))
	}
	if s.opts.Checkpoints != nil {
		opts = append(opts, pool.WithCheckpoints(s.opts.Checkpoints))
	}
	p, err := pool.New(req.Config.apply(s.opts.Pool), opts...)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: KindRequest})
		return
	}

	s.activeRuns.Add(1)
	res, err := p.Run(c.Request.Context(), g, s.opts.Runner)
	s.activeRuns.Add(-1)
	if err != nil {
		s.logger.Error("run rejected", slog.String("graph", g.Name()), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: KindInternal})
		return
	}
	s.history.add(res)
	c.JSON(http.StatusOK, res.Wire())
}

// handleValidate builds the submitted graph without running it.
func (s *Server) handleValidate(c *gin.Context) {
	var req ValidateRequest
	if !s.bind(c, &req) {
		return
	}
	g := s.buildGraph(c, req.Graph)
	if g == nil {
		return
	}
	c.JSON(http.StatusOK, ValidateResponse{
		Name:     g.Name(),
		Tasks:    g.TaskCount(),
		Levels:   g.Levels(),
		MaxWidth: g.MaxWidth(),
	})
}

// handleGetRun returns a finished run. Runs evicted from memory are read
// back from the final checkpoint, without task outputs.
func (s *Server) handleGetRun(c *gin.Context) {
	id := c.Param("id")
	if res, ok := s.history.get(id); ok {
		c.JSON(http.StatusOK, res.Wire())
		return
	}
	if s.opts.Checkpoints == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run " + id + " not found", Kind: KindNotFound})
		return
	}

	snap, err := pool.LoadFinal(c.Request.Context(), s.opts.Checkpoints, id)
	switch {
	case errors.Is(err, pool.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run " + id + " not found", Kind: KindNotFound})
	case err != nil:
		s.logger.Error("load final checkpoint failed", slog.String("run_id", id), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Kind: KindInternal})
	case snap.Result == nil:
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "run " + id + " has no final result", Kind: KindNotFound})
	default:
		c.JSON(http.StatusOK, snap.Result)
	}
}

// handleAudit returns isolation audit entries, optionally for one context
// ("context") and limited to the newest "limit" entries.
func (s *Server) handleAudit(c *gin.Context) {
	audit := s.isolation.Audit()
	var entries []isolation.AuditEntry
	if id := c.Query("context"); id != "" {
		entries = audit.EntriesFor(id)
	} else {
		entries = audit.Entries()
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a non-negative integer", Kind: KindRequest})
			return
		}
		if n < len(entries) {
			entries = entries[len(entries)-n:]
		}
	}
	if entries == nil {
		entries = []isolation.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "dropped": audit.Dropped()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:         "ok",
		Runs:           s.history.len(),
		ActiveRuns:     int(s.activeRuns.Load()),
		ActiveContexts: s.isolation.ActiveCount(),
		Subscribers:    s.hub.Subscribers(),
		Checkpoints:    s.opts.Checkpoints != nil,
	})
}
