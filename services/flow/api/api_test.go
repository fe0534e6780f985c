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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const diamondGraph = `{
  "name": "diamond",
  "tasks": [
    {"id": "a", "payload": {"output": {"score": 0.9}}},
    {"id": "b", "dependencies": ["a"]},
    {"id": "c", "dependencies": ["a"]},
    {"id": "d", "dependencies": ["b", "c"]}
  ]
}`

func testOptions() Options {
	return Options{
		Pool: pool.Config{
			MaxConcurrency: 2,
			TimeoutPerTask: 5 * time.Second,
			DefaultPolicy:  isolation.UnrestrictedPolicy(),
		},
		Runner: pool.NewEchoRunner(),
	}
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := NewServer(opts)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestNewServer_Validation(t *testing.T) {
	opts := testOptions()
	opts.Runner = nil
	_, err := NewServer(opts)
	assert.ErrorIs(t, err, ErrNilRunner)

	opts = testOptions()
	opts.Pool.MaxConcurrency = 0
	_, err = NewServer(opts)
	assert.ErrorIs(t, err, pool.ErrInvalidConfig)
}

func TestHandleValidate(t *testing.T) {
	s := newTestServer(t, testOptions())

	w := do(t, s, http.MethodPost, "/v1/flow/validate", `{"graph": `+diamondGraph+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ValidateResponse](t, w)
	assert.Equal(t, "diamond", resp.Name)
	assert.Equal(t, 4, resp.Tasks)
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, resp.Levels)
	assert.Equal(t, 2, resp.MaxWidth)
}

func TestHandleValidate_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantKind  string
		wantTask  string
		wantCycle bool
	}{
		{"malformed body", `{"graph": `, KindRequest, "", false},
		{"missing graph", `{}`, KindRequest, "", false},
		{"unknown graph field", `{"graph": {"name": "g", "tasks": [{"id": "a", "cmd": "x"}]}}`, KindValidation, "", false},
		{"empty graph", `{"graph": {"name": "g", "tasks": []}}`, KindValidation, "", false},
		{"dangling dependency", `{"graph": {"name": "g", "tasks": [{"id": "a", "dependencies": ["ghost"]}]}}`, KindValidation, "", false},
		{"cycle", `{"graph": {"name": "g", "tasks": [
			{"id": "a", "dependencies": ["b"]},
			{"id": "b", "dependencies": ["a"]}]}}`, KindValidation, "", true},
		{"bad timeout", `{"graph": {"name": "g", "tasks": [{"id": "a", "timeout": "soon"}]}}`, KindValidation, "a", false},
	}
	s := newTestServer(t, testOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/flow/validate", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			resp := decode[ErrorResponse](t, w)
			assert.Equal(t, tt.wantKind, resp.Kind)
			assert.NotEmpty(t, resp.Error)
			if tt.wantTask != "" {
				assert.Equal(t, tt.wantTask, resp.TaskID)
			}
			if tt.wantCycle {
				assert.NotEmpty(t, resp.Cycle)
			}
		})
	}
}

func TestHandleRun(t *testing.T) {
	s := newTestServer(t, testOptions())

	w := do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res := decode[results.PoolExecutionResultJSON](t, w)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 4, res.TotalTasks)
	assert.Equal(t, 4, res.SuccessCount)
	assert.InDelta(t, 1.0, res.SuccessRate, 1e-9)
	require.Len(t, res.Results, 4)
	assert.Equal(t, "a", res.Results[0].TaskID)
	assert.Equal(t, map[string]any{"score": 0.9}, res.Results[0].Output)

	w = do(t, s, http.MethodGet, "/v1/flow/runs/"+res.RunID, "")
	require.Equal(t, http.StatusOK, w.Code)
	again := decode[results.PoolExecutionResultJSON](t, w)
	assert.Equal(t, res.RunID, again.RunID)
	assert.Equal(t, 4, again.SuccessCount)
}

func TestHandleRun_ConfigOverrides(t *testing.T) {
	s := newTestServer(t, testOptions())
	body := `{
	  "graph": {"name": "ff", "tasks": [
	    {"id": "a", "payload": {"fail": "boom"}},
	    {"id": "b", "dependencies": ["a"]}
	  ]},
	  "config": {"maxConcurrency": 1, "failFast": true, "retryBackoffMs": 0, "timeoutSeconds": 2}
	}`
	w := do(t, s, http.MethodPost, "/v1/flow/runs", body)
	require.Equal(t, http.StatusOK, w.Code, "task failures are part of a successful response")

	res := decode[results.PoolExecutionResultJSON](t, w)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 1, res.CancelledCount)
	assert.InDelta(t, 0.5, res.FailureRate, 1e-9)
}

func TestHandleRun_InvalidConfig(t *testing.T) {
	s := newTestServer(t, testOptions())
	w := do(t, s, http.MethodPost, "/v1/flow/runs",
		`{"graph": `+diamondGraph+`, "config": {"maxConcurrency": -3}}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindRequest, decode[ErrorResponse](t, w).Kind)
}

func TestHandleRun_BodyTooLarge(t *testing.T) {
	opts := testOptions()
	opts.MaxBodyBytes = 64
	s := newTestServer(t, opts)
	w := do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandleGetRun_CheckpointFallback(t *testing.T) {
	opts := testOptions()
	opts.RunHistory = 1
	opts.Checkpoints = checkpoint.NewMemoryStore()
	s := newTestServer(t, opts)

	first := decode[results.PoolExecutionResultJSON](t,
		do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`))
	second := decode[results.PoolExecutionResultJSON](t,
		do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`))
	require.NotEqual(t, first.RunID, second.RunID)

	_, inMemory := s.history.get(first.RunID)
	require.False(t, inMemory, "history holds one run")

	w := do(t, s, http.MethodGet, "/v1/flow/runs/"+first.RunID, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	restored := decode[results.PoolExecutionResultJSON](t, w)
	assert.Equal(t, first.RunID, restored.RunID)
	assert.Equal(t, 4, restored.SuccessCount)

	w = do(t, s, http.MethodGet, "/v1/flow/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetRun_NotFoundWithoutStore(t *testing.T) {
	s := newTestServer(t, testOptions())
	w := do(t, s, http.MethodGet, "/v1/flow/runs/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, decode[ErrorResponse](t, w).Kind)
}

func TestHandleAudit(t *testing.T) {
	s := newTestServer(t, testOptions())
	do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`)

	w := do(t, s, http.MethodGet, "/v1/flow/audit", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Entries []isolation.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 8, "one create and one destroy per task")

	w = do(t, s, http.MethodGet, "/v1/flow/audit?limit=2&context="+body.Entries[0].ContextID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, isolation.AuditContextCreate, body.Entries[0].Operation)
	assert.Equal(t, isolation.AuditContextDestroy, body.Entries[1].Operation)

	w = do(t, s, http.MethodGet, "/v1/flow/audit?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, testOptions())
	do(t, s, http.MethodPost, "/v1/flow/runs", `{"graph": `+diamondGraph+`}`)

	w := do(t, s, http.MethodGet, "/v1/flow/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Runs)
	assert.Zero(t, h.ActiveRuns)
	assert.Zero(t, h.ActiveContexts)
	assert.False(t, h.Checkpoints)
}

func TestMetricsRoute(t *testing.T) {
	opts := testOptions()
	opts.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("flow_runs_total 1\n"))
	})
	s := newTestServer(t, opts)
	w := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flow_runs_total")

	s = newTestServer(t, testOptions())
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/metrics", "").Code)
}

func TestHub_FilterAndDrop(t *testing.T) {
	h := NewHub(nil)
	all, cancelAll := h.Subscribe("")
	one, cancelOne := h.Subscribe("r1")
	assert.Equal(t, 2, h.Subscribers())

	h.OnEvent(pool.Event{Type: pool.EventRunStarted, RunID: "r1"})
	h.OnEvent(pool.Event{Type: pool.EventRunStarted, RunID: "r2"})
	assert.Len(t, all, 2)
	assert.Len(t, one, 1)

	cancelOne()
	cancelOne()
	_, open := <-one
	assert.True(t, open, "buffered event is still readable")
	_, open = <-one
	assert.False(t, open)

	for i := 0; i < subscriberBuffer; i++ {
		h.OnEvent(pool.Event{RunID: "r3"})
	}
	assert.Equal(t, int64(2), h.Dropped(), "two events overflowed the buffer of the remaining subscriber")
	cancelAll()
	assert.Zero(t, h.Subscribers())
}

func TestHandleEvents_StreamsRun(t *testing.T) {
	s := newTestServer(t, testOptions())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/flow/events"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return s.Hub().Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	resp, err := http.Post(srv.URL+"/v1/flow/runs", "application/json",
		bytes.NewBufferString(`{"graph": `+diamondGraph+`}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	finished := map[string]results.Status{}
	for ctx.Err() == nil {
		var e pool.Event
		require.NoError(t, ws.ReadJSON(&e))
		if e.Type == pool.EventTaskFinished {
			finished[e.TaskID] = e.Status
		}
		if e.Type == pool.EventRunFinished {
			break
		}
	}
	assert.Equal(t, map[string]results.Status{
		"a": results.StatusSuccess,
		"b": results.StatusSuccess,
		"c": results.StatusSuccess,
		"d": results.StatusSuccess,
	}, finished)
}

func TestRunConfig_Apply(t *testing.T) {
	base := testOptions().Pool
	assert.Equal(t, base.MaxConcurrency, (*RunConfig)(nil).apply(base).MaxConcurrency)

	off, backoff := false, 250
	got := (&RunConfig{
		MaxConcurrency: 8,
		TimeoutSeconds: 1.5,
		FailFast:       &off,
		RetryBackoffMs: &backoff,
		StartRate:      10,
	}).apply(base)
	assert.Equal(t, 8, got.MaxConcurrency)
	assert.Equal(t, 1500*time.Millisecond, got.TimeoutPerTask)
	assert.False(t, got.FailFast)
	assert.Equal(t, 250*time.Millisecond, got.RetryBackoff)
	assert.Equal(t, 10.0, got.StartRate)
}

func TestTokenAuth(t *testing.T) {
	opts := testOptions()
	opts.Token = "s3cret"
	s := newTestServer(t, opts)

	w := do(t, s, http.MethodPost, "/v1/flow/validate", `{"graph": `+diamondGraph+`}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, KindUnauthorized, decode[ErrorResponse](t, w).Kind)

	req := httptest.NewRequest(http.MethodPost, "/v1/flow/validate", strings.NewReader(`{"graph": `+diamondGraph+`}`))
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/flow/validate", strings.NewReader(`{"graph": `+diamondGraph+`}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/flow/audit?token=s3cret", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/v1/flow/health", "").Code, "health is public")
}
