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
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/results"
)

// runHistory keeps the most recent finished runs. The oldest run is evicted
// once the limit is reached.
type runHistory struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string]*results.PoolExecutionResult
}

func newRunHistory(limit int) *runHistory {
	if limit < 1 {
		limit = 1
	}
	return &runHistory{limit: limit, runs: make(map[string]*results.PoolExecutionResult)}
}

func (h *runHistory) add(res *results.PoolExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.runs[res.RunID]; !ok {
		h.order = append(h.order, res.RunID)
	}
	h.runs[res.RunID] = res
	for len(h.order) > h.limit {
		delete(h.runs, h.order[0])
		h.order = h.order[1:]
	}
}

func (h *runHistory) get(id string) (*results.PoolExecutionResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	res, ok := h.runs[id]
	return res, ok
}

func (h *runHistory) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.order)
}
