// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation is matched by every build-time validation error.
//
//	if errors.Is(err, dag.ErrValidation) { ... }
var ErrValidation = errors.New("graph validation failed")

// validationError is a sentinel that also matches ErrValidation.
type validationError struct{ msg string }

func (e *validationError) Error() string        { return e.msg }
func (e *validationError) Is(target error) bool { return target == ErrValidation }

// Sentinel validation errors.
var (
	// ErrEmptyGraph is returned when a graph has no tasks.
	ErrEmptyGraph error = &validationError{"graph has no tasks"}

	// ErrInvalidTask is returned for a task with an empty id, unknown kind or malformed branches.
	ErrInvalidTask error = &validationError{"invalid task"}

	// ErrDuplicateTask is returned when two tasks share an id.
	ErrDuplicateTask error = &validationError{"task with this id already exists"}

	// ErrDanglingEdge is returned when an edge endpoint is not a known task.
	ErrDanglingEdge error = &validationError{"edge references unknown task"}

	// ErrInvalidEdge is returned for a guarded edge leaving a non-conditional task.
	ErrInvalidEdge error = &validationError{"invalid edge"}

	// ErrCircularDependency is returned when the graph contains a cycle.
	ErrCircularDependency error = &validationError{"circular dependency"}

	// ErrMissingDefaultBranch is returned for a conditional task without branches.
	ErrMissingDefaultBranch error = &validationError{"conditional task has no branch to default to"}

	// ErrInvalidDocument is returned when a graph document cannot be decoded.
	ErrInvalidDocument error = &validationError{"invalid graph document"}
)

// TaskError wraps an error with the task that caused it.
type TaskError struct {
	TaskID string
	Err    error
}

// Error returns the error message.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q: %v", e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTaskError creates a TaskError.
func NewTaskError(taskID string, err error) *TaskError {
	return &TaskError{TaskID: taskID, Err: err}
}

// DanglingEdgeError names the edge whose endpoint is unknown.
type DanglingEdgeError struct {
	From string
	To   string
}

// Error returns the error message.
func (e *DanglingEdgeError) Error() string {
	return fmt.Sprintf("dangling edge %q -> %q: edge references unknown task", e.From, e.To)
}

// Unwrap returns ErrDanglingEdge.
func (e *DanglingEdgeError) Unwrap() error {
	return ErrDanglingEdge
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCircularDependency.
func (e *CycleError) Unwrap() error {
	return ErrCircularDependency
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
