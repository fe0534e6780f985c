// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package isolation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Context is the isolated execution context of one task attempt.
//
// Description:
//
//	A Context carries a resolved copy of its policy (paths expanded and
//	absolute) and records every decision in the shared audit log. After
//	Destroy every check is denied.
//
// Thread Safety:
//
//	Safe for concurrent use. The resolved policy is immutable.
type Context struct {
	id        string
	taskID    string
	workspace string
	createdAt time.Time
	policy    Policy
	audit     *AuditLog
	logger    *slog.Logger
	destroyed atomic.Bool
}

// ID returns the unique context id.
func (c *Context) ID() string { return c.id }

// TaskID returns the id of the task this context was created for.
func (c *Context) TaskID() string { return c.taskID }

// Workspace returns the disposable working directory, or "" when none.
func (c *Context) Workspace() string { return c.workspace }

// CreatedAt returns the creation time.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Limits returns the resource limits unchanged from the policy.
func (c *Context) Limits() ResourceLimits { return c.policy.Limits }

// Policy returns a copy of the resolved policy.
func (c *Context) Policy() Policy { return c.policy.Clone() }

// Destroyed reports whether Destroy has run.
func (c *Context) Destroyed() bool { return c.destroyed.Load() }

// CheckFilesystem decides whether actor may perform op on path.
//
// Description:
//
//	The path is expanded (~), made absolute relative to the workspace and
//	cleaned. Unrestricted permission allows everything. Otherwise a match in
//	DeniedPaths denies; read needs ReadPaths membership; write needs
//	WritePaths membership; create and delete additionally need AllowCreate
//	and AllowDelete; execute needs AllowExecute. Every decision is audited.
//
// Inputs:
//
//	actor - Who is asking (task id, tool name).
//	path - Target path.
//	op - The operation.
//
// Outputs:
//
//	bool - True when allowed.
func (c *Context) CheckFilesystem(actor, path string, op FileOp) bool {
	allowed, target, reason := c.decideFilesystem(path, op)
	c.record(actor, "fs."+string(op), target, allowed, reason)
	return allowed
}

// CheckNetwork decides whether actor may connect to host.
//
// AllowAll allows, DenyAll denies, AllowList allows suffix matches and
// DenyList denies suffix matches.
func (c *Context) CheckNetwork(actor, host string) bool {
	allowed, target, reason := c.decideNetwork(host)
	c.record(actor, AuditNetwork, target, allowed, reason)
	return allowed
}

// RequireFilesystem is CheckFilesystem returning an *AccessDeniedError on denial.
func (c *Context) RequireFilesystem(actor, path string, op FileOp) error {
	allowed, target, reason := c.decideFilesystem(path, op)
	c.record(actor, "fs."+string(op), target, allowed, reason)
	if allowed {
		return nil
	}
	return &AccessDeniedError{ContextID: c.id, Operation: string(op), Target: target, Reason: reason}
}

// RequireNetwork is CheckNetwork returning an *AccessDeniedError on denial.
func (c *Context) RequireNetwork(actor, host string) error {
	allowed, target, reason := c.decideNetwork(host)
	c.record(actor, AuditNetwork, target, allowed, reason)
	if allowed {
		return nil
	}
	return &AccessDeniedError{ContextID: c.id, Operation: "connect", Target: target, Reason: reason}
}

func (c *Context) decideFilesystem(path string, op FileOp) (bool, string, string) {
	target, ok := resolvePath(c.workspace, path)
	if !ok {
		return false, path, "path cannot be resolved"
	}
	if c.destroyed.Load() {
		return false, target, ErrContextDestroyed.Error()
	}
	if c.policy.EffectivePermission() == PermissionUnrestricted {
		return true, target, ""
	}

	fs := c.policy.Filesystem
	if entry, denied := matchAny(fs.DeniedPaths, target); denied {
		return false, target, fmt.Sprintf("path is under denied path %s", entry)
	}

	switch op {
	case OpRead:
		if _, ok := matchAny(fs.ReadPaths, target); !ok {
			return false, target, "path not in read paths"
		}
	case OpWrite, OpCreate, OpDelete:
		if _, ok := matchAny(fs.WritePaths, target); !ok {
			return false, target, "path not in write paths"
		}
		if op == OpCreate && !fs.AllowCreate {
			return false, target, "create not allowed"
		}
		if op == OpDelete && !fs.AllowDelete {
			return false, target, "delete not allowed"
		}
	case OpExecute:
		if !fs.AllowExecute {
			return false, target, "execute not allowed"
		}
	default:
		return false, target, fmt.Sprintf("unknown operation %q", op)
	}
	return true, target, ""
}

func (c *Context) decideNetwork(host string) (bool, string, string) {
	target := normalizeHost(host)
	if c.destroyed.Load() {
		return false, target, ErrContextDestroyed.Error()
	}
	if c.policy.EffectivePermission() == PermissionUnrestricted {
		return true, target, ""
	}
	if target == "" {
		return false, target, "empty host"
	}

	net := c.policy.Network
	switch net.Mode {
	case NetworkAllowAll:
		return true, target, ""
	case NetworkAllowList:
		for _, entry := range net.Hosts {
			if hostMatches(entry, target) {
				return true, target, ""
			}
		}
		return false, target, "host not in allow list"
	case NetworkDenyList:
		for _, entry := range net.Hosts {
			if hostMatches(entry, target) {
				return false, target, fmt.Sprintf("host matches deny list entry %s", entry)
			}
		}
		return true, target, ""
	default:
		return false, target, "network access denied"
	}
}

func (c *Context) record(actor, op, target string, allowed bool, reason string) {
	if c.audit != nil {
		c.audit.Append(AuditEntry{
			ContextID: c.id,
			Actor:     actor,
			Operation: op,
			Target:    target,
			Allowed:   allowed,
			Reason:    reason,
		})
	}
	if !allowed {
		c.logger.Warn("isolation denied operation",
			slog.String("context_id", c.id),
			slog.String("task_id", c.taskID),
			slog.String("actor", actor),
			slog.String("operation", op),
			slog.String("target", target),
			slog.String("reason", reason),
		)
	}
}

// ContextInfo is a copy-out snapshot of an active context.
type ContextInfo struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Permission PermissionLevel `json:"permission"`
	Workspace  string          `json:"workspace,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ContextOption configures a context at creation.
type ContextOption func(*contextOptions)

type contextOptions struct {
	workspace string
}

// WithWorkspace attaches a working directory and grants read and write access to it.
func WithWorkspace(dir string) ContextOption {
	return func(o *contextOptions) { o.workspace = dir }
}

// Manager creates, tracks and destroys isolation contexts.
//
// Thread Safety:
//
//	Safe for concurrent use. The active registry is guarded by a RWMutex.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Context
	audit  *AuditLog
	logger *slog.Logger
}

// NewManager creates a Manager. A nil audit gets a log with default
// retention; a nil logger uses slog.Default().
func NewManager(audit *AuditLog, logger *slog.Logger) *Manager {
	if audit == nil {
		audit = NewAuditLog(DefaultAuditRetention)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		active: make(map[string]*Context),
		audit:  audit,
		logger: logger,
	}
}

// Audit returns the shared audit log.
func (m *Manager) Audit() *AuditLog { return m.audit }

// Create validates policy and registers a new context for taskID.
//
// Outputs:
//
//	*Context - The context. Callers must pass it to Destroy.
//	error - Wraps ErrInvalidPolicy when the policy is malformed.
func (m *Manager) Create(taskID string, policy Policy, opts ...ContextOption) (*Context, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("create isolation context for %s: %w", taskID, err)
	}
	var o contextOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.workspace != "" {
		policy = policy.WithWorkspace(o.workspace)
	}

	c := &Context{
		id:        uuid.NewString(),
		taskID:    taskID,
		workspace: o.workspace,
		createdAt: time.Now(),
		policy:    policy.resolve(o.workspace),
		audit:     m.audit,
		logger:    m.logger,
	}

	m.mu.Lock()
	m.active[c.id] = c
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		Timestamp: c.createdAt,
		ContextID: c.id,
		Actor:     taskID,
		Operation: AuditContextCreate,
		Target:    string(c.policy.EffectivePermission()),
		Allowed:   true,
	})
	m.logger.Debug("isolation context created",
		slog.String("context_id", c.id),
		slog.String("task_id", taskID),
		slog.String("permission", string(c.policy.EffectivePermission())),
	)
	return c, nil
}

// Destroy removes c from the registry. Calling it more than once, or with
// nil, is a no-op.
func (m *Manager) Destroy(c *Context) {
	if c == nil || !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	delete(m.active, c.id)
	m.mu.Unlock()

	m.audit.Append(AuditEntry{
		ContextID: c.id,
		Actor:     c.taskID,
		Operation: AuditContextDestroy,
		Target:    c.workspace,
		Allowed:   true,
	})
	m.logger.Debug("isolation context destroyed",
		slog.String("context_id", c.id),
		slog.String("task_id", c.taskID),
		slog.Duration("lifetime", time.Since(c.createdAt)),
	)
}

// Get returns a snapshot of an active context.
func (m *Manager) Get(id string) (ContextInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.active[id]
	if !ok {
		return ContextInfo{}, false
	}
	return ContextInfo{
		ID:         c.id,
		TaskID:     c.taskID,
		Permission: c.policy.EffectivePermission(),
		Workspace:  c.workspace,
		CreatedAt:  c.createdAt,
	}, true
}

// Active returns the ids of live contexts, sorted.
func (m *Manager) Active() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ActiveCount returns the number of live contexts.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
