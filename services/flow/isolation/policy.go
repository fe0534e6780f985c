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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalidPolicy is returned when a policy fails validation.
var ErrInvalidPolicy = errors.New("invalid isolation policy")

// PermissionLevel is the coarse trust level of a policy.
type PermissionLevel string

const (
	// PermissionUnrestricted bypasses every filesystem and network check.
	PermissionUnrestricted PermissionLevel = "unrestricted"

	// PermissionStandard is the default level for ordinary tasks.
	PermissionStandard PermissionLevel = "standard"

	// PermissionStrict is for untrusted task bodies.
	PermissionStrict PermissionLevel = "strict"

	// PermissionCustom means the policy fields are hand-assembled.
	PermissionCustom PermissionLevel = "custom"
)

// NetworkMode selects how NetworkPolicy.Hosts is interpreted.
type NetworkMode string

const (
	NetworkAllowAll  NetworkMode = "allow_all"
	NetworkDenyAll   NetworkMode = "deny_all"
	NetworkAllowList NetworkMode = "allow_list"
	NetworkDenyList  NetworkMode = "deny_list"
)

// FileOp is a filesystem operation checked against a policy.
type FileOp string

const (
	OpRead    FileOp = "read"
	OpWrite   FileOp = "write"
	OpCreate  FileOp = "create"
	OpDelete  FileOp = "delete"
	OpExecute FileOp = "execute"
)

// NetworkPolicy controls outbound hosts.
type NetworkPolicy struct {
	Mode  NetworkMode `json:"mode" yaml:"mode"`
	Hosts []string    `json:"hosts,omitempty" yaml:"hosts,omitempty"`
}

// FilesystemPolicy controls which paths a task may touch.
//
// Entries are directories or files. A path is a member of a list when it
// equals an entry or lies beneath it. DeniedPaths always win.
type FilesystemPolicy struct {
	ReadPaths    []string `json:"read_paths,omitempty" yaml:"read_paths,omitempty"`
	WritePaths   []string `json:"write_paths,omitempty" yaml:"write_paths,omitempty"`
	DeniedPaths  []string `json:"denied_paths,omitempty" yaml:"denied_paths,omitempty"`
	AllowCreate  bool     `json:"allow_create,omitempty" yaml:"allow_create,omitempty"`
	AllowDelete  bool     `json:"allow_delete,omitempty" yaml:"allow_delete,omitempty"`
	AllowExecute bool     `json:"allow_execute,omitempty" yaml:"allow_execute,omitempty"`
}

// ResourceLimits are declarative limits passed through to the execution backend.
// Zero means unlimited. The pool enforces WallDuration itself via the task deadline.
type ResourceLimits struct {
	CPUSeconds   int           `json:"cpu_seconds,omitempty" yaml:"cpu_seconds,omitempty"`
	MemoryMB     int           `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	WallDuration time.Duration `json:"wall_duration,omitempty" yaml:"wall_duration,omitempty"`
	OpenFiles    int           `json:"open_files,omitempty" yaml:"open_files,omitempty"`
	Processes    int           `json:"processes,omitempty" yaml:"processes,omitempty"`
}

// Policy is the isolation policy applied to one task.
//
// The zero Policy is a Custom policy with network DenyAll and no
// filesystem access.
type Policy struct {
	Permission PermissionLevel  `json:"permission,omitempty" yaml:"permission,omitempty"`
	Network    NetworkPolicy    `json:"network" yaml:"network"`
	Filesystem FilesystemPolicy `json:"filesystem" yaml:"filesystem"`
	Limits     ResourceLimits   `json:"limits" yaml:"limits"`
}

// sensitivePaths are denied by the Standard and Strict presets.
var sensitivePaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.gnupg",
	"~/.config/gcloud",
	"/etc/shadow",
	"/etc/sudoers",
}

// UnrestrictedPolicy allows every operation.
func UnrestrictedPolicy() Policy {
	return Policy{
		Permission: PermissionUnrestricted,
		Network:    NetworkPolicy{Mode: NetworkAllowAll},
	}
}

// StandardPolicy allows read, write, create, delete and execute under root,
// read access to the system temp dir, and outbound network.
func StandardPolicy(root string) Policy {
	return Policy{
		Permission: PermissionStandard,
		Network:    NetworkPolicy{Mode: NetworkAllowAll},
		Filesystem: FilesystemPolicy{
			ReadPaths:    []string{root, os.TempDir()},
			WritePaths:   []string{root},
			DeniedPaths:  append([]string(nil), sensitivePaths...),
			AllowCreate:  true,
			AllowDelete:  true,
			AllowExecute: true,
		},
	}
}

// StrictPolicy confines a task to root without delete, execute or network
// access, and sets conservative resource limits.
func StrictPolicy(root string) Policy {
	return Policy{
		Permission: PermissionStrict,
		Network:    NetworkPolicy{Mode: NetworkDenyAll},
		Filesystem: FilesystemPolicy{
			ReadPaths:   []string{root},
			WritePaths:  []string{root},
			DeniedPaths: append([]string(nil), sensitivePaths...),
			AllowCreate: true,
		},
		Limits: ResourceLimits{
			CPUSeconds:   60,
			MemoryMB:     512,
			WallDuration: 5 * time.Minute,
			OpenFiles:    256,
			Processes:    16,
		},
	}
}

// Validate checks enum values and limits.
func (p Policy) Validate() error {
	switch p.Permission {
	case "", PermissionUnrestricted, PermissionStandard, PermissionStrict, PermissionCustom:
	default:
		return fmt.Errorf("%w: unknown permission level %q", ErrInvalidPolicy, p.Permission)
	}
	switch p.Network.Mode {
	case "", NetworkAllowAll, NetworkDenyAll, NetworkAllowList, NetworkDenyList:
	default:
		return fmt.Errorf("%w: unknown network mode %q", ErrInvalidPolicy, p.Network.Mode)
	}
	l := p.Limits
	if l.CPUSeconds < 0 || l.MemoryMB < 0 || l.WallDuration < 0 || l.OpenFiles < 0 || l.Processes < 0 {
		return fmt.Errorf("%w: resource limits must be non-negative", ErrInvalidPolicy)
	}
	return nil
}

// Clone returns a deep copy of p.
func (p Policy) Clone() Policy {
	c := p
	c.Network.Hosts = append([]string(nil), p.Network.Hosts...)
	c.Filesystem.ReadPaths = append([]string(nil), p.Filesystem.ReadPaths...)
	c.Filesystem.WritePaths = append([]string(nil), p.Filesystem.WritePaths...)
	c.Filesystem.DeniedPaths = append([]string(nil), p.Filesystem.DeniedPaths...)
	return c
}

// WithWorkspace returns a copy of p that also grants read and write access to dir.
func (p Policy) WithWorkspace(dir string) Policy {
	c := p.Clone()
	if dir == "" {
		return c
	}
	c.Filesystem.ReadPaths = append(c.Filesystem.ReadPaths, dir)
	c.Filesystem.WritePaths = append(c.Filesystem.WritePaths, dir)
	return c
}

// EffectivePermission resolves the zero value to Custom.
func (p Policy) EffectivePermission() PermissionLevel {
	if p.Permission == "" {
		return PermissionCustom
	}
	return p.Permission
}

// resolve returns a copy of p with every path expanded and made absolute
// relative to base. Entries that cannot be resolved are dropped.
func (p Policy) resolve(base string) Policy {
	c := p.Clone()
	c.Filesystem.ReadPaths = resolveAll(base, c.Filesystem.ReadPaths)
	c.Filesystem.WritePaths = resolveAll(base, c.Filesystem.WritePaths)
	c.Filesystem.DeniedPaths = resolveAll(base, c.Filesystem.DeniedPaths)
	for i, h := range c.Network.Hosts {
		c.Network.Hosts[i] = normalizeHost(h)
	}
	return c
}

func resolveAll(base string, paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if r, ok := resolvePath(base, p); ok {
			out = append(out, r)
		}
	}
	return out
}

// resolvePath expands a leading ~ and returns a cleaned absolute path.
// Relative paths are joined to base when base is set.
func resolvePath(base, path string) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}
	return filepath.Clean(abs), true
}

// within reports whether path equals root or lies beneath it.
func within(root, path string) bool {
	if root == path {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchAny(list []string, path string) (string, bool) {
	for _, entry := range list {
		if within(entry, path) {
			return entry, true
		}
	}
	return "", false
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && strings.Count(host, ":") == 1 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

// hostMatches suffix-matches host against a list entry on label boundaries.
// "example.com" and ".example.com" both match "example.com" and "api.example.com".
// "*" matches everything.
func hostMatches(entry, host string) bool {
	if entry == "*" {
		return true
	}
	entry = strings.TrimPrefix(entry, "*")
	entry = strings.TrimPrefix(entry, ".")
	if entry == "" {
		return false
	}
	return host == entry || strings.HasSuffix(host, "."+entry)
}
