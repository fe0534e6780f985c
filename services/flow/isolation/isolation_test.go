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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewAuditLog(100), nil)
}

func TestManager_CreateAndDestroy(t *testing.T) {
	m := newTestManager(t)

	c, err := m.Create("task-a", StandardPolicy(t.TempDir()))
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, "task-a", c.TaskID())
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, []string{c.ID()}, m.Active())

	info, ok := m.Get(c.ID())
	require.True(t, ok)
	assert.Equal(t, PermissionStandard, info.Permission)

	m.Destroy(c)
	assert.Equal(t, 0, m.ActiveCount())
	assert.True(t, c.Destroyed())

	// Idempotent.
	m.Destroy(c)
	m.Destroy(nil)
	assert.Equal(t, 0, m.ActiveCount())

	entries := m.Audit().EntriesFor(c.ID())
	require.Len(t, entries, 2)
	assert.Equal(t, AuditContextCreate, entries[0].Operation)
	assert.Equal(t, AuditContextDestroy, entries[1].Operation)
}

func TestManager_CreateRejectsInvalidPolicy(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create("t", Policy{Permission: "root"})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = m.Create("t", Policy{Network: NetworkPolicy{Mode: "sometimes"}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = m.Create("t", Policy{Limits: ResourceLimits{MemoryMB: -1}})
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	assert.Equal(t, 0, m.ActiveCount())
}

func TestManager_ConcurrentCreateDestroy(t *testing.T) {
	m := newTestManager(t)
	root := t.TempDir()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Create(fmt.Sprintf("t%d", i), StrictPolicy(root))
			if err != nil {
				return
			}
			c.CheckFilesystem("t", filepath.Join(root, "x"), OpRead)
			m.Destroy(c)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.ActiveCount())
}

func TestCheckFilesystem_Standard(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	c, err := m.Create("build", StandardPolicy(root))
	require.NoError(t, err)
	defer m.Destroy(c)

	inside := filepath.Join(root, "src", "main.go")
	outside := filepath.Join(filepath.Dir(root), "elsewhere", "file")

	assert.True(t, c.CheckFilesystem("build", inside, OpRead))
	assert.True(t, c.CheckFilesystem("build", inside, OpWrite))
	assert.True(t, c.CheckFilesystem("build", inside, OpCreate))
	assert.True(t, c.CheckFilesystem("build", inside, OpDelete))
	assert.True(t, c.CheckFilesystem("build", inside, OpExecute))
	assert.False(t, c.CheckFilesystem("build", outside, OpWrite))
}

func TestCheckFilesystem_DeniedWinsOverAllowed(t *testing.T) {
	root := t.TempDir()
	secrets := filepath.Join(root, "secrets")
	p := StandardPolicy(root)
	p.Filesystem.DeniedPaths = append(p.Filesystem.DeniedPaths, secrets)

	m := newTestManager(t)
	c, err := m.Create("t", p)
	require.NoError(t, err)

	assert.False(t, c.CheckFilesystem("t", filepath.Join(secrets, "key.pem"), OpRead))
	assert.False(t, c.CheckFilesystem("t", secrets, OpRead))
	assert.True(t, c.CheckFilesystem("t", filepath.Join(root, "secrets-public"), OpRead),
		"prefix match must respect path boundaries")

	entries := m.Audit().EntriesFor(c.ID())
	var denied []AuditEntry
	for _, e := range entries {
		if !e.Allowed {
			denied = append(denied, e)
		}
	}
	require.Len(t, denied, 2)
	assert.Contains(t, denied[0].Reason, "denied path")
}

func TestCheckFilesystem_TildeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	m := newTestManager(t)
	c, err := m.Create("t", StandardPolicy(home))
	require.NoError(t, err)

	assert.False(t, c.CheckFilesystem("t", "~/.ssh/id_ed25519", OpRead))
	assert.False(t, c.CheckFilesystem("t", filepath.Join(home, ".ssh", "id_ed25519"), OpRead))
	assert.True(t, c.CheckFilesystem("t", "~/projects/readme.md", OpRead))
}

func TestCheckFilesystem_Strict(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	c, err := m.Create("t", StrictPolicy(root))
	require.NoError(t, err)

	f := filepath.Join(root, "out.txt")
	assert.True(t, c.CheckFilesystem("t", f, OpCreate))
	assert.False(t, c.CheckFilesystem("t", f, OpDelete))
	assert.False(t, c.CheckFilesystem("t", f, OpExecute))
	assert.False(t, c.CheckNetwork("t", "example.com"))
	assert.Equal(t, 5*time.Minute, c.Limits().WallDuration)
}

func TestCheckFilesystem_CapabilityFlags(t *testing.T) {
	root := t.TempDir()
	p := Policy{
		Permission: PermissionCustom,
		Filesystem: FilesystemPolicy{
			ReadPaths:  []string{root},
			WritePaths: []string{root},
		},
	}
	m := newTestManager(t)
	c, err := m.Create("t", p)
	require.NoError(t, err)

	f := filepath.Join(root, "a")
	assert.True(t, c.CheckFilesystem("t", f, OpWrite))
	assert.False(t, c.CheckFilesystem("t", f, OpCreate))
	assert.False(t, c.CheckFilesystem("t", f, OpDelete))
	assert.False(t, c.CheckFilesystem("t", f, OpExecute))
	assert.False(t, c.CheckFilesystem("t", f, FileOp("chmod")))
}

func TestCheckFilesystem_RelativeToWorkspace(t *testing.T) {
	ws := t.TempDir()
	m := newTestManager(t)
	c, err := m.Create("t", Policy{Permission: PermissionCustom}, WithWorkspace(ws))
	require.NoError(t, err)

	assert.Equal(t, ws, c.Workspace())
	assert.True(t, c.CheckFilesystem("t", "build/output.bin", OpWrite))
	assert.False(t, c.CheckFilesystem("t", "../escape", OpWrite))
}

func TestCheckFilesystem_Unrestricted(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Create("t", UnrestrictedPolicy())
	require.NoError(t, err)

	assert.True(t, c.CheckFilesystem("t", "/etc/shadow", OpDelete))
	assert.True(t, c.CheckFilesystem("t", "/usr/bin/env", OpExecute))
	assert.True(t, c.CheckNetwork("t", "anything.invalid"))
}

func TestCheckFilesystem_AfterDestroyDenied(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Create("t", UnrestrictedPolicy())
	require.NoError(t, err)
	m.Destroy(c)

	assert.False(t, c.CheckFilesystem("t", "/tmp/x", OpRead))
	assert.False(t, c.CheckNetwork("t", "example.com"))
}

func TestCheckNetwork_Modes(t *testing.T) {
	tests := []struct {
		name   string
		policy NetworkPolicy
		host   string
		want   bool
	}{
		{"allow all", NetworkPolicy{Mode: NetworkAllowAll}, "example.com", true},
		{"deny all", NetworkPolicy{Mode: NetworkDenyAll}, "example.com", false},
		{"zero mode denies", NetworkPolicy{}, "example.com", false},
		{"allow list exact", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{"example.com"}}, "example.com", true},
		{"allow list subdomain", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{"example.com"}}, "api.example.com", true},
		{"allow list label boundary", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{"example.com"}}, "badexample.com", false},
		{"allow list dotted entry", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{".corp.internal"}}, "ci.corp.internal", true},
		{"allow list with port and scheme", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{"example.com"}}, "https://API.example.com:8443/path", true},
		{"allow list miss", NetworkPolicy{Mode: NetworkAllowList, Hosts: []string{"example.com"}}, "other.org", false},
		{"deny list hit", NetworkPolicy{Mode: NetworkDenyList, Hosts: []string{"tracker.io"}}, "cdn.tracker.io", false},
		{"deny list miss", NetworkPolicy{Mode: NetworkDenyList, Hosts: []string{"tracker.io"}}, "example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			c, err := m.Create("t", Policy{Permission: PermissionCustom, Network: tt.policy})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.CheckNetwork("t", tt.host))
		})
	}
}

func TestRequire_ReturnsAccessDeniedError(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Create("t", StrictPolicy(t.TempDir()))
	require.NoError(t, err)

	err = c.RequireNetwork("t", "example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessDenied))

	var denied *AccessDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, c.ID(), denied.ContextID)
	assert.Equal(t, "example.com", denied.Target)

	err = c.RequireFilesystem("t", "/definitely/outside", OpRead)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestAuditLog_Retention(t *testing.T) {
	log := NewAuditLog(3)
	for i := 0; i < 5; i++ {
		log.Append(AuditEntry{ContextID: fmt.Sprintf("c%d", i)})
	}

	assert.Equal(t, 3, log.Len())
	assert.Equal(t, int64(2), log.Dropped())
	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "c2", entries[0].ContextID)
	assert.Equal(t, "c4", entries[2].ContextID)
	assert.False(t, entries[0].Timestamp.IsZero())

	assert.Equal(t, DefaultAuditRetention, NewAuditLog(0).Retention())
}

func TestAuditLog_EveryDecisionRecorded(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t)
	c, err := m.Create("t", StandardPolicy(root))
	require.NoError(t, err)

	before := m.Audit().Len()
	c.CheckFilesystem("t", filepath.Join(root, "a"), OpRead)
	c.CheckFilesystem("t", "/nowhere/b", OpWrite)
	c.CheckNetwork("t", "example.com")
	assert.Equal(t, before+3, m.Audit().Len())
}

func TestPolicy_WithWorkspaceDoesNotMutate(t *testing.T) {
	p := StrictPolicy("/srv/a")
	q := p.WithWorkspace("/srv/b")

	assert.Len(t, p.Filesystem.ReadPaths, 1)
	assert.Len(t, q.Filesystem.ReadPaths, 2)
	assert.Equal(t, PermissionCustom, Policy{}.EffectivePermission())
}
