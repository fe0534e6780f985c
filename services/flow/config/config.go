// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the flow service configuration.
//
// Precedence, lowest first: DefaultConfig, the YAML file, FLOW_* environment
// variables. The result is validated once with go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/isolation"
	"github.com/AleutianAI/AleutianFlow/services/flow/pool"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Checkpoint backend names.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendGCS    = "gcs"
)

// Isolation presets.
const (
	PresetStandard     = "standard"
	PresetStrict       = "strict"
	PresetUnrestricted = "unrestricted"
	PresetCustom       = "custom"
)

// Config is the complete service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pool       PoolConfig       `yaml:"pool"`
	Isolation  IsolationConfig  `yaml:"isolation"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP submission surface.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// RunHistory is how many finished runs GET /v1/flow/runs/:id can return.
	RunHistory int `yaml:"run_history" validate:"min=1"`

	// Runner selects the task body implementation: "command" or "echo".
	Runner string `yaml:"runner" validate:"oneof=command echo"`

	// MaxBodyBytes caps submission bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes" validate:"min=1024"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// APIToken, when set, is required as a bearer token by the API.
	APIToken string `yaml:"api_token"`
}

// PoolConfig mirrors pool.Config without the isolation policy.
type PoolConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency" validate:"min=1"`
	TimeoutPerTask time.Duration `yaml:"timeout_per_task" validate:"gt=0"`
	FailFast       bool          `yaml:"fail_fast"`
	AutoCleanup    bool          `yaml:"auto_cleanup"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" validate:"gte=0"`
	StartRate      float64       `yaml:"start_rate" validate:"gte=0"`
}

// IsolationConfig selects the default policy of tasks without their own.
type IsolationConfig struct {
	Preset string `yaml:"preset" validate:"oneof=standard strict unrestricted custom"`

	// Root is the directory the standard and strict presets confine tasks to.
	Root string `yaml:"root"`

	// Policy is used as-is when Preset is "custom".
	Policy isolation.Policy `yaml:"policy"`

	AuditRetention int `yaml:"audit_retention" validate:"gte=0"`
}

// WorkspaceConfig configures per-attempt working directories.
type WorkspaceConfig struct {
	// Root enables workspaces under this directory. Empty disables them.
	Root string `yaml:"root"`
}

// CheckpointConfig selects where run snapshots go.
type CheckpointConfig struct {
	Backend string `yaml:"backend" validate:"oneof=none memory file badger gcs"`

	// Dir is the root of the file backend and the directory of the badger backend.
	Dir string `yaml:"dir" validate:"required_if=Backend file,required_if=Backend badger"`

	GCS checkpoint.ObjectConfig `yaml:"gcs" validate:"-"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
	Quiet bool   `yaml:"quiet"`
}

// DefaultConfig returns a configuration that runs locally without any
// external service.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            12230,
			RunHistory:      100,
			Runner:          "command",
			MaxBodyBytes:    4 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxConcurrency: runtime.NumCPU(),
			TimeoutPerTask: 5 * time.Minute,
			RetryBackoff:   time.Second,
		},
		Isolation: IsolationConfig{
			Preset:         PresetStandard,
			Root:           ".",
			AuditRetention: isolation.DefaultAuditRetention,
		},
		Checkpoint: CheckpointConfig{Backend: BackendNone},
		Telemetry:  telemetry.DefaultConfig(),
		Logging:    LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies FLOW_* overrides and validates.
//
// Description:
//
//	An empty path or a missing file yields the defaults. Unknown YAML keys
//	are rejected so typos surface at startup.
//
// Inputs:
//
//	path - YAML file path. May be empty.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Read, parse or validation failure. Validation wraps ErrInvalid.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decodeStrict(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overrides fields from FLOW_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("FLOW_PORT", &c.Server.Port)
	str("FLOW_RUNNER", &c.Server.Runner)
	str("FLOW_API_TOKEN", &c.Server.APIToken)
	num("FLOW_MAX_CONCURRENCY", &c.Pool.MaxConcurrency)
	dur("FLOW_TIMEOUT_PER_TASK", &c.Pool.TimeoutPerTask)
	flag("FLOW_FAIL_FAST", &c.Pool.FailFast)
	flag("FLOW_AUTO_CLEANUP", &c.Pool.AutoCleanup)
	dur("FLOW_RETRY_BACKOFF", &c.Pool.RetryBackoff)
	str("FLOW_ISOLATION_PRESET", &c.Isolation.Preset)
	str("FLOW_ISOLATION_ROOT", &c.Isolation.Root)
	str("FLOW_WORKSPACE_ROOT", &c.Workspace.Root)
	str("FLOW_CHECKPOINT_BACKEND", &c.Checkpoint.Backend)
	str("FLOW_CHECKPOINT_DIR", &c.Checkpoint.Dir)
	str("FLOW_GCS_BUCKET", &c.Checkpoint.GCS.Bucket)
	str("FLOW_GCS_CREDENTIALS_FILE", &c.Checkpoint.GCS.CredentialsFile)
	str("FLOW_LOG_LEVEL", &c.Logging.Level)
	str("FLOW_LOG_DIR", &c.Logging.Dir)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Checkpoint.Backend == BackendGCS {
		if err := validate.Struct(c.Checkpoint.GCS); err != nil {
			return fmt.Errorf("%w: checkpoint.gcs: %w", ErrInvalid, err)
		}
	}
	policy, err := c.DefaultPolicy()
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("%w: isolation: %w", ErrInvalid, err)
	}
	return nil
}

// DefaultPolicy returns the isolation policy selected by the preset.
func (c *Config) DefaultPolicy() (isolation.Policy, error) {
	root := c.Isolation.Root
	if root == "" {
		root = "."
	}
	switch c.Isolation.Preset {
	case PresetStandard:
		return isolation.StandardPolicy(root), nil
	case PresetStrict:
		return isolation.StrictPolicy(root), nil
	case PresetUnrestricted:
		return isolation.UnrestrictedPolicy(), nil
	case PresetCustom:
		return c.Isolation.Policy.Clone(), nil
	default:
		return isolation.Policy{}, fmt.Errorf("%w: unknown isolation preset %q", ErrInvalid, c.Isolation.Preset)
	}
}

// PoolConfig converts the pool section and the isolation preset.
func (c *Config) PoolConfig() (pool.Config, error) {
	policy, err := c.DefaultPolicy()
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		MaxConcurrency: c.Pool.MaxConcurrency,
		TimeoutPerTask: c.Pool.TimeoutPerTask,
		FailFast:       c.Pool.FailFast,
		AutoCleanup:    c.Pool.AutoCleanup,
		RetryBackoff:   c.Pool.RetryBackoff,
		StartRate:      c.Pool.StartRate,
		DefaultPolicy:  policy,
	}, nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig(service string) logging.Config {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Logging.Dir,
		Service: service,
		JSON:    c.Logging.JSON,
		Quiet:   c.Logging.Quiet,
	}
}
