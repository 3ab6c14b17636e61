// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for privd.
//
// Configuration is loaded from a single YAML file specified by the
// --config flag or the PRIVD_CONFIG environment variable. There are no
// fallbacks or automatic discovery; every unset field takes a
// documented default. This keeps the daemon's effective configuration
// deterministic and auditable.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config
// flag is given.
const EnvVar = "PRIVD_CONFIG"

// Duration wraps time.Duration with YAML unmarshaling from strings
// like "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the privd daemon configuration.
type Config struct {
	// RuntimeDir holds the service sockets and the startup lock
	// file. Created with mode 0755 if absent.
	RuntimeDir string `yaml:"runtime_dir"`

	// Database is the path to the privilege database file. The
	// daemon refuses to start if the file is missing; it is created
	// only by an explicit --init-db run.
	Database string `yaml:"database"`

	// GroupPolicy is the path to the static privilege-to-groups
	// mapping, consumed only by --init-db seeding.
	GroupPolicy string `yaml:"group_policy"`

	// IdleTimeout closes connections that complete no read within
	// the period. Protects against slow or stalled peers holding
	// connection slots.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ShutdownGrace bounds how long workers may drain their queues
	// after the termination signal.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// QueueDepth is the per-service event queue capacity.
	QueueDepth int `yaml:"queue_depth"`

	// PoolSize is the privilege store connection pool size.
	PoolSize int `yaml:"pool_size"`
}

// Default returns the built-in configuration used when a field (or
// the whole file) is absent.
func Default() Config {
	return Config{
		RuntimeDir:    "/run/privd",
		Database:      "/var/lib/privd/privilege.db",
		GroupPolicy:   "/etc/privd/privilege-groups.yaml",
		IdleTimeout:   Duration(30 * time.Second),
		ShutdownGrace: Duration(5 * time.Second),
		QueueDepth:    256,
		PoolSize:      4,
	}
}

// Load reads the configuration file at path. An empty path falls back
// to the PRIVD_CONFIG environment variable, and if that is also unset,
// the defaults are returned unchanged. Unset fields take their
// defaults; the result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c Config) Validate() error {
	if c.RuntimeDir == "" {
		return fmt.Errorf("runtime_dir must not be empty")
	}
	if !filepath.IsAbs(c.RuntimeDir) {
		return fmt.Errorf("runtime_dir %q must be absolute", c.RuntimeDir)
	}
	if c.Database == "" {
		return fmt.Errorf("database must not be empty")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("shutdown_grace must be positive")
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive")
	}
	return nil
}

// GroupPolicyFile is the on-disk format of the static privilege group
// mapping seeded into the database by --init-db.
type GroupPolicyFile struct {
	Privileges []GroupMapping `yaml:"privileges"`
}

// GroupMapping binds one privilege name to the OS groups that grant
// it.
type GroupMapping struct {
	Name   string   `yaml:"name"`
	Groups []string `yaml:"groups"`
}

// LoadGroupPolicy reads and validates a privilege group policy file.
func LoadGroupPolicy(path string) (GroupPolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GroupPolicyFile{}, fmt.Errorf("reading group policy %s: %w", path, err)
	}
	var policy GroupPolicyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return GroupPolicyFile{}, fmt.Errorf("parsing group policy %s: %w", path, err)
	}
	for _, mapping := range policy.Privileges {
		if mapping.Name == "" {
			return GroupPolicyFile{}, fmt.Errorf("group policy %s: privilege with empty name", path)
		}
	}
	return policy, nil
}
