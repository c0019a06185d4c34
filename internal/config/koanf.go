// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/conclave/config.yaml",
	"/etc/conclave/config.yml",
}

// ConfigPathEnvVar is the environment variable that overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix is the prefix for environment variable overrides, e.g.
// CONCLAVE_SERVER__PORT=8080 overrides server.port.
const envPrefix = "CONCLAVE_"

// Load resolves the configuration: defaults, then the config file (if any),
// then environment variables. The result is validated before being returned.
func Load() (*Config, error) {
	return LoadFrom(resolveConfigPath())
}

// LoadFrom loads configuration using an explicit config file path. An empty
// path skips the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	// Layer 1: compiled-in defaults.
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Layer 2: optional YAML file.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// Layer 3: environment variables. Double underscore separates nesting
	// levels so single underscores survive inside key names
	// (CONCLAVE_DATAPLANE__COMMAND_TIMEOUT → dataplane.command_timeout).
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveConfigPath returns the first existing config file, honoring the
// CONFIG_PATH override. Returns empty when no file exists (defaults + env only).
func resolveConfigPath() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks structural constraints declared via validate tags plus
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.DataPlane.BaseReconnectDelay <= 0 {
		return fmt.Errorf("invalid configuration: dataplane.base_reconnect_delay must be positive")
	}
	if c.DataPlane.MaxReconnectDelay < c.DataPlane.BaseReconnectDelay {
		return fmt.Errorf("invalid configuration: dataplane.max_reconnect_delay must be >= base_reconnect_delay")
	}
	if c.Presence.HeartbeatTimeout <= 0 || c.Presence.AwayThreshold <= 0 {
		return fmt.Errorf("invalid configuration: presence thresholds must be positive")
	}
	if c.Dedup.Window <= 0 || c.Dedup.CleanupInterval <= 0 {
		return fmt.Errorf("invalid configuration: dedup window and cleanup interval must be positive")
	}
	if c.Ingest.Enabled {
		if c.Ingest.SourceTopic == "" || c.Ingest.StreamTopic == "" {
			return fmt.Errorf("invalid configuration: ingest topics must be set when ingest is enabled")
		}
	}

	return nil
}
