// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config is the ninfs configuration.
type Config struct {
	// Mount supplies defaults for the mount command.
	Mount MountConfig `yaml:"mount"`

	// Extract supplies defaults for the extract and verify commands.
	Extract ExtractConfig `yaml:"extract"`

	// LogLevel sets the minimum log level: debug, info, warn, or
	// error.
	LogLevel string `yaml:"log_level"`
}

// MountConfig supplies defaults for the mount command.
type MountConfig struct {
	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool `yaml:"allow_other"`

	// SingleThreaded serializes FUSE request dispatch.
	SingleThreaded bool `yaml:"single_threaded"`

	// CaseSensitive disables the default case-insensitive path
	// matching.
	CaseSensitive bool `yaml:"case_sensitive"`
}

// ExtractConfig supplies defaults for commands that walk the whole
// archive.
type ExtractConfig struct {
	// Parallelism bounds concurrent file reads. Zero means one
	// worker per CPU.
	Parallelism int `yaml:"parallelism"`
}

// Default returns the built-in configuration used when no config file
// is named.
func Default() *Config {
	return &Config{
		LogLevel: "info",
	}
}

// Load loads configuration from the file named by the NINFS_CONFIG
// environment variable. When the variable is unset, the defaults
// apply; this is the normal case, since the config file is optional.
func Load() (*Config, error) {
	path := os.Getenv("NINFS_CONFIG")
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. Unknown
// keys are an error: a misspelled key silently falling back to a
// default is worse than a refused config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values. LoadFile calls this; callers that
// build a Config directly should too.
func (c *Config) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q (use debug, info, warn, or error)", c.LogLevel)
	}
	if c.Extract.Parallelism < 0 {
		return fmt.Errorf("extract parallelism %d is negative", c.Extract.Parallelism)
	}
	return nil
}

// Level returns the configured log level. The value must have passed
// Validate; an unparseable level falls back to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Parallelism returns the effective worker count for extract and
// verify: the configured value, or one per CPU when unset.
func (c *Config) Parallelism() int {
	if c.Extract.Parallelism > 0 {
		return c.Extract.Parallelism
	}
	return runtime.NumCPU()
}
