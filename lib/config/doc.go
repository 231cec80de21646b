// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for ninfs.
//
// Configuration is loaded from a single file specified by either the
// NINFS_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search; when neither names a file, the
// built-in defaults apply. Command-line flags always win over file
// values, so the file only supplies defaults for flags the user did
// not set.
//
// Key exports:
//
//   - [Config] -- mount defaults, extract parallelism, log level
//   - [Default] -- returns a Config with the built-in defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
package config
