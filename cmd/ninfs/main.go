// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

// Command ninfs reads and mounts Nintendo 3DS RomFS images.
package main

import (
	"fmt"
	"os"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/config"
	"github.com/sgnls/ninfs/lib/romfs"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output (like verify) return an
		// ExitError with the desired exit code. Don't print a redundant
		// "error:" line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return root().Execute(os.Args[1:])
}

func root() *cli.Command {
	return &cli.Command{
		Name:        "ninfs",
		Summary:     "RomFS image tools",
		Description: "Tools for reading and mounting Nintendo 3DS RomFS images.",
		Subcommands: []*cli.Command{
			mountCommand(),
			listCommand(),
			extractCommand(),
			infoCommand(),
			verifyCommand(),
			versionCommand(),
		},
	}
}

// loadConfig loads the config file named by --config, or falls back
// to NINFS_CONFIG / the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openImage opens a RomFS image for the read-only commands. Matching
// is case-insensitive unless the config says otherwise; only mount
// exposes a flag for it.
func openImage(imagePath string, cfg *config.Config) (*romfs.Reader, error) {
	return romfs.OpenFile(imagePath, romfs.Options{
		CaseInsensitive: !cfg.Mount.CaseSensitive,
	})
}
