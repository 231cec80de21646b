// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/version"
)

func versionCommand() *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Show version information",
		Usage:   "ninfs version [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include Go version and platform")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("usage: ninfs version")
			}
			if full {
				fmt.Println("ninfs " + version.Full())
			} else {
				fmt.Println("ninfs " + version.Info())
			}
			return nil
		},
	}
}
