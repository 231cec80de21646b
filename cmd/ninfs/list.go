// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/romfs"
)

func listCommand() *cli.Command {
	var (
		configPath string
		long       bool
	)
	return &cli.Command{
		Name:    "list",
		Summary: "List the contents of a RomFS image",
		Usage:   "ninfs list <image> [path] [flags]",
		Examples: []cli.Example{
			{
				Description: "List every entry in the archive",
				Command:     "ninfs list game.romfs",
			},
			{
				Description: "List a subtree with sizes",
				Command:     "ninfs list --long game.romfs data/models",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $NINFS_CONFIG)")
			flagSet.BoolVarP(&long, "long", "l", false, "show entry type and size")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("usage: ninfs list <image> [path]")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			reader, err := openImage(args[0], cfg)
			if err != nil {
				return err
			}
			defer reader.Close()

			root := "."
			if len(args) == 2 {
				root = archiveName(args[1])
			}
			return listTree(os.Stdout, reader, root, long)
		},
	}
}

// archiveName converts a user-supplied archive path ("/data/models",
// "data/models/") into an io/fs name. The archive root maps to ".".
func archiveName(path string) string {
	name := strings.Trim(path, "/")
	if name == "" {
		return "."
	}
	return name
}

// listTree writes one line per entry under root, depth first with
// names sorted within each directory. With long set, each line carries
// the entry type and size.
func listTree(w io.Writer, reader *romfs.Reader, root string, long bool) error {
	return fs.WalkDir(reader, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !long {
			_, err := fmt.Fprintln(w, path)
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		kind := "f"
		if d.IsDir() {
			kind = "d"
		}
		_, err = fmt.Fprintf(w, "%s %10d  %s\n", kind, info.Size(), path)
		return err
	})
}
