// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/romfs"
)

func extractCommand() *cli.Command {
	var (
		configPath  string
		parallelism int
		flagSet     *pflag.FlagSet
	)
	return &cli.Command{
		Name:    "extract",
		Summary: "Extract a RomFS image to a directory",
		Usage:   "ninfs extract <image> <dest> [flags]",
		Examples: []cli.Example{
			{
				Description: "Extract the whole archive",
				Command:     "ninfs extract game.romfs ./out",
			},
			{
				Description: "Limit concurrent file reads",
				Command:     "ninfs extract --parallelism 2 game.romfs ./out",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("extract", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $NINFS_CONFIG)")
			flagSet.IntVarP(&parallelism, "parallelism", "j", 0, "concurrent file reads (0 = one per CPU)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: ninfs extract <image> <dest>")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if flagSet.Changed("parallelism") {
				cfg.Extract.Parallelism = parallelism
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			reader, err := openImage(args[0], cfg)
			if err != nil {
				return err
			}
			defer reader.Close()

			logger := cli.NewCommandLogger(cfg.Level()).With("command", "extract")
			return extractTree(reader, args[1], cfg.Parallelism(), logger)
		},
	}
}

// extractTree copies every file in the archive into dest, recreating
// the directory structure. The directory pass runs first so file
// workers never race a MkdirAll; file copies then run on up to
// parallelism goroutines.
func extractTree(reader *romfs.Reader, dest string, parallelism int, logger *slog.Logger) error {
	var files []string
	err := fs.WalkDir(reader, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dest, filepath.FromSlash(path)), 0o755)
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking archive: %w", err)
	}

	group := new(errgroup.Group)
	group.SetLimit(parallelism)
	for _, path := range files {
		path := path
		group.Go(func() error {
			logger.Debug("extracting", "path", path)
			return extractFile(reader, path, filepath.Join(dest, filepath.FromSlash(path)))
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("extracted", "files", len(files), "dest", dest)
	return nil
}

func extractFile(reader *romfs.Reader, path, target string) error {
	src, err := reader.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer src.Close()

	dst, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("extracting %s: %w", path, err)
	}
	return dst.Close()
}
