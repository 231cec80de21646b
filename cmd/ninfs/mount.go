// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/romfs/fuse"
)

func mountCommand() *cli.Command {
	var (
		configPath     string
		allowOther     bool
		singleThreaded bool
		caseSensitive  bool
		debug          bool
		volumeName     string
		flagSet        *pflag.FlagSet
	)
	return &cli.Command{
		Name:    "mount",
		Summary: "Mount a RomFS image as a read-only filesystem",
		Description: "Mount a RomFS image as a read-only FUSE filesystem.\n\n" +
			"The mount serves the archive's directory tree directly from the\n" +
			"image file. Unmount with 'fusermount -u <mountpoint>' or by\n" +
			"sending the mount process SIGINT or SIGTERM.",
		Usage: "ninfs mount <image> <mountpoint> [flags]",
		Examples: []cli.Example{
			{
				Description: "Mount a game's RomFS",
				Command:     "ninfs mount game.romfs /mnt/romfs",
			},
			{
				Description: "Share the mount with other users",
				Command:     "ninfs mount --allow-other game.romfs /mnt/romfs",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet = pflag.NewFlagSet("mount", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $NINFS_CONFIG)")
			flagSet.BoolVar(&allowOther, "allow-other", false, "allow other users to access the mount")
			flagSet.BoolVar(&singleThreaded, "single-threaded", false, "serialize FUSE request dispatch")
			flagSet.BoolVar(&caseSensitive, "case-sensitive", false, "match path case exactly")
			flagSet.BoolVar(&debug, "debug", false, "log every FUSE request")
			flagSet.StringVar(&volumeName, "volume-name", "", "filesystem source name shown in mount tables")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: ninfs mount <image> <mountpoint>")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Config supplies defaults; explicit flags win.
			if !flagSet.Changed("allow-other") {
				allowOther = cfg.Mount.AllowOther
			}
			if !flagSet.Changed("single-threaded") {
				singleThreaded = cfg.Mount.SingleThreaded
			}
			if !flagSet.Changed("case-sensitive") {
				caseSensitive = cfg.Mount.CaseSensitive
			}

			logger := cli.NewCommandLogger(cfg.Level()).With("command", "mount")

			server, err := fuse.Mount(fuse.Options{
				ImagePath:      args[0],
				Mountpoint:     args[1],
				CaseSensitive:  caseSensitive,
				AllowOther:     allowOther,
				SingleThreaded: singleThreaded,
				Debug:          debug,
				VolumeName:     volumeName,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			logger.Info("mounted", "image", args[0], "mountpoint", args[1])

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan struct{})
			go func() {
				server.Wait()
				close(done)
			}()

			select {
			case <-ctx.Done():
				logger.Info("signal received, unmounting")
			case <-done:
				// Unmounted externally, e.g. fusermount -u.
				logger.Info("mount ended")
			}
			return server.Close()
		},
	}
}
