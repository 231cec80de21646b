// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/sgnls/ninfs/cmd/ninfs/cli"
	"github.com/sgnls/ninfs/lib/romfs"
)

func infoCommand() *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "info",
		Summary: "Show metadata about a RomFS image",
		Usage:   "ninfs info <image> [flags]",
		Examples: []cli.Example{
			{
				Description: "Show image geometry and entry counts",
				Command:     "ninfs info game.romfs",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("info", pflag.ContinueOnError)
			flagSet.StringVar(&configPath, "config", "", "config file (default $NINFS_CONFIG)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: ninfs info <image>")
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

			printInfo(os.Stdout, args[0], reader)
			return nil
		},
	}
}

// printInfo writes image geometry and entry counts as aligned
// key/value lines.
func printInfo(w io.Writer, imagePath string, reader *romfs.Reader) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Image:\t%s\n", imagePath)
	fmt.Fprintf(tw, "Image size:\t%d bytes\n", reader.ImageSize())
	if ivfc := reader.IVFC(); ivfc != nil {
		fmt.Fprintf(tw, "Container:\tIVFC\n")
		fmt.Fprintf(tw, "Master hash size:\t%d bytes\n", ivfc.MasterHashSize)
		for i, level := range ivfc.Levels {
			fmt.Fprintf(tw, "Level %d:\toffset %#x, size %d, block size %d\n",
				i+1, level.LogicalOffset, level.Size, level.BlockSize)
		}
	} else {
		fmt.Fprintf(tw, "Container:\tbare Level 3 partition\n")
	}
	fmt.Fprintf(tw, "Level 3 offset:\t%#x\n", reader.Lv3Offset())
	fmt.Fprintf(tw, "Directories:\t%d\n", reader.NumDirectories())
	fmt.Fprintf(tw, "Files:\t%d\n", reader.NumFiles())
	fmt.Fprintf(tw, "Payload size:\t%d bytes\n", reader.TotalSize())
	tw.Flush()
}
