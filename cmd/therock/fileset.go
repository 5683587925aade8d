package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/fileset"
	"github.com/ROCm/therock-tools/internal/manifest"
)

func filesetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "include", Usage: "Glob pattern to include (repeatable, default all)"},
		&cli.StringSliceFlag{Name: "exclude", Usage: "Glob pattern to exclude (repeatable)"},
	}
}

func filesetCommand() *cli.Command {
	return &cli.Command{
		Name:  "fileset",
		Usage: "Select files under base directories with include/exclude globs",
		Subcommands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "Print matching paths relative to each base directory",
				ArgsUsage: "BASEDIR...",
				Flags:     filesetFlags(),
				Action: func(c *cli.Context) error {
					if c.NArg() == 0 {
						return cli.Exit("fileset list: at least one BASEDIR is required", exitConfiguration)
					}
					for _, basedir := range c.Args().Slice() {
						paths, err := fileset.Match(basedir, c.StringSlice("include"), c.StringSlice("exclude"))
						if err != nil {
							return err
						}
						for _, p := range paths {
							fmt.Fprintln(c.App.Writer, p)
						}
					}
					return nil
				},
			},
			{
				Name:      "copy",
				Usage:     "Copy matching files from each base directory into DEST",
				ArgsUsage: "DEST BASEDIR...",
				Flags: append(filesetFlags(),
					&cli.BoolFlag{Name: "always-copy", Usage: "Never hard-link"},
				),
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return cli.Exit("fileset copy: DEST and at least one BASEDIR are required", exitConfiguration)
					}
					log := appLogger(c)
					dest := c.Args().First()
					writer := manifest.NewWriter(log, c.Bool("always-copy"))
					for _, basedir := range c.Args().Tail() {
						paths, err := fileset.Match(basedir, c.StringSlice("include"), c.StringSlice("exclude"))
						if err != nil {
							return err
						}
						if err := writer.Copy(basedir, paths, dest); err != nil {
							return err
						}
						log.Info("copied fileset", zap.String("basedir", basedir), zap.String("dest", dest), zap.Int("files", len(paths)))
					}
					return nil
				},
			},
		},
	}
}
