package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/fileset"
	"github.com/ROCm/therock-tools/internal/manifest"
)

func newResolver(c *cli.Context, log *zap.Logger) *fileset.Resolver {
	if c.Bool("no-component-defaults") {
		return fileset.NewResolver(log)
	}
	return fileset.NewResolver(log, fileset.WithComponentDefaults(fileset.StandardDefaults()))
}

func artifactCommand() *cli.Command {
	return &cli.Command{
		Name:  "artifact",
		Usage: "Slice one component out of a staging tree into a directory and manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root-dir", Usage: "Build staging root (required)"},
			&cli.StringFlag{Name: "descriptor", Usage: "Artifact descriptor, .toml or .yaml (required)"},
			&cli.StringFlag{Name: "component", Usage: "Component to slice: lib, run, dev, dbg, doc or test (required)"},
			&cli.StringFlag{Name: "output-dir", Usage: "Component directory to (re)create (required)"},
			&cli.StringFlag{Name: "manifest", Usage: "Where to write the component manifest"},
			&cli.BoolFlag{Name: "always-copy", Usage: "Never hard-link"},
			&cli.BoolFlag{Name: "no-component-defaults", Usage: "Do not merge the standard per-component patterns"},
		},
		Action: func(c *cli.Context) error {
			// The parent command cannot mark these Required without also
			// demanding them from "artifact check".
			if err := requireFlags(c, "root-dir", "descriptor", "component", "output-dir"); err != nil {
				return err
			}
			log := appLogger(c)
			d, err := descriptor.Load(c.String("descriptor"))
			if err != nil {
				return err
			}
			set, err := newResolver(c, log).Resolve(c.String("root-dir"), d, c.String("component"))
			if err != nil {
				return err
			}
			alwaysCopy := c.Bool("always-copy") || appConfig(c).Archive.AlwaysCopy
			return manifest.NewWriter(log, alwaysCopy).Write(set, c.String("output-dir"), c.String("manifest"))
		},
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Resolve every component of a descriptor and report files claimed twice",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "root-dir", Required: true, Usage: "Build staging root"},
					&cli.StringFlag{Name: "descriptor", Required: true, Usage: "Artifact descriptor (.toml or .yaml)"},
					&cli.BoolFlag{Name: "no-component-defaults", Usage: "Do not merge the standard per-component patterns"},
				},
				Action: func(c *cli.Context) error {
					log := appLogger(c)
					d, err := descriptor.Load(c.String("descriptor"))
					if err != nil {
						return err
					}
					resolver := newResolver(c, log)
					var sets []*fileset.Fileset
					for _, component := range d.ComponentNames() {
						set, err := resolver.Resolve(c.String("root-dir"), d, component)
						if err != nil {
							return err
						}
						fmt.Fprintf(c.App.Writer, "%s: %d files\n", component, set.Len())
						sets = append(sets, set)
					}
					overlaps := fileset.CheckPartition(sets...)
					for _, o := range overlaps {
						fmt.Fprintf(c.App.Writer, "overlap: %s (%s)\n", o.Path, strings.Join(o.Components, ", "))
					}
					if len(overlaps) > 0 {
						return cli.Exit(fmt.Sprintf("%d files are claimed by more than one component", len(overlaps)), exitFailure)
					}
					return nil
				},
			},
		},
	}
}

func requireFlags(c *cli.Context, names ...string) error {
	var missing []string
	for _, name := range names {
		if c.String(name) == "" {
			missing = append(missing, "--"+name)
		}
	}
	if len(missing) > 0 {
		return cli.Exit(fmt.Sprintf("%s: missing required flags %s", c.Command.FullName(), strings.Join(missing, ", ")), exitConfiguration)
	}
	return nil
}
