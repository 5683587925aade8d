package main

import (
	"runtime"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/buildgraph"
	"github.com/ROCm/therock-tools/internal/config"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/manifest"
	"github.com/ROCm/therock-tools/internal/registry"
)

func generateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Run the manifest and archive steps of every enabled artifact slice",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "build-config", Required: true, Usage: "Build configuration declaring options, sub-builds and slices"},
			&cli.StringFlag{Name: "root-dir", Required: true, Usage: "Build staging root"},
			&cli.StringFlag{Name: "output-dir", Required: true, Usage: "Where component directories, manifests and archives go"},
			&cli.StringFlag{Name: "target", Value: registry.TargetArchives, Usage: "artifacts or archives"},
			&cli.IntFlag{Name: "jobs", Usage: "Steps run in parallel (default: the config file, then the number of CPUs)"},
			&cli.StringSliceFlag{Name: "set", Usage: "Override a feature option, OPTION=on|off (repeatable)"},
			&cli.BoolFlag{Name: "no-component-defaults", Usage: "Do not merge the standard per-component patterns"},
		},
		Action: func(c *cli.Context) error {
			log := appLogger(c)
			cfg := appConfig(c)

			target := c.String("target")
			if target != registry.TargetArtifacts && target != registry.TargetArchives {
				return descriptor.Configurationf("--target", "unknown target %q (want %s or %s)", target, registry.TargetArtifacts, registry.TargetArchives)
			}
			overrides, err := parseOverrides(c.StringSlice("set"))
			if err != nil {
				return err
			}
			archiveType, err := archive.ParseType(cfg.Archive.Type)
			if err != nil {
				return descriptor.Configurationf("archive.type", "%v", err)
			}

			bc, err := config.LoadBuildConfig(c.String("build-config"))
			if err != nil {
				return err
			}
			optionGraph, err := bc.OptionGraph()
			if err != nil {
				return err
			}
			snapshot, err := optionGraph.Resolve(overrides)
			if err != nil {
				return err
			}
			for name, reason := range snapshot.Disabled() {
				log.Debug("option disabled", zap.String("option", name), zap.String("reason", reason))
			}

			gen := registry.NewGenerator(
				c.String("root-dir"),
				c.String("output-dir"),
				archiveType,
				newResolver(c, log),
				manifest.NewWriter(log, cfg.Archive.AlwaysCopy),
				archive.NewBuilder(log, cfg.Archive.Level),
				log,
			)
			reg := registry.New(buildgraph.New(), gen, log)
			if err := bc.Register(reg); err != nil {
				return err
			}
			if err := reg.ActivateAll(snapshot.Enabled); err != nil {
				return err
			}

			jobs := c.Int("jobs")
			if jobs <= 0 {
				jobs = cfg.Archive.Jobs
			}
			if jobs <= 0 {
				jobs = runtime.NumCPU()
			}
			return buildgraph.NewRunner(reg.Graph(), log).Run(c.Context, target, jobs)
		},
	}
}

// parseOverrides reads OPTION=on|off pairs.
func parseOverrides(pairs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, descriptor.Configurationf("--set", "expected OPTION=on|off, got %q", pair)
		}
		switch strings.ToLower(value) {
		case "on", "true", "1", "yes":
			out[name] = true
		case "off", "false", "0", "no":
			out[name] = false
		default:
			return nil, descriptor.Configurationf("--set", "%s: %q is not on or off", name, value)
		}
	}
	return out, nil
}
