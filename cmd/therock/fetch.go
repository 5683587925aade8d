package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/amdgpu"
	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/artifactstore"
	"github.com/ROCm/therock-tools/internal/config"
	"github.com/ROCm/therock-tools/internal/descriptor"
)

func selectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "library", Usage: "Target-specific library to include: blas, fft, miopen, prim, rand, rccl (repeatable, default all)"},
		&cli.BoolFlag{Name: "base-only", Usage: "Only the target-neutral base artifacts"},
		&cli.BoolFlag{Name: "tests", Usage: "Include test components"},
		&cli.BoolFlag{Name: "dev", Usage: "Include development components"},
	}
}

func selectionFrom(c *cli.Context) artifactstore.Selection {
	return artifactstore.Selection{
		Libraries: c.StringSlice("library"),
		BaseOnly:  c.Bool("base-only"),
		Tests:     c.Bool("tests"),
		Dev:       c.Bool("dev"),
	}
}

// familyAndGroup picks the GPU family from --amdgpu-family, then the
// artifact group, then the GPUs on this host.
func familyAndGroup(c *cli.Context, cfg *config.Config, log *zap.Logger) (string, string, error) {
	family := c.String("amdgpu-family")
	group := firstNonEmpty(c.String("artifact-group"), cfg.Bisect.ArtifactGroup)
	if family == "" && group != "" {
		family = amdgpu.FamilyFromGroup(group)
	}
	if family == "" {
		detected, err := amdgpu.NewDetector("", log).Family()
		if err != nil {
			return "", "", err
		}
		family = detected
	}
	if family == "" {
		return "", "", descriptor.Configurationf("--amdgpu-family", "no GPU family given and none detected")
	}
	if !amdgpu.ValidFamily(family) {
		return "", "", descriptor.Configurationf("--amdgpu-family", "invalid GPU family %q", family)
	}
	if group == "" {
		group = family
	}
	return family, group, nil
}

func fetchCommand() *cli.Command {
	flags := append(runFlags(),
		&cli.StringFlag{Name: "amdgpu-family", Usage: "GPU family, e.g. gfx94X (default: from --artifact-group or the host)"},
		&cli.StringFlag{Name: "artifact-group", Usage: "Artifact group, e.g. gfx94X-dcgpu"},
		&cli.StringFlag{Name: "output-dir", Usage: "Install directory to flatten into"},
		&cli.BoolFlag{Name: "list", Usage: "Only list the artifact names the run published"},
		&cli.BoolFlag{Name: "keep-archives", Usage: "Keep downloaded archives in OUTPUT-DIR/.archives"},
	)
	return &cli.Command{
		Name:  "fetch",
		Usage: "Download a run's artifacts and flatten them into an install directory",
		Flags: append(flags, selectionFlags()...),
		Action: func(c *cli.Context) error {
			log := appLogger(c)
			cfg := appConfig(c)

			family, group, err := familyAndGroup(c, cfg, log)
			if err != nil {
				return err
			}
			root, err := resolveRoot(c, cfg, log)
			if err != nil {
				return err
			}
			backend, err := backendFunc(cfg, group, log)(root)
			if err != nil {
				return err
			}

			if c.Bool("list") {
				available, err := backend.List(c.Context, "")
				if err != nil {
					return err
				}
				for _, name := range artifactstore.Names(available) {
					fmt.Fprintln(c.App.Writer, name)
				}
				return nil
			}

			outputDir := c.String("output-dir")
			if outputDir == "" {
				return cli.Exit("fetch: --output-dir is required unless --list is given", exitConfiguration)
			}
			archivesDir := filepath.Join(outputDir, ".archives")
			fetcher := artifactstore.NewFetcher(backend, retryPolicy(cfg), cfg.Bisect.Fetch.Jobs, log)
			archives, err := fetcher.Fetch(c.Context, selectionFrom(c), root.Platform, family, archivesDir)
			if err != nil {
				return err
			}
			if err := archive.Flatten(archives, outputDir); err != nil {
				return err
			}
			if !c.Bool("keep-archives") {
				if err := os.RemoveAll(archivesDir); err != nil {
					return err
				}
			}
			log.Info("installed artifacts",
				zap.String("run", root.Prefix()),
				zap.String("family", family),
				zap.Int("archives", len(archives)),
				zap.String("output_dir", outputDir))
			return nil
		},
	}
}
