package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ROCm/therock-tools/internal/amdgpu"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

func addressCommand() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "Print the storage keys and URLs of a run's outputs",
		Flags: append(runFlags(),
			&cli.StringFlag{Name: "group", Usage: "Artifact group, e.g. gfx94X-dcgpu"},
			&cli.StringFlag{Name: "name", Usage: "Artifact name, e.g. blas"},
			&cli.StringFlag{Name: "component", Value: "lib", Usage: "Artifact component"},
			&cli.StringFlag{Name: "family", Usage: "Artifact family (default: derived from --group)"},
		),
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			root, err := resolveRoot(c, cfg, appLogger(c))
			if err != nil {
				return err
			}
			group := c.String("group")
			var g runoutputs.GroupRoot
			if group != "" {
				if g, err = root.ForGroup(group); err != nil {
					return err
				}
			}

			w := c.App.Writer
			line := func(key, value string) { fmt.Fprintf(w, "%-24s %s\n", key+":", value) }
			line("bucket", root.Bucket)
			line("prefix", root.Prefix())
			line("s3", root.S3URI())
			line("https", root.HTTPSURL())
			if cfg.Storage.StagingDir != "" {
				line("local", root.LocalPath(cfg.Storage.StagingDir))
			}

			if name := c.String("name"); name != "" {
				family := c.String("family")
				if family == "" {
					family = amdgpu.Generic
					if group != "" {
						family = amdgpu.FamilyFromGroup(group)
					}
				}
				key, err := root.ArtifactKey(name, c.String("component"), family)
				if err != nil {
					return err
				}
				line("artifact key", key)
				line("artifact url", root.ArtifactURL(runoutputs.ArtifactFilename(name, c.String("component"), family, "")))
			}
			if group != "" {
				line("artifact index", g.ArtifactIndexURL())
				line("logs", g.LogsS3URI())
				line("log index", g.LogIndexURL())
				if root.Platform == "linux" {
					line("build time analysis", g.BuildTimeAnalysisURL())
				}
				line("manifest", g.ManifestURL())
				line("python packages", g.PythonPackagesPrefix())
			}
			return nil
		},
	}
}
