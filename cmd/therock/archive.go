package main

import (
	"github.com/urfave/cli/v2"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/descriptor"
)

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Pack a component directory into a compressed tar with a sha256 sidecar",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "component-dir", Required: true, Usage: "Directory written by the artifact command"},
			&cli.StringFlag{Name: "output", Required: true, Usage: "Archive path (.tar.xz or .tar.zst)"},
			&cli.StringFlag{Name: "type", Usage: "xz or zst (default: from --output, then the config file)"},
			&cli.StringFlag{Name: "hash-file", Usage: "Sidecar path (default: OUTPUT.sha256sum)"},
			&cli.IntFlag{Name: "level", Value: -1, Usage: "Compression level (default: from the config file)"},
		},
		Action: func(c *cli.Context) error {
			cfg := appConfig(c)
			output := c.String("output")

			t, err := archiveType(c.String("type"), output, cfg.Archive.Type)
			if err != nil {
				return err
			}
			level := cfg.Archive.Level
			if c.Int("level") >= 0 {
				level = c.Int("level")
			}
			return archive.NewBuilder(appLogger(c), level).Build(c.String("component-dir"), output, t, c.String("hash-file"))
		},
	}
}

// archiveType prefers an explicit type, then the output suffix, then the
// configured default.
func archiveType(explicit, output, fallback string) (archive.Type, error) {
	if explicit != "" {
		t, err := archive.ParseType(explicit)
		if err != nil {
			return "", descriptor.Configurationf("--type", "%v", err)
		}
		return t, nil
	}
	if t, err := archive.TypeFromPath(output); err == nil {
		return t, nil
	}
	t, err := archive.ParseType(fallback)
	if err != nil {
		return "", descriptor.Configurationf("archive.type", "%v", err)
	}
	return t, nil
}
