package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/fixtures"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the therock configuration file",
		Subcommands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a commented configuration template",
				ArgsUsage: "[PATH]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						path = c.String("config")
					}
					if !c.Bool("force") {
						if _, err := os.Stat(path); err == nil {
							return cli.Exit(fmt.Sprintf("%s already exists (use --force to overwrite)", path), exitFailure)
						} else if !errors.Is(err, fs.ErrNotExist) {
							return err
						}
					}
					if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
						return err
					}
					appLogger(c).Info("wrote configuration template", zap.String("path", path))
					return nil
				},
			},
		},
	}
}
