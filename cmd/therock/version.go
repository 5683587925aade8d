package main

import (
	"fmt"
	"runtime/debug"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
)

// version is set with -ldflags "-X main.version=..." by release builds.
var version = "dev"

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "short", Usage: "Only print the version string"},
		},
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			if c.Bool("short") {
				fmt.Fprintln(w, version)
				return nil
			}
			fmt.Fprintln(w, figure.NewFigure("TheRock", "", true).String())
			fmt.Fprintf(w, "therock %s", version)
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(w, " (%s)", info.GoVersion)
			}
			fmt.Fprintln(w)
			return nil
		},
	}
}
