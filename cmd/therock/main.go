package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/config"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/logger"
	"github.com/ROCm/therock-tools/internal/metrics"
)

const (
	exitFailure       = 1
	exitConfiguration = 2

	// git bisect run treats 125 as "cannot test" and aborts on 128 and above.
	exitStepSkip  = 125
	exitStepAbort = 128
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	return exitCode(newApp(stdout, stderr).Run(args), stderr)
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "therock",
		Usage:     "Slice, package, address and bisect TheRock build artifacts",
		Writer:    stdout,
		ErrWriter: stderr,
		Metadata:  map[string]interface{}{},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "therock.yaml",
				Usage:   "Path to the therock configuration file (ignored when missing)",
				EnvVars: []string{"THEROCK_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "Log level: debug, info, warn or error (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log encoding: console or json (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  "metrics-textfile",
				Usage: "Write Prometheus metrics to this file on exit",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfigIfExists(c.String("config"))
			if err != nil {
				return err
			}
			if v := c.String("verbosity"); v != "" {
				cfg.Logger.Verbosity = v
			}
			if f := c.String("log-format"); f != "" {
				cfg.Logger.Format = f
			}
			if p := c.String("metrics-textfile"); p != "" {
				cfg.Metrics.Textfile = p
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity, cfg.Logger.Format)
			if err != nil {
				return descriptor.Configurationf("logger", "%v", err)
			}
			c.App.Metadata["config"] = cfg
			c.App.Metadata["logger"] = zapLogger.Named("cli")
			return nil
		},
		After: func(c *cli.Context) error {
			cfg, ok := c.App.Metadata["config"].(*config.Config)
			if !ok {
				return nil
			}
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			if cfg.Metrics.Textfile == "" {
				return nil
			}
			return metrics.WriteTextfile(cfg.Metrics.Textfile)
		},
		// Exit codes are mapped in run; the default handler would call
		// os.Exit from inside the app.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			filesetCommand(),
			artifactCommand(),
			archiveCommand(),
			generateCommand(),
			addressCommand(),
			fetchCommand(),
			bisectCommand(),
			configCommand(),
			versionCommand(),
		},
	}
}

// exitCode reports err on stderr and maps it to a process exit status.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintf(stderr, "error: %s\n", msg)
		}
		return coder.ExitCode()
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	if errors.Is(err, descriptor.ErrConfiguration) {
		return exitConfiguration
	}
	return exitFailure
}

func appLogger(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}

func appConfig(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}
