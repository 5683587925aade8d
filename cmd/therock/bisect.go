package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/artifactstore"
	"github.com/ROCm/therock-tools/internal/bisect"
	"github.com/ROCm/therock-tools/internal/ci"
	"github.com/ROCm/therock-tools/internal/config"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/runmap"
)

// bisectOptions is everything the bisect providers need beyond the config
// file.
type bisectOptions struct {
	Mode         bisect.Mode
	Repo         string
	Platform     string
	Family       string
	Group        string
	CacheDir     string
	BuildCommand []string
	SourceDir    string
	TestDir      string
	Selection    artifactstore.Selection
}

func bisectFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "repo", Value: "ROCm/TheRock", Usage: "Repository being bisected, owner/repo"},
		&cli.StringFlag{Name: "test", Usage: "Shell command run against each install (or pass it after --)"},
		&cli.StringFlag{Name: "amdgpu-family", Usage: "GPU family, e.g. gfx94X (default: from --artifact-group or the host)"},
		&cli.StringFlag{Name: "artifact-group", Usage: "Artifact group, e.g. gfx94X-dcgpu"},
		&cli.StringFlag{Name: "cache-dir", Usage: "Per-commit install cache (default: the config file)"},
		&cli.StringFlag{Name: "workflow", Usage: "Workflow file whose runs built the commits (default: the config file)"},
		&cli.StringFlag{Name: "mode", Value: string(bisect.ModeArtifacts), Usage: "artifacts (use CI outputs) or rebuild (run --build-command)"},
		&cli.StringFlag{Name: "build-command", Usage: "Shell command that builds the checked-out commit into $THEROCK_BISECT_OUTPUT"},
		&cli.StringFlag{Name: "source-dir", Value: ".", Usage: "Checkout the build command runs in"},
		&cli.StringFlag{Name: "platform", Usage: "linux or windows (default: the config file, then this OS)"},
		&cli.DurationFlag{Name: "test-timeout", Usage: "Kill the test after this long and skip the commit (default: the config file)"},
	}
	return append(flags, selectionFlags()...)
}

func bisectCommand() *cli.Command {
	return &cli.Command{
		Name:      "bisect",
		Usage:     "Find the first commit whose CI artifacts fail a test",
		ArgsUsage: "[-- TEST COMMAND...]",
		Flags: append(bisectFlags(),
			&cli.StringFlag{Name: "good", Usage: "Last known good commit (required)"},
			&cli.StringFlag{Name: "bad", Usage: "First known bad commit (required)"},
			&cli.BoolFlag{Name: "prefetch", Usage: "Fetch both possible next commits while a test runs"},
		),
		Action: func(c *cli.Context) error {
			if err := requireFlags(c, "repo", "good", "bad"); err != nil {
				return err
			}
			var orch *bisect.Orchestrator
			app, err := newBisectApp(c, func(cfg bisect.Config) bisect.Config {
				cfg.Good = c.String("good")
				cfg.Bad = c.String("bad")
				cfg.Prefetch = c.Bool("prefetch")
				return cfg
			}, fx.Populate(&orch))
			if err != nil {
				return err
			}
			if err := app.Start(c.Context); err != nil {
				return err
			}
			defer app.Stop(context.Background())

			res, err := orch.Run(c.Context)
			if err != nil {
				return err
			}
			printResult(c, res)
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:      "step",
				Usage:     "Evaluate one commit for git bisect run (exit 0 good, 1 bad, 125 skip, 128 abort)",
				ArgsUsage: "[-- TEST COMMAND...]",
				Flags: append(bisectFlags(),
					&cli.StringFlag{Name: "commit", Usage: "Commit to test (default: git rev-parse HEAD)"},
				),
				Action: func(c *cli.Context) error {
					code, err := bisectStep(c)
					if err != nil {
						return stepExit(err)
					}
					if code != 0 {
						return cli.Exit("", code)
					}
					return nil
				},
			},
		},
	}
}

// bisectStep evaluates one commit and returns the status git bisect run
// expects for it.
func bisectStep(c *cli.Context) (int, error) {
	commit := c.String("commit")
	if commit == "" {
		head, err := gitHead(c.Context, c.String("source-dir"))
		if err != nil {
			return 0, err
		}
		commit = head
	}
	var orch *bisect.Orchestrator
	app, err := newBisectApp(c, nil, fx.Populate(&orch))
	if err != nil {
		return 0, err
	}
	if err := app.Start(c.Context); err != nil {
		return 0, err
	}
	defer app.Stop(context.Background())

	rec, err := orch.Step(c.Context, commit)
	if err != nil {
		return 0, err
	}
	fmt.Fprintf(c.App.Writer, "%s %s (exit %d)%s\n", rec.Commit, rec.Outcome, rec.ExitCode, reasonSuffix(rec.Reason))
	return rec.Outcome.ExitCode(), nil
}

// stepExit keeps failures of the tool itself out of the good/bad range of
// git bisect run. Configuration, integrity and interrupt failures abort the
// bisection; anything else skips the commit.
func stepExit(err error) error {
	var coder cli.ExitCoder
	if (errors.As(err, &coder) && coder.ExitCode() == exitConfiguration) ||
		errors.Is(err, descriptor.ErrConfiguration) ||
		errors.Is(err, archive.ErrHashMismatch) ||
		errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), exitStepAbort)
	}
	return cli.Exit(err.Error(), exitStepSkip)
}

// newBisectApp wires an orchestrator from the command line and config file.
// edit, when set, adjusts the session config before it is supplied.
func newBisectApp(c *cli.Context, edit func(bisect.Config) bisect.Config, opts ...fx.Option) (*fx.App, error) {
	log := appLogger(c)
	cfg := appConfig(c)

	mode, err := bisect.ParseMode(c.String("mode"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitConfiguration)
	}
	test := c.Args().Slice()
	if len(test) == 0 {
		line := c.String("test")
		if line == "" {
			return nil, cli.Exit(c.Command.FullName()+": a test command is required (--test or after --)", exitConfiguration)
		}
		test = bisect.ShellCommand(line, runtime.GOOS)
	}

	o := bisectOptions{
		Mode:      mode,
		Repo:      c.String("repo"),
		Platform:  platformFor(c, cfg),
		CacheDir:  firstNonEmpty(c.String("cache-dir"), cfg.Bisect.CacheDir),
		SourceDir: c.String("source-dir"),
		TestDir:   ".",
		Selection: selectionFrom(c),
	}
	if line := c.String("build-command"); line != "" {
		o.BuildCommand = bisect.ShellCommand(line, runtime.GOOS)
	}
	if mode == bisect.ModeRebuild && len(o.BuildCommand) == 0 {
		return nil, cli.Exit("--mode rebuild needs --build-command", exitConfiguration)
	}
	if o.CacheDir == "" {
		return nil, cli.Exit("no cache directory configured (--cache-dir)", exitConfiguration)
	}
	if mode == bisect.ModeArtifacts {
		o.Family, o.Group, err = familyAndGroup(c, cfg, log)
		if err != nil {
			return nil, err
		}
	}
	if t := c.Duration("test-timeout"); t > 0 {
		cfg.Bisect.TestTimeout = t
	}

	session := bisect.Config{
		Repo:      o.Repo,
		Workflow:  firstNonEmpty(c.String("workflow"), cfg.Bisect.Workflow),
		Mode:      mode,
		Test:      test,
		RunWindow: cfg.Bisect.RunWindow,
	}
	if edit != nil {
		session = edit(session)
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg, o, session, log),
		fx.Provide(
			newGitHub,
			func(gh *ci.GitHub) bisect.History { return gh },
			func(gh *ci.GitHub) bisect.RunLister { return gh },
			newMappingStore,
			newMaterializer,
			newTestRunner,
			func(h bisect.History, r bisect.RunLister, s runmap.Store, m bisect.Materializer, t bisect.TestRunner) bisect.Deps {
				return bisect.Deps{History: h, Runs: r, Store: s, Materializer: m, Tester: t}
			},
			bisect.New,
		),
		fx.Options(opts...),
	)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

func newMappingStore(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (runmap.Store, error) {
	if cfg.Bisect.MappingStore.Kind != "badger" {
		return runmap.NewMemoryStore(), nil
	}
	store, err := runmap.OpenBadgerStore(cfg.Bisect.MappingStore.Path, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

func newMaterializer(cfg *config.Config, o bisectOptions, log *zap.Logger) bisect.Materializer {
	if o.Mode == bisect.ModeRebuild {
		return bisect.NewRebuildMaterializer(bisect.RebuildOptions{
			CacheDir: o.CacheDir,
			Command:  o.BuildCommand,
			Dir:      o.SourceDir,
		}, log)
	}
	return bisect.NewArtifactMaterializer(bisect.ArtifactOptions{
		CacheDir:  o.CacheDir,
		Repo:      o.Repo,
		Platform:  o.Platform,
		Family:    o.Family,
		Selection: o.Selection,
		Retry:     retryPolicy(cfg),
		Jobs:      cfg.Bisect.Fetch.Jobs,
		Backend:   backendFunc(cfg, o.Group, log),
	}, log)
}

func newTestRunner(cfg *config.Config, o bisectOptions, log *zap.Logger) bisect.TestRunner {
	return bisect.NewExecRunner(o.TestDir, cfg.Bisect.TestTimeout, log)
}

func printResult(c *cli.Context, res *bisect.Result) {
	w := c.App.Writer
	for _, s := range res.Steps {
		fmt.Fprintf(w, "%s %-4s exit %d%s\n", s.Commit, s.Outcome, s.ExitCode, reasonSuffix(s.Reason))
	}
	if res.FirstBad != "" {
		fmt.Fprintf(w, "%s is the first bad commit\n", res.FirstBad)
		return
	}
	fmt.Fprintf(w, "There are only skipped commits left to test.\nThe first bad commit could be any of:\n")
	for _, commit := range res.Candidates {
		fmt.Fprintln(w, commit)
	}
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}

func gitHead(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
