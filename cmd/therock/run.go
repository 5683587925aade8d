package main

import (
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/artifactstore"
	"github.com/ROCm/therock-tools/internal/ci"
	"github.com/ROCm/therock-tools/internal/config"
	"github.com/ROCm/therock-tools/internal/retry"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// runFlags locate one run's outputs.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "run-id", Usage: "Workflow run id (default: THEROCK_RUN_ID or GITHUB_RUN_ID)"},
		&cli.StringFlag{Name: "platform", Usage: "linux or windows (default: the config file, then this OS)"},
		&cli.StringFlag{Name: "repo", Usage: "Repository that ran the workflow, owner/repo (default: GITHUB_REPOSITORY)"},
		&cli.StringFlag{Name: "release-type", Usage: "Release type selecting a release bucket, e.g. nightly"},
		&cli.BoolFlag{Name: "fork", Usage: "The run built a pull request from a fork"},
		&cli.BoolFlag{Name: "lookup", Usage: "Ask GitHub for the run to select the bucket"},
		&cli.BoolFlag{Name: "local", Usage: "Address a local development run"},
	}
}

func newGitHub(cfg *config.Config, log *zap.Logger) (*ci.GitHub, error) {
	return ci.NewGitHub(ci.Options{
		Token:             cfg.GitHub.Token,
		BaseURL:           cfg.GitHub.APIURL,
		RequestsPerSecond: cfg.GitHub.RequestsPerSecond,
		MaxRateLimitWait:  cfg.GitHub.MaxRateLimitWait,
	}, log)
}

func platformFor(c *cli.Context, cfg *config.Config) string {
	if p := c.String("platform"); p != "" {
		return p
	}
	if cfg.Storage.Platform != "" {
		return cfg.Storage.Platform
	}
	return runoutputs.CurrentPlatform()
}

// resolveRoot builds the run root from flags, falling back to the config
// file and environment.
func resolveRoot(c *cli.Context, cfg *config.Config, log *zap.Logger) (runoutputs.Root, error) {
	runID := c.String("run-id")
	if runID == "" {
		runID = cfg.Storage.RunID
	}
	platform := platformFor(c, cfg)
	if c.Bool("local") {
		return runoutputs.ForLocal(runID, platform)
	}

	q := runoutputs.BucketQuery{
		Repository:   firstNonEmpty(c.String("repo"), cfg.Storage.Repository),
		IsPRFromFork: c.Bool("fork") || cfg.Storage.IsPRFromFork,
		ReleaseType:  firstNonEmpty(c.String("release-type"), cfg.Storage.ReleaseType),
	}
	if c.Bool("lookup") {
		gh, err := newGitHub(cfg, log)
		if err != nil {
			return runoutputs.Root{}, err
		}
		id, err := strconv.ParseInt(runID, 10, 64)
		if err != nil {
			return runoutputs.Root{}, &runoutputs.ValueError{Field: "run id", Value: runID, Msg: "must be numeric to look up"}
		}
		repo := q.Repository
		if repo == "" {
			repo = runoutputs.MainRepository
		}
		run, err := gh.WorkflowRun(c.Context, repo, id)
		if err != nil {
			return runoutputs.Root{}, err
		}
		q.RunUpdatedAt = run.UpdatedAt
		if run.HeadRepository != "" && !strings.EqualFold(run.HeadRepository, repo) {
			q.IsPRFromFork = true
		}
		log.Debug("looked up workflow run",
			zap.Int64("run_id", run.ID),
			zap.String("head_repository", run.HeadRepository),
			zap.Time("updated_at", run.UpdatedAt))
	}
	return runoutputs.FromWorkflowRun(runID, platform, q)
}

func backendFunc(cfg *config.Config, group string, log *zap.Logger) func(runoutputs.Root) (artifactstore.Backend, error) {
	return func(root runoutputs.Root) (artifactstore.Backend, error) {
		return artifactstore.New(root, artifactstore.Options{
			StagingDir: cfg.Storage.StagingDir,
			BaseURL:    cfg.Storage.BaseURL,
			Group:      group,
		}, log)
	}
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Bisect.Fetch.Attempts
	if cfg.Bisect.Fetch.InitialBackoff > 0 {
		p.InitialBackoff = cfg.Bisect.Fetch.InitialBackoff
	}
	if cfg.Bisect.Fetch.MaxBackoff > 0 {
		p.MaxBackoff = cfg.Bisect.Fetch.MaxBackoff
	}
	return p
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
