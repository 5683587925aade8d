package bisect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/artifactstore"
	"github.com/ROCm/therock-tools/internal/metrics"
	"github.com/ROCm/therock-tools/internal/retry"
	"github.com/ROCm/therock-tools/internal/runmap"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// Materializer produces the install tree a commit is tested against.
type Materializer interface {
	// Materialize returns the install directory for commit. run is the CI
	// run that built it, or nil when none is known.
	Materialize(ctx context.Context, commit string, run *runmap.Run) (string, error)
}

var errNoRun = errors.New("no workflow run for commit")

// BackendFunc opens the blob store holding a run's outputs.
type BackendFunc func(root runoutputs.Root) (artifactstore.Backend, error)

type ArtifactOptions struct {
	CacheDir string
	// Repo is the repository being bisected, in owner/repo form.
	Repo      string
	Platform  string
	Family    string
	Selection artifactstore.Selection
	Retry     retry.Policy
	Jobs      int
	Backend   BackendFunc
}

// ArtifactMaterializer installs the archives a CI run uploaded.
type ArtifactMaterializer struct {
	opts   ArtifactOptions
	cache  *commitCache
	group  singleflight.Group
	logger *zap.Logger
}

func NewArtifactMaterializer(opts ArtifactOptions, logger *zap.Logger) *ArtifactMaterializer {
	if opts.Platform == "" {
		opts.Platform = runoutputs.CurrentPlatform()
	}
	logger = logger.Named("materializer")
	return &ArtifactMaterializer{
		opts:   opts,
		cache:  &commitCache{dir: opts.CacheDir, logger: logger},
		logger: logger,
	}
}

// Materialize collapses concurrent calls for the same commit into one fill.
func (m *ArtifactMaterializer) Materialize(ctx context.Context, commit string, run *runmap.Run) (string, error) {
	if run == nil {
		return "", &FetchError{Commit: commit, Err: errNoRun}
	}
	for attempt := 0; ; attempt++ {
		ch := m.group.DoChan(commit, func() (any, error) {
			return m.materialize(ctx, commit, *run)
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case res := <-ch:
			// A cancelled prefetch we joined says nothing about this call.
			if errors.Is(res.Err, context.Canceled) && ctx.Err() == nil && attempt < 2 {
				continue
			}
			if res.Err != nil {
				return "", res.Err
			}
			return res.Val.(string), nil
		}
	}
}

func (m *ArtifactMaterializer) materialize(ctx context.Context, commit string, run runmap.Run) (string, error) {
	log := m.logger.With(zap.String("commit", commit), zap.Int64("run_id", run.ID))
	hit, err := m.cache.lookup(commit)
	if err != nil {
		return "", &FetchError{Commit: commit, RunID: run.ID, Err: err}
	}
	if hit {
		metrics.CacheHits.Inc()
		log.Debug("using cached artifacts")
		return m.cache.installDir(commit), nil
	}

	tmp, err := m.cache.begin(commit)
	if err != nil {
		return "", &FetchError{Commit: commit, RunID: run.ID, Err: err}
	}
	defer os.RemoveAll(tmp)

	if err := m.fill(ctx, run, tmp); err != nil {
		return "", &FetchError{Commit: commit, RunID: run.ID, Err: err}
	}
	if err := m.cache.commit(commit, tmp, strconv.FormatInt(run.ID, 10)); err != nil {
		return "", &FetchError{Commit: commit, RunID: run.ID, Err: err}
	}
	log.Info("artifacts installed", zap.String("path", m.cache.installDir(commit)))
	return m.cache.installDir(commit), nil
}

func (m *ArtifactMaterializer) fill(ctx context.Context, run runmap.Run, tmp string) error {
	q := runoutputs.BucketQuery{
		Repository:   m.opts.Repo,
		IsPRFromFork: run.HeadRepository != "" && !strings.EqualFold(run.HeadRepository, m.opts.Repo),
		RunUpdatedAt: run.UpdatedAt,
	}
	root, err := runoutputs.FromWorkflowRun(strconv.FormatInt(run.ID, 10), m.opts.Platform, q)
	if err != nil {
		return err
	}
	backend, err := m.opts.Backend(root)
	if err != nil {
		return err
	}

	fetcher := artifactstore.NewFetcher(backend, m.opts.Retry, m.opts.Jobs, m.logger)
	archives, err := fetcher.Fetch(ctx, m.opts.Selection, m.opts.Platform, m.opts.Family, filepath.Join(tmp, archivesDirName))
	if err != nil {
		return err
	}
	return archive.Flatten(archives, filepath.Join(tmp, installDirName))
}

type RebuildOptions struct {
	CacheDir string
	// Command builds the commit checked out in Dir and installs it into
	// $THEROCK_BISECT_OUTPUT.
	Command []string
	Dir     string
	Output  io.Writer
}

// RebuildMaterializer builds each commit from source. It needs no CI run.
type RebuildMaterializer struct {
	opts   RebuildOptions
	cache  *commitCache
	logger *zap.Logger
}

func NewRebuildMaterializer(opts RebuildOptions, logger *zap.Logger) *RebuildMaterializer {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	logger = logger.Named("rebuild")
	return &RebuildMaterializer{
		opts:   opts,
		cache:  &commitCache{dir: opts.CacheDir, logger: logger},
		logger: logger,
	}
}

func (m *RebuildMaterializer) Materialize(ctx context.Context, commit string, _ *runmap.Run) (string, error) {
	if len(m.opts.Command) == 0 {
		return "", errors.New("no build command configured")
	}
	hit, err := m.cache.lookup(commit)
	if err != nil {
		return "", &FetchError{Commit: commit, Err: err}
	}
	if hit {
		metrics.CacheHits.Inc()
		return m.cache.installDir(commit), nil
	}

	tmp, err := m.cache.begin(commit)
	if err != nil {
		return "", &FetchError{Commit: commit, Err: err}
	}
	defer os.RemoveAll(tmp)
	output := filepath.Join(tmp, installDirName)

	m.logger.Info("building commit", zap.String("commit", commit), zap.Strings("command", m.opts.Command))
	cmd := exec.CommandContext(ctx, m.opts.Command[0], m.opts.Command[1:]...)
	cmd.Dir = m.opts.Dir
	cmd.Stdout = m.opts.Output
	cmd.Stderr = m.opts.Output
	cmd.Env = append(os.Environ(),
		"THEROCK_BISECT_COMMIT="+commit,
		"THEROCK_BISECT_OUTPUT="+output)
	if err := cmd.Run(); err != nil {
		return "", &FetchError{Commit: commit, Err: fmt.Errorf("build command: %w", err)}
	}
	if _, err := os.Stat(output); err != nil {
		return "", &FetchError{Commit: commit, Err: fmt.Errorf("build produced no install tree: %w", err)}
	}
	if err := m.cache.commit(commit, tmp, "rebuild"); err != nil {
		return "", &FetchError{Commit: commit, Err: err}
	}
	return m.cache.installDir(commit), nil
}
