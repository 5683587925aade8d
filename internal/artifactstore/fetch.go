package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ROCm/therock-tools/internal/amdgpu"
	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/metrics"
	"github.com/ROCm/therock-tools/internal/retry"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// BaseArtifacts are the target-neutral artifacts every install needs.
var BaseArtifacts = []string{
	"core-runtime_run",
	"core-runtime_lib",
	"sysdeps_lib",
	"base_lib",
	"amd-llvm_run",
	"amd-llvm_lib",
	"core-hip_lib",
	"core-hip_dev",
	"rocprofiler-sdk_lib",
	"host-suite-sparse_lib",
}

// Libraries are the target-specific math and communication libraries.
var Libraries = []string{"blas", "fft", "miopen", "prim", "rand", "rccl"}

// Selection picks which artifacts of a run to fetch.
type Selection struct {
	// Libraries restricts the target-specific artifacts. Empty selects all
	// of them unless BaseOnly is set.
	Libraries []string
	BaseOnly  bool
	Tests     bool
	Dev       bool
}

// Basenames returns "{name}_{component}_{family}" for every wanted
// artifact, generic ones first.
func (s Selection) Basenames(platform, family string) []string {
	generic := append([]string(nil), BaseArtifacts...)
	libs := s.Libraries
	if len(libs) == 0 && !s.BaseOnly {
		libs = Libraries
	}
	for _, lib := range libs {
		if lib == "blas" {
			generic = append(generic, "host-blas_lib")
		}
	}
	if s.Dev {
		generic = append(generic, "core-runtime_dev", "amd-llvm_dev")
	}

	out := make([]string, 0, len(generic)+3*len(libs))
	for _, a := range generic {
		out = append(out, a+"_"+amdgpu.Generic)
	}
	if s.BaseOnly {
		return out
	}
	for _, lib := range libs {
		if lib == "rccl" && platform == "windows" {
			continue
		}
		out = append(out, lib+"_lib_"+family)
		if s.Tests {
			out = append(out, lib+"_test_"+family)
		}
		if s.Dev {
			out = append(out, lib+"_dev_"+family)
		}
	}
	return out
}

// SelectFiles maps wanted basenames to the archive file names present in
// available. Basenames with no archive are skipped; when both compressions
// exist ".tar.xz" wins.
func SelectFiles(available, basenames []string) []string {
	byBase := make(map[string]string, len(available))
	for _, name := range available {
		info, ok := runoutputs.ParseArtifactFilename(name)
		if !ok {
			continue
		}
		base := runoutputs.ArtifactBasename(info.Name, info.Component, info.Family)
		if prev, ok := byBase[base]; ok && filepath.Ext(prev) == ".xz" {
			continue
		}
		byBase[base] = name
	}
	var out []string
	for _, base := range basenames {
		if name, ok := byBase[base]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Fetcher downloads and verifies a run's archives.
type Fetcher struct {
	backend Backend
	policy  retry.Policy
	jobs    int
	logger  *zap.Logger
}

func NewFetcher(backend Backend, policy retry.Policy, jobs int, logger *zap.Logger) *Fetcher {
	if jobs <= 0 {
		jobs = 4
	}
	return &Fetcher{backend: backend, policy: policy, jobs: jobs, logger: logger.Named("fetcher")}
}

// Fetch downloads the selected archives of the run into destDir and
// returns their paths in selection order.
func (f *Fetcher) Fetch(ctx context.Context, sel Selection, platform, family, destDir string) ([]string, error) {
	var available []string
	err := f.policy.Do(ctx, f.logger, func(ctx context.Context, attempt int) error {
		var err error
		available, err = f.backend.List(ctx, "")
		return classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", f.backend.BaseURI(), err)
	}
	files := SelectFiles(available, sel.Basenames(platform, family))
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no artifacts for %s at %s", ErrNotFound, family, f.backend.BaseURI())
	}
	f.logger.Info("fetching artifacts",
		zap.String("source", f.backend.BaseURI()),
		zap.Int("count", len(files)))

	paths := make([]string, len(files))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.jobs)
	for i, name := range files {
		paths[i] = filepath.Join(destDir, name)
		g.Go(func() error {
			return f.FetchFile(ctx, name, paths[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// FetchFile downloads one archive with retries and checks it against its
// hash sidecar. A mismatch is re-downloaded exactly once; an archive without
// a sidecar is removed and reported as ErrMissingSidecar.
func (f *Fetcher) FetchFile(ctx context.Context, filename, dest string) error {
	for refetched := false; ; refetched = true {
		if err := f.download(ctx, filename, dest); err != nil {
			return err
		}
		err := archive.VerifySidecar(dest, "")
		switch {
		case err == nil:
			return nil
		case errors.Is(err, fs.ErrNotExist):
			f.logger.Warn("archive has no hash sidecar", zap.String("file", filename))
			os.Remove(dest)
			return fmt.Errorf("fetching %s: %w", filename, ErrMissingSidecar)
		case errors.Is(err, archive.ErrHashMismatch) && !refetched:
			f.logger.Warn("hash mismatch, fetching again", zap.String("file", filename), zap.Error(err))
			os.Remove(dest)
			os.Remove(dest + archive.SidecarSuffix)
		default:
			return err
		}
	}
}

func (f *Fetcher) download(ctx context.Context, filename, dest string) error {
	err := f.policy.Do(ctx, f.logger.With(zap.String("file", filename)), func(ctx context.Context, attempt int) error {
		metrics.FetchAttempts.Inc()
		return classify(f.backend.Download(ctx, filename, dest))
	})
	if err != nil {
		metrics.FetchFailures.Inc()
		return fmt.Errorf("fetching %s: %w", filename, err)
	}
	return nil
}

// classify marks errors another attempt cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var status *StatusError
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrReadOnly):
		return retry.Permanent(err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Permanent(err)
	case errors.As(err, &status) && !status.Retryable():
		return retry.Permanent(err)
	}
	return err
}

// Names lists the distinct artifact names ("blas", "core-runtime") of a
// listing.
func Names(available []string) []string {
	seen := make(map[string]struct{})
	for _, name := range available {
		if info, ok := runoutputs.ParseArtifactFilename(name); ok {
			seen[info.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
