//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/artifactstore"
	"github.com/ROCm/therock-tools/internal/bisect"
	"github.com/ROCm/therock-tools/internal/buildgraph"
	"github.com/ROCm/therock-tools/internal/ci"
	"github.com/ROCm/therock-tools/internal/fileset"
	"github.com/ROCm/therock-tools/internal/logger"
	"github.com/ROCm/therock-tools/internal/manifest"
	"github.com/ROCm/therock-tools/internal/registry"
	"github.com/ROCm/therock-tools/internal/retry"
	"github.com/ROCm/therock-tools/internal/runmap"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

const repo = "ROCm/TheRock"

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type commit struct {
	sha   string
	runID int64
	// broken commits ship a libblas that fails the test.
	broken bool
}

var history = []commit{
	{sha: "c0", runID: 100},
	{sha: "c1", runID: 101},
	{sha: "c2", runID: 102},
	{sha: "c3", runID: 103, broken: true},
	{sha: "c4", runID: 104, broken: true},
	{sha: "c5", runID: 105, broken: true},
}

func commitDate(i int) time.Time { return base.Add(time.Duration(i) * time.Hour) }

// fakeGitHub answers the REST calls the orchestrator makes.
func fakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	commitJSON := func(i int) string {
		return fmt.Sprintf(`{"sha":%q,"commit":{"committer":{"date":%q}}}`, history[i].sha, commitDate(i).Format(time.RFC3339))
	}
	mux := http.NewServeMux()
	for i := range history {
		mux.HandleFunc("/repos/"+repo+"/commits/"+history[i].sha, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, commitJSON(i))
		})
	}
	last := len(history) - 1
	mux.HandleFunc(fmt.Sprintf("/repos/%s/compare/c0...%s", repo, history[last].sha), func(w http.ResponseWriter, r *http.Request) {
		var commits []string
		for i := 1; i <= last; i++ {
			commits = append(commits, commitJSON(i))
		}
		fmt.Fprintf(w, `{"status":"ahead","total_commits":%d,"commits":[%s]}`, last, strings.Join(commits, ","))
	})
	mux.HandleFunc("/repos/"+repo+"/actions/workflows/ci.yml/runs", func(w http.ResponseWriter, r *http.Request) {
		var runs []string
		for i, c := range history {
			runs = append(runs, fmt.Sprintf(
				`{"id":%d,"head_sha":%q,"status":"completed","conclusion":"success","created_at":%q,"updated_at":%q,"head_repository":{"full_name":%q}}`,
				c.runID, c.sha,
				commitDate(i).Add(10*time.Minute).Format(time.RFC3339),
				commitDate(i).Add(3*time.Hour).Format(time.RFC3339),
				repo))
		}
		fmt.Fprintf(w, `{"total_count":%d,"workflow_runs":[%s]}`, len(runs), strings.Join(runs, ","))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

const descriptorTOML = `
[components.lib."math-libs/BLAS/stage"]
include = ["lib/**"]

[components.dev."math-libs/BLAS/stage"]
`

// publish slices and archives one commit's staging tree, then uploads the
// archives where the local backend serves that commit's run.
func publish(t *testing.T, deps publishDeps, staging string, i int) {
	t.Helper()
	c := history[i]
	build := t.TempDir()
	stage := filepath.Join(build, "math-libs/BLAS/stage")
	content := "blas-good"
	if c.broken {
		content = "blas-broken"
	}
	require.NoError(t, os.MkdirAll(filepath.Join(stage, "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(stage, "include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stage, "lib/libblas.so"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(stage, "include/blas.h"), []byte("hdr"), 0o644))
	descriptorPath := filepath.Join(build, "artifact-blas.toml")
	require.NoError(t, os.WriteFile(descriptorPath, []byte(descriptorTOML), 0o644))

	out := t.TempDir()
	gen := registry.NewGenerator(build, out, archive.TypeXZ, deps.Resolver, deps.Writer, deps.Builder, deps.Logger)
	reg := registry.New(buildgraph.New(), gen, deps.Logger)
	require.NoError(t, reg.DeclareSubBuild("rocBLAS", "math-libs/BLAS/stage"))
	require.NoError(t, reg.DeclareSlice(registry.Slice{
		Name:       "blas",
		Bundle:     "gfx94X",
		Descriptor: descriptorPath,
		Components: []string{"lib", "dev"},
		Deps:       []string{"rocBLAS"},
	}))
	require.NoError(t, reg.ActivateAll(nil))
	require.NoError(t, buildgraph.NewRunner(reg.Graph(), deps.Logger).Run(context.Background(), registry.TargetArchives, 2))

	root, err := runoutputs.FromWorkflowRun(fmt.Sprint(c.runID), "linux", runoutputs.BucketQuery{
		Repository:   repo,
		RunUpdatedAt: commitDate(i).Add(3 * time.Hour),
	})
	require.NoError(t, err)
	backend, err := artifactstore.NewLocalBackend(staging, root, deps.Logger)
	require.NoError(t, err)
	for _, name := range []string{"blas_lib_gfx94X.tar.xz", "blas_dev_gfx94X.tar.xz"} {
		require.NoError(t, backend.Upload(context.Background(), filepath.Join(out, name), name))
	}
}

type publishDeps struct {
	Resolver *fileset.Resolver
	Writer   *manifest.Writer
	Builder  *archive.Builder
	Logger   *zap.Logger
}

func TestBisectEndToEnd(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test command uses sh")
	}
	gh := fakeGitHub(t)
	staging := t.TempDir()
	cache := t.TempDir()

	var (
		orch  *bisect.Orchestrator
		store runmap.Store
		pub   publishDeps
	)
	app := fxtest.New(t,
		fx.NopLogger,
		fx.Provide(
			func() (*zap.Logger, error) { return logger.New("warn", logger.FormatJSON) },
			func(log *zap.Logger) *fileset.Resolver {
				return fileset.NewResolver(log, fileset.WithComponentDefaults(fileset.StandardDefaults()))
			},
			func(log *zap.Logger) *manifest.Writer { return manifest.NewWriter(log, false) },
			func(log *zap.Logger) *archive.Builder { return archive.NewBuilder(log, 1) },
			func(log *zap.Logger) (*ci.GitHub, error) {
				return ci.NewGitHub(ci.Options{BaseURL: gh.URL, Token: "integration"}, log)
			},
			func(g *ci.GitHub) bisect.History { return g },
			func(g *ci.GitHub) bisect.RunLister { return g },
			func() runmap.Store { return runmap.NewMemoryStore() },
			func(log *zap.Logger) bisect.Materializer {
				return bisect.NewArtifactMaterializer(bisect.ArtifactOptions{
					CacheDir:  cache,
					Repo:      repo,
					Platform:  "linux",
					Family:    "gfx94X",
					Selection: artifactstore.Selection{Libraries: []string{"blas"}, Dev: true},
					Retry:     retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, Multiplier: 1},
					Backend: func(root runoutputs.Root) (artifactstore.Backend, error) {
						return artifactstore.NewLocalBackend(staging, root, log)
					},
				}, log)
			},
			func(log *zap.Logger) bisect.TestRunner { return bisect.NewExecRunner("", time.Minute, log) },
			func(h bisect.History, r bisect.RunLister, s runmap.Store, m bisect.Materializer, tr bisect.TestRunner) bisect.Deps {
				return bisect.Deps{History: h, Runs: r, Store: s, Materializer: m, Tester: tr}
			},
			bisect.New,
		),
		fx.Supply(bisect.Config{
			Repo:     repo,
			Good:     "c0",
			Bad:      history[len(history)-1].sha,
			Workflow: "ci.yml",
			Test:     bisect.ShellCommand(`grep -q blas-good "$ROCM_PATH/lib/libblas.so" && test -f "$ROCM_PATH/include/blas.h"`, runtime.GOOS),
			Prefetch: true,
		}),
		fx.Populate(&orch, &store, &pub.Resolver, &pub.Writer, &pub.Builder, &pub.Logger),
	)
	app.RequireStart()
	defer app.RequireStop()

	for i := range history {
		publish(t, pub, staging, i)
	}

	res, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "c3", res.FirstBad)
	assert.Equal(t, "c2", res.Good)
	assert.Equal(t, "c3", res.Bad)
	assert.Equal(t, bisect.StateDone, orch.State())
	for _, step := range res.Steps {
		assert.NotEqual(t, bisect.Skipped, step.Outcome, "step %s: %s", step.Commit, step.Reason)
	}

	run, ok, err := store.Get(context.Background(), runmap.Key{Repo: repo, Commit: "c3"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(103), run.ID)

	// Every tested commit is cached with its flattened install tree.
	for _, step := range res.Steps {
		data, err := os.ReadFile(filepath.Join(cache, step.Commit, "install", "lib", "libblas.so"))
		require.NoError(t, err)
		assert.Equal(t, step.Outcome == bisect.Good, string(data) == "blas-good")
	}

	// git bisect run uses Step on commits the session has already mapped.
	rec, err := orch.Step(context.Background(), "c4")
	require.NoError(t, err)
	assert.Equal(t, bisect.Bad, rec.Outcome)
	assert.Equal(t, 1, rec.Outcome.ExitCode())
}
