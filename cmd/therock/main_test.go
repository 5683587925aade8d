package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ROCm/therock-tools/fixtures"
	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/bisect"
	"github.com/ROCm/therock-tools/internal/ci"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/manifest"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"therock", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--verbosity", "error"}, args...)
	code := run(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

// blasStaging lays out the staging tree the example build configuration
// expects.
func blasStaging(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"math-libs/BLAS/rocBLAS/stage/lib/rocblas/library/TensileLibrary.dat": "tensile",
		"math-libs/BLAS/rocBLAS/stage/include/rocblas.h":                      "rocblas",
		"math-libs/BLAS/hipBLAS/stage/lib/libhipblas.so":                      "ELF",
		"math-libs/BLAS/hipBLAS/stage/include/hipblas.h":                      "hipblas",
	})
	return root
}

// exampleBuildConfig writes the embedded build configuration next to the
// descriptor it references.
func exampleBuildConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"config/build.yaml":              string(fixtures.ExampleBuildConfig),
		"descriptors/artifact-blas.toml": string(fixtures.ExampleDescriptor),
	})
	return filepath.Join(dir, "config", "build.yaml")
}

func TestVersion(t *testing.T) {
	code, stdout, _ := runCLI(t, "version", "--short")
	assert.Equal(t, 0, code)
	assert.Equal(t, "dev\n", stdout)

	code, stdout, _ = runCLI(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "therock dev")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "therock.yaml")

	code, _, _ := runCLI(t, "config", "init", path)
	require.Equal(t, 0, code)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ConfigTemplate, data)

	code, _, stderr := runCLI(t, "config", "init", path)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "already exists")

	code, _, _ = runCLI(t, "config", "init", "--force", path)
	assert.Equal(t, 0, code)
}

func TestInvalidConfigExitsWithConfigurationCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "therock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  type: rar\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"therock", "--config", path, "version"}, &stdout, &stderr)
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr.String(), "error: configuration error")
}

func TestFilesetListAndCopy(t *testing.T) {
	base := t.TempDir()
	writeFiles(t, base, map[string]string{
		"bin/tool":       "#!/bin/sh",
		"lib/libfoo.so":  "ELF",
		"lib/libfoo.a":   "ar",
		"share/doc/READ": "doc",
	})

	code, stdout, _ := runCLI(t, "fileset", "list", "--include", "lib/**", "--exclude", "**/*.a", base)
	require.Equal(t, 0, code)
	assert.Equal(t, "lib/libfoo.so\n", stdout)

	dest := filepath.Join(t.TempDir(), "dest")
	code, _, _ = runCLI(t, "fileset", "copy", "--exclude", "share/**", dest, base)
	require.Equal(t, 0, code)
	assert.FileExists(t, filepath.Join(dest, "bin/tool"))
	assert.FileExists(t, filepath.Join(dest, "lib/libfoo.a"))
	assert.NoFileExists(t, filepath.Join(dest, "share/doc/READ"))

	code, _, _ = runCLI(t, "fileset", "list")
	assert.Equal(t, exitConfiguration, code)
}

func TestArtifactAndArchive(t *testing.T) {
	staging := blasStaging(t)
	descriptor := filepath.Join(filepath.Dir(exampleBuildConfig(t)), "..", "descriptors", "artifact-blas.toml")
	out := t.TempDir()
	componentDir := filepath.Join(out, "blas_lib_gfx94X")
	manifestPath := filepath.Join(out, "manifests", "blas_lib_gfx94X.txt")

	code, _, stderr := runCLI(t, "artifact",
		"--root-dir", staging,
		"--descriptor", descriptor,
		"--component", "lib",
		"--output-dir", componentDir,
		"--manifest", manifestPath)
	require.Equal(t, 0, code, stderr)

	paths, err := manifest.Read(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"math-libs/BLAS/hipBLAS/stage/include/hipblas.h",
		"math-libs/BLAS/hipBLAS/stage/lib/libhipblas.so",
		"math-libs/BLAS/rocBLAS/stage/lib/rocblas/library/TensileLibrary.dat",
	}, paths)

	archivePath := filepath.Join(out, "blas_lib_gfx94X.tar.zst")
	code, _, stderr = runCLI(t, "archive", "--component-dir", componentDir, "--output", archivePath)
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, archivePath)
	assert.FileExists(t, archivePath+".sha256sum")
}

func TestArtifactMissingFlags(t *testing.T) {
	code, _, stderr := runCLI(t, "artifact", "--component", "lib")
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr, "--root-dir")
	assert.Contains(t, stderr, "--descriptor")
}

func TestArtifactCheckReportsOverlap(t *testing.T) {
	staging := blasStaging(t)
	descriptor := filepath.Join(filepath.Dir(exampleBuildConfig(t)), "..", "descriptors", "artifact-blas.toml")

	code, stdout, stderr := runCLI(t, "artifact", "check", "--root-dir", staging, "--descriptor", descriptor)
	assert.Equal(t, exitFailure, code)
	// hipBLAS's lib rule has no includes, so its header is claimed by lib
	// and by dev's default patterns.
	assert.Contains(t, stdout, "overlap: math-libs/BLAS/hipBLAS/stage/include/hipblas.h (dev, lib)")
	assert.Contains(t, stderr, "claimed by more than one component")
}

func TestGenerate(t *testing.T) {
	staging := blasStaging(t)
	buildConfig := exampleBuildConfig(t)
	out := t.TempDir()

	code, _, stderr := runCLI(t, "generate",
		"--build-config", buildConfig,
		"--root-dir", staging,
		"--output-dir", out,
		"--jobs", "2")
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, filepath.Join(out, "blas_lib_gfx94X.tar.xz"))
	assert.FileExists(t, filepath.Join(out, "blas_dev_gfx94X.tar.xz.sha256sum"))
	assert.FileExists(t, filepath.Join(out, "manifests", "blas_lib_gfx94X.txt"))
	// blas-tests is gated by an option that is off by default.
	assert.NoFileExists(t, filepath.Join(out, "blas-tests_test_gfx94X.tar.xz"))

	code, _, _ = runCLI(t, "generate",
		"--build-config", buildConfig,
		"--root-dir", staging,
		"--output-dir", out,
		"--set", "THEROCK_ENABLE_BLAS=off",
		"--set", "THEROCK_ENABLE_BLAS_TESTS=on")
	assert.Equal(t, exitConfiguration, code)
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"A=on", "B=OFF", "C=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": false, "C": true}, got)

	_, err = parseOverrides([]string{"A"})
	assert.Error(t, err)
	_, err = parseOverrides([]string{"A=maybe"})
	assert.Error(t, err)
}

func TestAddress(t *testing.T) {
	t.Setenv("GITHUB_REPOSITORY", "")
	t.Setenv("RELEASE_TYPE", "")
	t.Setenv("IS_PR_FROM_FORK", "")

	code, stdout, stderr := runCLI(t, "address",
		"--run-id", "12345",
		"--platform", "linux",
		"--repo", "ROCm/TheRock",
		"--group", "gfx94X-dcgpu",
		"--name", "blas")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "s3://therock-ci-artifacts/12345-linux")
	assert.Contains(t, stdout, "12345-linux/blas_lib_gfx94X.tar.xz")
	assert.Contains(t, stdout, "https://therock-ci-artifacts.s3.amazonaws.com/12345-linux/index-gfx94X-dcgpu.html")

	code, stdout, _ = runCLI(t, "address", "--run-id", "12345", "--platform", "linux", "--repo", "someone/TheRock")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "therock-ci-artifacts-external/someone-TheRock/12345-linux")

	code, _, _ = runCLI(t, "address", "--run-id", "../x", "--platform", "linux")
	assert.Equal(t, exitFailure, code)

	code, _, stderr = runCLI(t, "address", "--run-id", "12345", "--platform", "linux", "--name", "../blas")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "artifact name")

	code, _, stderr = runCLI(t, "address", "--run-id", "12345", "--platform", "linux", "--group", "gfx94X/../x")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "artifact group")
}

func TestFetchFromLocalStaging(t *testing.T) {
	stage := t.TempDir()
	writeFiles(t, stage, map[string]string{
		"stage/lib/libamdhip64.so": "ELF",
		"artifact.toml":            "[components.lib.\"stage\"]\n",
	})
	work := t.TempDir()
	componentDir := filepath.Join(work, "core-hip_lib_generic")
	code, _, stderr := runCLI(t, "artifact",
		"--root-dir", stage,
		"--descriptor", filepath.Join(stage, "artifact.toml"),
		"--component", "lib",
		"--output-dir", componentDir)
	require.Equal(t, 0, code, stderr)

	staging := t.TempDir()
	t.Setenv("THEROCK_LOCAL_STAGING_DIR", staging)
	archivePath := filepath.Join(staging, "77-linux", "core-hip_lib_generic.tar.xz")
	require.NoError(t, os.MkdirAll(filepath.Dir(archivePath), 0o755))
	code, _, stderr = runCLI(t, "archive", "--component-dir", componentDir, "--output", archivePath)
	require.Equal(t, 0, code, stderr)

	code, stdout, stderr := runCLI(t, "fetch", "--local", "--run-id", "77", "--platform", "linux", "--amdgpu-family", "gfx94X", "--list")
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "core-hip\n", stdout)

	install := filepath.Join(t.TempDir(), "install")
	code, _, stderr = runCLI(t, "fetch", "--local", "--run-id", "77", "--platform", "linux",
		"--amdgpu-family", "gfx94X", "--base-only", "--output-dir", install)
	require.Equal(t, 0, code, stderr)
	assert.FileExists(t, filepath.Join(install, "lib", "libamdhip64.so"))
	assert.NoDirExists(t, filepath.Join(install, ".archives"))
}

func TestBisectRejectsIncompleteInvocation(t *testing.T) {
	cache := t.TempDir()

	code, _, stderr := runCLI(t, "bisect", "--good", "a", "--bad", "b", "--cache-dir", cache, "--amdgpu-family", "gfx94X")
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr, "test command is required")

	code, _, stderr = runCLI(t, "bisect", "--good", "a", "--bad", "b", "--cache-dir", cache, "--mode", "rebuild", "--test", "true")
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr, "--build-command")

	code, _, _ = runCLI(t, "bisect", "--good", "a", "--bad", "b", "--cache-dir", cache, "--mode", "sideways", "--test", "true")
	assert.Equal(t, exitConfiguration, code)

	code, _, stderr = runCLI(t, "bisect", "--test", "true")
	assert.Equal(t, exitConfiguration, code)
	assert.Contains(t, stderr, "--good")
}

func TestBisectStepSkipsWhenGitHubFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "therock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("github:\n  apiURL: "+srv.URL+"/\n"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run([]string{"therock", "--config", path, "--verbosity", "error",
		"bisect", "step",
		"--commit", "0123456789abcdef0123456789abcdef01234567",
		"--cache-dir", t.TempDir(),
		"--amdgpu-family", "gfx94X", "--artifact-group", "gfx94X-dcgpu",
		"--test", "true",
	}, &stdout, &stderr)
	assert.Equal(t, exitStepSkip, code)
	assert.Contains(t, stderr.String(), "502")
	assert.Empty(t, stdout.String())
}

func TestBisectStepAbortsOnConfigurationError(t *testing.T) {
	code, _, stderr := runCLI(t, "bisect", "step",
		"--commit", "0123456789abcdef0123456789abcdef01234567",
		"--cache-dir", t.TempDir(),
		"--amdgpu-family", "not-a-family",
		"--test", "true")
	assert.Equal(t, exitStepAbort, code)
	assert.Contains(t, stderr, "invalid GPU family")

	code, _, _ = runCLI(t, "bisect", "step", "--commit", "abc", "--cache-dir", t.TempDir(), "--amdgpu-family", "gfx94X")
	assert.Equal(t, exitStepAbort, code)
}

func TestStepExit(t *testing.T) {
	for _, tc := range []struct {
		name string
		err  error
		want int
	}{
		{"network", errors.New("get commit abc: 502"), exitStepSkip},
		{"fetch", &bisect.FetchError{Commit: "abc", Err: errors.New("connection reset")}, exitStepSkip},
		{"not found", fmt.Errorf("resolving abc: %w", ci.ErrNotFound), exitStepSkip},
		{"configuration", descriptor.Configurationf("--amdgpu-family", "bad"), exitStepAbort},
		{"usage", cli.Exit("a test command is required", exitConfiguration), exitStepAbort},
		{"hash mismatch", &bisect.FetchError{Commit: "abc", Err: &archive.HashMismatchError{Path: "blas.tar.xz"}}, exitStepAbort},
		{"interrupted", context.Canceled, exitStepAbort},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := stepExit(tc.err)
			var coder cli.ExitCoder
			require.True(t, errors.As(err, &coder))
			assert.Equal(t, tc.want, coder.ExitCode())
			assert.Equal(t, tc.err.Error(), err.Error())
		})
	}
}
