package artifactstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

const indexPage = `<html><body><ul>
<li><a href="blas_lib_gfx94X.tar.xz"><span class="name">blas_lib_gfx94X.tar.xz</span></a></li>
<li><a href="blas_lib_gfx94X.tar.xz.sha256sum"><span class="name">blas_lib_gfx94X.tar.xz.sha256sum</span></a></li>
<li><a href="core-runtime_lib_generic.tar.zst"><span class="name">core-runtime_lib_generic.tar.zst</span></a></li>
<li><a href="logs/"><span class="name">logs/</span></a></li>
</ul></body></html>`

func testRoot(t *testing.T) runoutputs.Root {
	t.Helper()
	r, err := runoutputs.NewRoot(runoutputs.BucketCI, "", "12345678901", "linux")
	require.NoError(t, err)
	return r
}

func TestLocalBackend(t *testing.T) {
	staging := t.TempDir()
	b, err := NewLocalBackend(staging, testRoot(t), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(staging, "12345678901-linux"), b.BaseURI())

	src := filepath.Join(t.TempDir(), "blas_lib_gfx94X.tar.xz")
	require.NoError(t, os.WriteFile(src, []byte("archive"), 0o644))
	require.NoError(t, os.WriteFile(src+".sha256sum", []byte("abc  blas_lib_gfx94X.tar.xz\n"), 0o644))
	ctx := context.Background()
	require.NoError(t, b.Upload(ctx, src, "blas_lib_gfx94X.tar.xz"))
	require.NoError(t, b.Upload(ctx, src, "fft_lib_gfx94X.tar.zst"))

	names, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"blas_lib_gfx94X.tar.xz", "fft_lib_gfx94X.tar.zst"}, names)

	names, err = b.List(ctx, "blas")
	require.NoError(t, err)
	assert.Equal(t, []string{"blas_lib_gfx94X.tar.xz"}, names)

	ok, err := b.Exists(ctx, "blas_lib_gfx94X.tar.xz")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(ctx, "rand_lib_gfx94X.tar.xz")
	require.NoError(t, err)
	assert.False(t, ok)

	dest := filepath.Join(t.TempDir(), "cache", "blas_lib_gfx94X.tar.xz")
	require.NoError(t, b.Download(ctx, "blas_lib_gfx94X.tar.xz", dest))
	assert.FileExists(t, dest)
	assert.FileExists(t, dest+".sha256sum")

	err = b.Download(ctx, "rand_lib_gfx94X.tar.xz", dest)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, b.Download(ctx, "../escape.tar.xz", dest))
}

func TestParseIndex(t *testing.T) {
	names, err := ParseIndex(strings.NewReader(indexPage))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"blas_lib_gfx94X.tar.xz",
		"blas_lib_gfx94X.tar.xz.sha256sum",
		"core-runtime_lib_generic.tar.zst",
		"logs/",
	}, names)
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/12345678901-linux/index-gfx94X-dcgpu.html":
			w.Write([]byte(indexPage))
		case "/12345678901-linux/blas_lib_gfx94X.tar.xz":
			w.Write([]byte("archive"))
		case "/12345678901-linux/blas_lib_gfx94X.tar.xz.sha256sum":
			w.Write([]byte("abc  blas_lib_gfx94X.tar.xz\n"))
		case "/12345678901-linux/flaky_lib_gfx94X.tar.xz":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	b, err := NewHTTPBackend(testRoot(t), "gfx94X-dcgpu", srv.URL, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	names, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"blas_lib_gfx94X.tar.xz", "core-runtime_lib_generic.tar.zst"}, names)

	dest := filepath.Join(t.TempDir(), "blas_lib_gfx94X.tar.xz")
	require.NoError(t, b.Download(ctx, "blas_lib_gfx94X.tar.xz", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
	assert.FileExists(t, dest+".sha256sum")

	err = b.Download(ctx, "rand_lib_gfx94X.tar.xz", dest)
	assert.ErrorIs(t, err, ErrNotFound)

	err = b.Download(ctx, "flaky_lib_gfx94X.tar.xz", dest)
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.True(t, status.Retryable())

	ok, err := b.Exists(ctx, "blas_lib_gfx94X.tar.xz")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, b.Upload(ctx, dest, "x.tar.xz"), ErrReadOnly)
}

func TestNewSelectsBackend(t *testing.T) {
	b, err := New(testRoot(t), Options{StagingDir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LocalBackend{}, b)

	b, err = New(testRoot(t), Options{Group: "gfx94X-dcgpu"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPBackend{}, b)
	assert.Equal(t, "https://therock-ci-artifacts.s3.amazonaws.com/12345678901-linux", b.BaseURI())
}
