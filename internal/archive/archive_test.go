package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/manifest"
)

func componentDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "blas_lib_gfx94X")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "math-libs/BLAS/stage/lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "math-libs/BLAS/stage/bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math-libs/BLAS/stage/lib/libblas.so.4.1"), []byte("ELF library"), 0o644))
	require.NoError(t, os.Symlink("libblas.so.4.1", filepath.Join(dir, "math-libs/BLAS/stage/lib/libblas.so")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math-libs/BLAS/stage/bin/blas-bench"), []byte("#!/bin/sh\nexit 0\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifest.RootsIndexName), []byte("math-libs/BLAS/stage\n"), 0o644))
	return dir
}

func TestCompressorFor(t *testing.T) {
	xzc, err := CompressorFor(TypeXZ, 0)
	require.NoError(t, err)
	assert.Equal(t, ".tar.xz", xzc.Extension())

	zc, err := CompressorFor(TypeZstd, 19)
	require.NoError(t, err)
	assert.Equal(t, ".tar.zst", zc.Extension())

	_, err = CompressorFor("gz", 0)
	assert.Error(t, err)

	// Levels are not silently lowered: zstd takes its full range, xz stops
	// at its last preset.
	_, err = CompressorFor(TypeZstd, 22)
	assert.NoError(t, err)
	_, err = CompressorFor(TypeXZ, 9)
	assert.NoError(t, err)
	_, err = CompressorFor(TypeXZ, 10)
	assert.ErrorContains(t, err, "out of range")
	_, err = CompressorFor(TypeZstd, 23)
	assert.ErrorContains(t, err, "out of range")

	typ, err := ParseType("zstd")
	require.NoError(t, err)
	assert.Equal(t, TypeZstd, typ)
}

func TestBuildTenByteFile(t *testing.T) {
	for _, typ := range []Type{TypeXZ, TypeZstd} {
		t.Run(string(typ), func(t *testing.T) {
			src := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(src, "x.txt"), []byte("0123456789"), 0o644))

			comp, err := CompressorFor(typ, 0)
			require.NoError(t, err)
			out := t.TempDir()
			archivePath := filepath.Join(out, "x"+comp.Extension())
			hashPath := archivePath + SidecarSuffix

			require.NoError(t, NewBuilder(zap.NewNop(), 0).Build(src, archivePath, typ, hashPath))

			sidecar, err := os.ReadFile(hashPath)
			require.NoError(t, err)
			data, err := os.ReadFile(archivePath)
			require.NoError(t, err)
			sum := sha256.Sum256(data)
			assert.Equal(t, hex.EncodeToString(sum[:])+"  x"+comp.Extension()+"\n", string(sidecar))
			require.NoError(t, VerifySidecar(archivePath, hashPath))

			dest := t.TempDir()
			require.NoError(t, Extract(archivePath, dest))
			got, err := os.ReadFile(filepath.Join(dest, "x.txt"))
			require.NoError(t, err)
			assert.Equal(t, "0123456789", string(got))
		})
	}
}

func TestBuildReproducible(t *testing.T) {
	dir := componentDir(t)
	out := t.TempDir()
	b := NewBuilder(zap.NewNop(), 0)

	first := filepath.Join(out, "a.tar.zst")
	second := filepath.Join(out, "b.tar.zst")
	require.NoError(t, b.Build(dir, first, TypeZstd, ""))

	// Different timestamps must not leak into the archive.
	require.NoError(t, os.Chtimes(filepath.Join(dir, "math-libs/BLAS/stage/lib/libblas.so.4.1"),
		epoch.AddDate(30, 0, 0), epoch.AddDate(30, 0, 0)))
	require.NoError(t, b.Build(dir, second, TypeZstd, ""))

	h1, err := HashFile(first)
	require.NoError(t, err)
	h2, err := HashFile(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	d1, _, err := ReadSidecar(first + SidecarSuffix)
	require.NoError(t, err)
	assert.Equal(t, h1, d1)
}

func TestRoundTrip(t *testing.T) {
	dir := componentDir(t)
	archivePath := filepath.Join(t.TempDir(), "blas_lib_gfx94X.tar.xz")
	require.NoError(t, NewBuilder(zap.NewNop(), 0).Build(dir, archivePath, TypeXZ, ""))

	dest := t.TempDir()
	require.NoError(t, Extract(archivePath, dest))
	assert.Equal(t, snapshot(t, dir), snapshot(t, dest))
}

func TestBuildFailureLeavesNothing(t *testing.T) {
	out := t.TempDir()
	archivePath := filepath.Join(out, "missing.tar.xz")
	err := NewBuilder(zap.NewNop(), 0).Build(filepath.Join(out, "does-not-exist"), archivePath, TypeXZ, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArchiveWrite))

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifySidecarMismatch(t *testing.T) {
	dir := componentDir(t)
	archivePath := filepath.Join(t.TempDir(), "c.tar.zst")
	require.NoError(t, NewBuilder(zap.NewNop(), 0).Build(dir, archivePath, TypeZstd, ""))

	f, err := os.OpenFile(archivePath, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("garbage"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	err = VerifySidecar(archivePath, "")
	var mismatch *HashMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, archivePath, mismatch.Path)
}

func TestFlatten(t *testing.T) {
	out := t.TempDir()
	b := NewBuilder(zap.NewNop(), 0)

	libDir := componentDir(t)
	libArchive := filepath.Join(out, "blas_lib_gfx94X.tar.zst")
	require.NoError(t, b.Build(libDir, libArchive, TypeZstd, ""))

	devDir := filepath.Join(t.TempDir(), "blas_dev_gfx94X")
	require.NoError(t, os.MkdirAll(filepath.Join(devDir, "math-libs/BLAS/stage/include"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "math-libs/BLAS/stage/include/blas.h"), []byte("#pragma once\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, manifest.RootsIndexName), []byte("math-libs/BLAS/stage\n"), 0o644))
	devArchive := filepath.Join(out, "blas_dev_gfx94X.tar.zst")
	require.NoError(t, b.Build(devDir, devArchive, TypeZstd, ""))

	install := filepath.Join(out, "install")
	require.NoError(t, Flatten([]string{libArchive, devArchive}, install))

	assert.Equal(t, map[string]string{
		"bin/blas-bench":     "-rwxr-xr-x #!/bin/sh\nexit 0\n",
		"include/blas.h":     "-rw-r--r-- #pragma once\n",
		"lib/libblas.so":     "-> libblas.so.4.1",
		"lib/libblas.so.4.1": "-rw-r--r-- ELF library",
	}, snapshot(t, install))
}

func TestExtractRejectsTraversal(t *testing.T) {
	links := map[string]struct{}{"lib": {}}
	for _, name := range []string{"../etc/passwd", "/etc/passwd", "lib/escape.txt", "."} {
		_, err := entryName(name, links)
		assert.ErrorIs(t, err, ErrUnsafeEntry, name)
	}
	name, err := entryName("bin/./tool", links)
	require.NoError(t, err)
	assert.Equal(t, "bin/tool", name)
}

// snapshot maps every non-directory entry to its permission bits and
// content, or to its link target.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, p)
		rel = filepath.ToSlash(rel)
		if d.IsDir() || rel == manifest.RootsIndexName {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			require.NoError(t, err)
			out[rel] = "-> " + target
			return nil
		}
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		info, err := d.Info()
		require.NoError(t, err)
		out[rel] = info.Mode().Perm().String() + " " + string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}
