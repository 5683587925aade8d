package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ROCm/therock-tools/internal/manifest"
)

// Extract unpacks a component archive into destDir. Entries that would land
// outside destDir, directly or through a previously extracted symlink, are
// rejected.
func Extract(archivePath, destDir string) error {
	t, err := TypeFromPath(archivePath)
	if err != nil {
		return err
	}
	comp, err := CompressorFor(t, 0)
	if err != nil {
		return err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := comp.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	links := make(map[string]struct{})
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", archivePath, err)
		}
		name, err := entryName(hdr.Name, links)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
			links[name] = struct{}{}
		default:
			return fmt.Errorf("%w: %s has type %q", ErrUnsafeEntry, hdr.Name, hdr.Typeflag)
		}
	}
}

func entryName(raw string, links map[string]struct{}) (string, error) {
	name := path.Clean(strings.TrimSuffix(raw, "/"))
	if name == "." || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, raw)
	}
	for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
		if _, ok := links[dir]; ok {
			return "", fmt.Errorf("%w: %s is below symlink %s", ErrUnsafeEntry, raw, dir)
		}
	}
	return name, nil
}

func extractFile(r io.Reader, target string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	os.Remove(target)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(target, perm)
}

// Flatten merges several component archives into one install tree. Each
// archive's roots index names the staging prefixes to strip, so
// "math-libs/BLAS/stage/lib/libfoo.so" lands at "outputDir/lib/libfoo.so".
// Later archives overwrite files from earlier ones.
func Flatten(archivePaths []string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}
	for _, archivePath := range archivePaths {
		if err := flattenOne(archivePath, outputDir); err != nil {
			return fmt.Errorf("flattening %s: %w", filepath.Base(archivePath), err)
		}
	}
	return nil
}

func flattenOne(archivePath, outputDir string) error {
	scratch, err := os.MkdirTemp(filepath.Dir(filepath.Clean(outputDir)), ".flatten-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	if err := Extract(archivePath, scratch); err != nil {
		return err
	}
	roots, err := manifest.ReadRoots(scratch)
	if err != nil {
		return fmt.Errorf("missing roots index: %w", err)
	}
	for _, root := range roots {
		src := filepath.Join(scratch, filepath.FromSlash(root))
		if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
			// A root whose files were all claimed by other components.
			continue
		}
		if err := mergeTree(src, outputDir, root == "."); err != nil {
			return err
		}
	}
	return nil
}

func mergeTree(src, dst string, skipIndex bool) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if skipIndex && rel == manifest.RootsIndexName {
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if info, err := os.Lstat(target); err == nil && info.IsDir() {
			return fmt.Errorf("%s: file conflicts with directory", target)
		}
		return os.Rename(p, target)
	})
}
