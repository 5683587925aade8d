// Package manifest materializes a resolved fileset into a component
// directory and records it as a sorted plain-text manifest.
package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/fileset"
	"github.com/ROCm/therock-tools/internal/metrics"
)

// RootsIndexName is written into every component directory and lists the
// staging sub-directories the component was sliced from. Flattening uses it
// to strip those prefixes again.
const RootsIndexName = "artifact_manifest.txt"

var ErrIO = errors.New("manifest I/O error")

// IOError is fatal for the slice. A vanished source file indicates that the
// build graph let a sub-build mutate the staging tree after resolution.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrIO, e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }

type Writer struct {
	// AlwaysCopy disables the hard-link fast path.
	AlwaysCopy bool
	logger     *zap.Logger
}

func NewWriter(logger *zap.Logger, alwaysCopy bool) *Writer {
	return &Writer{AlwaysCopy: alwaysCopy, logger: logger.Named("manifest")}
}

// Write replaces outputDir with the fileset's files and writes manifestPath.
// Re-running with an unchanged fileset yields identical outputs.
func (w *Writer) Write(set *fileset.Fileset, outputDir, manifestPath string) error {
	if err := os.RemoveAll(outputDir); err != nil {
		return &IOError{Op: "clear", Path: outputDir, Err: err}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: outputDir, Err: err}
	}

	linked, copied := 0, 0
	for _, rel := range set.Paths {
		src := filepath.Join(set.Root, filepath.FromSlash(rel))
		dst := filepath.Join(outputDir, filepath.FromSlash(rel))
		didLink, err := w.place(src, dst)
		if err != nil {
			return err
		}
		if didLink {
			linked++
		} else {
			copied++
		}
	}

	if err := writeLines(filepath.Join(outputDir, RootsIndexName), sortedCopy(set.Subdirs)); err != nil {
		return &IOError{Op: "write", Path: RootsIndexName, Err: err}
	}
	if manifestPath != "" {
		if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: filepath.Dir(manifestPath), Err: err}
		}
		if err := writeLines(manifestPath, sortedCopy(set.Paths)); err != nil {
			return &IOError{Op: "write", Path: manifestPath, Err: err}
		}
	}

	metrics.ManifestsWritten.WithLabelValues(set.Component).Inc()
	w.logger.Info("wrote component",
		zap.String("component", set.Component),
		zap.String("output_dir", outputDir),
		zap.String("manifest", manifestPath),
		zap.Int("files", len(set.Paths)),
		zap.Int("linked", linked),
		zap.Int("copied", copied))
	return nil
}

// Copy places srcDir/rel at destDir/rel for every path, replacing files
// already present. Unlike Write it neither clears destDir nor writes a
// roots index.
func (w *Writer) Copy(srcDir string, paths []string, destDir string) error {
	for _, rel := range paths {
		dst := filepath.Join(destDir, filepath.FromSlash(rel))
		if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "remove", Path: dst, Err: err}
		}
		if _, err := w.place(filepath.Join(srcDir, filepath.FromSlash(rel)), dst); err != nil {
			return err
		}
	}
	w.logger.Debug("copied files", zap.String("from", srcDir), zap.String("to", destDir), zap.Int("files", len(paths)))
	return nil
}

func (w *Writer) place(src, dst string) (bool, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return false, &IOError{Op: "stat", Path: src, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, &IOError{Op: "mkdir", Path: filepath.Dir(dst), Err: err}
	}

	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return false, &IOError{Op: "readlink", Path: src, Err: err}
		}
		if err := os.Symlink(target, dst); err != nil {
			return false, &IOError{Op: "symlink", Path: dst, Err: err}
		}
		return false, nil
	}

	if !w.AlwaysCopy {
		if err := os.Link(src, dst); err == nil {
			return true, nil
		}
	}
	if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
		return false, &IOError{Op: "copy", Path: src, Err: err}
	}
	return false, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile is subject to the umask.
	return os.Chmod(dst, perm)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func writeLines(p string, lines []string) error {
	var content string
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Read returns the paths listed in a manifest file.
func Read(manifestPath string) ([]string, error) {
	f, err := os.Open(manifestPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			out = append(out, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", manifestPath, err)
	}
	return out, nil
}

// ReadRoots returns the roots index of a component directory.
func ReadRoots(componentDir string) ([]string, error) {
	return Read(filepath.Join(componentDir, RootsIndexName))
}
