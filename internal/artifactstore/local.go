package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// LocalBackend mirrors the bucket layout under a staging directory.
type LocalBackend struct {
	root   runoutputs.Root
	base   string
	logger *zap.Logger
}

func NewLocalBackend(stagingDir string, root runoutputs.Root, logger *zap.Logger) (*LocalBackend, error) {
	base := root.LocalPath(stagingDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &LocalBackend{root: root, base: base, logger: logger.Named("local_backend")}, nil
}

func (b *LocalBackend) BaseURI() string { return b.base }

func (b *LocalBackend) List(ctx context.Context, nameFilter string) ([]string, error) {
	entries, err := os.ReadDir(b.base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return filterArchives(names, nameFilter), nil
}

func (b *LocalBackend) Download(ctx context.Context, filename, dest string) error {
	if !validFilename(filename) {
		return fmt.Errorf("%w: invalid name %q", ErrNotFound, filename)
	}
	src := filepath.Join(b.base, filename)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err := copyFile(ctx, src, dest); err != nil {
		return err
	}
	sidecar := src + runoutputs.HashSuffix
	if _, err := os.Stat(sidecar); err == nil {
		return copyFile(ctx, sidecar, dest+runoutputs.HashSuffix)
	}
	return nil
}

func (b *LocalBackend) Upload(ctx context.Context, src, filename string) error {
	if !validFilename(filename) {
		return fmt.Errorf("invalid artifact name %q", filename)
	}
	dest := filepath.Join(b.base, filename)
	if err := copyFile(ctx, src, dest); err != nil {
		return err
	}
	sidecar := src + runoutputs.HashSuffix
	if _, err := os.Stat(sidecar); err == nil {
		if err := copyFile(ctx, sidecar, dest+runoutputs.HashSuffix); err != nil {
			return err
		}
	}
	b.logger.Debug("uploaded artifact", zap.String("key", b.root.ArtifactKeyFor(filename)))
	return nil
}

func (b *LocalBackend) Exists(ctx context.Context, filename string) (bool, error) {
	if !validFilename(filename) {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(b.base, filename))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// copyFile writes through a temporary file so readers never observe a
// partial artifact.
func copyFile(ctx context.Context, src, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
