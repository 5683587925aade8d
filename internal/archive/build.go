package archive

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/metrics"
)

// SidecarSuffix is appended to an archive path to name its hash file.
const SidecarSuffix = ".sha256sum"

var epoch = time.Unix(0, 0)

type Builder struct {
	level  int
	logger *zap.Logger
}

func NewBuilder(logger *zap.Logger, level int) *Builder {
	return &Builder{level: level, logger: logger.Named("archive")}
}

// Build packs componentDir into archivePath and writes the hex SHA-256 of
// the compressed bytes to hashPath. Both files appear atomically; on failure
// neither is left behind. An empty hashPath defaults to
// archivePath + SidecarSuffix.
func (b *Builder) Build(componentDir, archivePath string, t Type, hashPath string) error {
	if hashPath == "" {
		hashPath = archivePath + SidecarSuffix
	}
	comp, err := CompressorFor(t, b.level)
	if err != nil {
		return &ArchiveWriteError{Path: archivePath, Err: err}
	}

	start := time.Now()
	digest, size, err := b.writeArchive(componentDir, archivePath, comp)
	if err != nil {
		return &ArchiveWriteError{Path: archivePath, Err: err}
	}
	if err := writeSidecar(hashPath, digest, filepath.Base(archivePath)); err != nil {
		os.Remove(archivePath)
		return &ArchiveWriteError{Path: hashPath, Err: err}
	}

	metrics.ArchiveBytes.WithLabelValues(string(t)).Add(float64(size))
	metrics.ArchiveDuration.WithLabelValues(string(t)).Observe(time.Since(start).Seconds())
	b.logger.Info("wrote archive",
		zap.String("archive", archivePath),
		zap.String("sha256", digest),
		zap.Int64("bytes", size),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (b *Builder) writeArchive(componentDir, archivePath string, comp Compressor) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), "."+filepath.Base(archivePath)+".*.tmp")
	if err != nil {
		return "", 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, hasher)}
	cw, err := comp.NewWriter(counter)
	if err != nil {
		return "", 0, err
	}
	tw := tar.NewWriter(cw)
	if err := addTree(tw, componentDir); err != nil {
		return "", 0, err
	}
	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := cw.Close(); err != nil {
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmp.Name(), archivePath); err != nil {
		return "", 0, err
	}
	committed = true
	return hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

// addTree writes entries in lexical walk order with normalized ownership and
// timestamps so identical trees always produce identical tar streams.
func addTree(tw *tar.Writer, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    int64(info.Mode().Perm()),
			ModTime: epoch,
			Format:  tar.FormatGNU,
		}
		switch mode := info.Mode(); {
		case mode.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = target
			hdr.Mode = 0o777
		case mode.IsRegular():
			hdr.Typeflag = tar.TypeReg
			hdr.Size = info.Size()
		default:
			return fmt.Errorf("unsupported file type %s: %s", mode.Type(), p)
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
