// Package archive packs component directories into reproducible compressed
// tarballs with SHA-256 sidecars, and unpacks them again.
package archive

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type Type string

const (
	TypeXZ   Type = "xz"
	TypeZstd Type = "zst"
)

// Extension is the archive file suffix for t.
func (t Type) Extension() string { return ".tar." + string(t) }

// DefaultLevel is used when no compression level is configured.
const DefaultLevel = 6

// Compressor is the compression strategy behind one archive type.
type Compressor interface {
	Type() Type
	// Extension is the file suffix including the tar part, e.g. ".tar.xz".
	Extension() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// ParseType accepts "xz", "zst" and "zstd".
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "xz":
		return TypeXZ, nil
	case "zst", "zstd":
		return TypeZstd, nil
	default:
		return "", fmt.Errorf("unknown archive type: %s", s)
	}
}

// TypeFromPath infers the archive type from a file name.
func TypeFromPath(p string) (Type, error) {
	switch {
	case strings.HasSuffix(p, ".tar.xz"):
		return TypeXZ, nil
	case strings.HasSuffix(p, ".tar.zst"):
		return TypeZstd, nil
	default:
		return "", fmt.Errorf("not a component archive: %s", p)
	}
}

// MaxLevel is the highest compression level t accepts: the xz presets stop
// at 9, zstd goes to 22.
func (t Type) MaxLevel() int {
	if t == TypeZstd {
		return 22
	}
	return 9
}

// CompressorFor returns the strategy for t. A level of 0 or below means
// DefaultLevel; one above t.MaxLevel() is an error.
func CompressorFor(t Type, level int) (Compressor, error) {
	if level <= 0 {
		level = DefaultLevel
	}
	if level > t.MaxLevel() {
		return nil, fmt.Errorf("compression level %d is out of range for %s (1..%d)", level, t, t.MaxLevel())
	}
	switch t {
	case TypeXZ:
		return &xzCompressor{dictCap: xzDictCap(level)}, nil
	case TypeZstd:
		return &zstdCompressor{level: zstd.EncoderLevelFromZstd(level)}, nil
	default:
		return nil, fmt.Errorf("unknown archive type: %s", t)
	}
}

type xzCompressor struct {
	dictCap int
}

func (c *xzCompressor) Type() Type        { return TypeXZ }
func (c *xzCompressor) Extension() string { return ".tar.xz" }

func (c *xzCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	cfg := xz.WriterConfig{DictCap: c.dictCap, CheckSum: xz.CRC64}
	return cfg.NewWriter(w)
}

func (c *xzCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

// xzDictCap mirrors the dictionary sizes of the xz presets.
func xzDictCap(level int) int {
	switch {
	case level <= 1:
		return 1 << 20
	case level <= 3:
		return 4 << 20
	case level <= 6:
		return 8 << 20
	case level <= 7:
		return 16 << 20
	case level <= 8:
		return 32 << 20
	default:
		return 64 << 20
	}
}

type zstdCompressor struct {
	level zstd.EncoderLevel
}

func (c *zstdCompressor) Type() Type        { return TypeZstd }
func (c *zstdCompressor) Extension() string { return ".tar.zst" }

// A single encoder goroutine keeps the frame layout independent of the
// host's core count.
func (c *zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true))
}

func (c *zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}
