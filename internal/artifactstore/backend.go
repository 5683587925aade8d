// Package artifactstore moves component archives between a run's output
// location and the local disk.
package artifactstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrReadOnly = errors.New("backend is read-only")

	// ErrMissingSidecar is an archive published without its hash sidecar.
	// It counts as not found: an unverifiable archive is never installed.
	ErrMissingSidecar = fmt.Errorf("%w: no hash sidecar", ErrNotFound)
)

// Backend stores artifacts by file name under one run root.
type Backend interface {
	// List returns sorted archive file names. A non-empty nameFilter keeps
	// only "{nameFilter}_*" entries.
	List(ctx context.Context, nameFilter string) ([]string, error)
	// Download writes the file to dest, together with its hash sidecar when
	// the backend has one.
	Download(ctx context.Context, filename, dest string) error
	// Upload stores src, and its sidecar if present, under filename.
	Upload(ctx context.Context, src, filename string) error
	Exists(ctx context.Context, filename string) (bool, error)
	BaseURI() string
}

// Options select and configure a backend.
type Options struct {
	// StagingDir, when set, selects the local backend.
	StagingDir string
	// BaseURL overrides the public bucket URL of the HTTP backend.
	BaseURL string
	// Group names the index page the HTTP backend lists.
	Group string
}

// New returns a LocalBackend when a staging directory is configured and an
// HTTPBackend otherwise.
func New(root runoutputs.Root, opts Options, logger *zap.Logger) (Backend, error) {
	if opts.StagingDir != "" {
		return NewLocalBackend(opts.StagingDir, root, logger)
	}
	return NewHTTPBackend(root, opts.Group, opts.BaseURL, nil, logger)
}

func isArchive(filename string) bool {
	return strings.HasSuffix(filename, ".tar.zst") || strings.HasSuffix(filename, ".tar.xz")
}

func filterArchives(names []string, nameFilter string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !isArchive(name) {
			continue
		}
		if nameFilter != "" && !strings.HasPrefix(name, nameFilter+"_") {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func validFilename(filename string) bool {
	return filename != "" && !strings.ContainsAny(filename, `/\`) && !strings.Contains(filename, "..")
}
