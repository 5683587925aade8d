// Package fileset resolves descriptor rules against a staging tree into
// sorted, per-component lists of relative paths.
package fileset

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/metrics"
)

// Fileset is the resolved content of one component. Paths are slash
// separated, relative to Root and sorted bytewise.
type Fileset struct {
	Component string
	Root      string
	Subdirs   []string
	Paths     []string
}

// Len returns the number of resolved paths.
func (f *Fileset) Len() int { return len(f.Paths) }

type Option func(*Resolver)

// WithComponentDefaults merges per-component default patterns into every rule.
func WithComponentDefaults(defaults map[string]Defaults) Option {
	return func(r *Resolver) {
		r.defaults = defaults
	}
}

// Resolver has no mutable state; one instance may be shared by concurrent
// manifest steps.
type Resolver struct {
	defaults map[string]Defaults
	logger   *zap.Logger
}

func NewResolver(logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{logger: logger.Named("fileset")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes the fileset of component under rootDir. It only reads
// the filesystem.
func (r *Resolver) Resolve(rootDir string, d *descriptor.Descriptor, component string) (*Fileset, error) {
	rules, err := d.Rules(component)
	if err != nil {
		return nil, err
	}
	defaults := r.defaults[component]

	out := &Fileset{Component: component, Root: rootDir}
	seen := make(map[string]struct{})
	for _, sr := range rules {
		basedir := filepath.Join(rootDir, filepath.FromSlash(sr.Subdir))
		info, err := os.Stat(basedir)
		if err != nil || !info.IsDir() {
			if sr.Rule.Optional {
				r.logger.Debug("skipping missing optional directory",
					zap.String("component", component), zap.String("subdir", sr.Subdir))
				continue
			}
			return nil, &DescriptorPathError{Component: component, Path: basedir}
		}
		out.Subdirs = append(out.Subdirs, sr.Subdir)

		includes := append(append([]string(nil), sr.Rule.Include...), defaults.Includes...)
		excludes := append(append([]string(nil), sr.Rule.Exclude...), defaults.Excludes...)
		if len(includes) == 0 {
			r.logger.Debug("rule has no include patterns, selecting every file",
				zap.String("component", component), zap.String("subdir", sr.Subdir))
		}

		matched, err := Match(basedir, includes, excludes)
		if err != nil {
			return nil, fmt.Errorf("resolving %s/%s: %w", component, sr.Subdir, err)
		}
		if len(matched) == 0 && !sr.Rule.Optional {
			return nil, &EmptyFilesetError{Component: component, Subdir: sr.Subdir}
		}
		for _, rel := range matched {
			p := path.Join(sr.Subdir, rel)
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out.Paths = append(out.Paths, p)
		}
	}
	sort.Strings(out.Paths)

	metrics.FilesResolved.WithLabelValues(component).Add(float64(len(out.Paths)))
	r.logger.Debug("resolved fileset",
		zap.String("component", component), zap.Int("files", len(out.Paths)))
	return out, nil
}

// Match lists files and symlinks under basedir (relative, slash separated,
// sorted) that match any include and no exclude. No includes selects all.
// Symlinks are never followed.
func Match(basedir string, includes, excludes []string) ([]string, error) {
	for _, p := range append(append([]string(nil), includes...), excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}

	var out []string
	err := filepath.WalkDir(basedir, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		mode := entry.Type()
		if !mode.IsRegular() && mode&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(basedir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if selected(rel, includes, excludes) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("scanning %s: %w", basedir, err)
		}
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func selected(rel string, includes, excludes []string) bool {
	if len(includes) > 0 && !matchesAny(rel, includes) {
		return false
	}
	return !matchesAny(rel, excludes)
}

func matchesAny(rel string, patterns []string) bool {
	for _, p := range patterns {
		// Patterns were validated up front, so Match cannot fail here.
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Overlap is a path claimed by more than one component.
type Overlap struct {
	Path       string
	Components []string
}

// CheckPartition reports paths present in more than one fileset. It only
// diagnoses descriptor bugs; it never alters the filesets.
func CheckPartition(filesets ...*Fileset) []Overlap {
	owners := make(map[string][]string)
	for _, f := range filesets {
		for _, p := range f.Paths {
			owners[p] = append(owners[p], f.Component)
		}
	}
	var out []Overlap
	for p, components := range owners {
		if len(components) > 1 {
			sort.Strings(components)
			out = append(out, Overlap{Path: p, Components: components})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
