// Package registry declares artifact slices and wires their manifest and
// archive steps into the build graph.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/amdgpu"
	"github.com/ROCm/therock-tools/internal/buildgraph"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/pkg/runoutputs"
)

// Aggregate targets. They are independent: generating manifests does not
// build archives and building archives only runs the manifests it needs.
const (
	TargetArtifacts = "artifacts"
	TargetArchives  = "archives"
)

var ErrDuplicateSlice = errors.New("duplicate artifact slice")

// DuplicateSliceError is a configuration error.
type DuplicateSliceError struct {
	Name   string
	Bundle string
}

func (e *DuplicateSliceError) Error() string {
	return fmt.Sprintf("%s: %s: slice %q (bundle %q) is declared more than once",
		descriptor.ErrConfiguration, ErrDuplicateSlice, e.Name, e.Bundle)
}

func (e *DuplicateSliceError) Unwrap() []error {
	return []error{descriptor.ErrConfiguration, ErrDuplicateSlice}
}

// Slice is one unit of registration.
type Slice struct {
	Name string
	// Bundle is a GPU family or "any".
	Bundle     string
	Descriptor string
	Components []string
	// Deps name the sub-builds whose staged outputs the slice reads.
	Deps []string
	// Option, when set, names the feature option gating the slice.
	Option string
}

// ID names the slice in graph node names.
func (s Slice) ID() string {
	if s.Family() == amdgpu.Generic {
		return s.Name
	}
	return s.Name + "@" + s.Bundle
}

func (s Slice) Family() string {
	return amdgpu.BundleFamily(s.Bundle)
}

// Basename is the output name of one component, "{name}_{component}_{family}".
func (s Slice) Basename(component string) string {
	return runoutputs.ArtifactBasename(s.Name, component, s.Family())
}

func ManifestNode(s Slice, component string) string {
	return s.ID() + "/manifest/" + component
}

func ArchiveNode(s Slice, component string) string {
	return s.ID() + "/archive/" + component
}

func StagedNode(subBuild string) string {
	return subBuild + "/staged"
}

type SubBuild struct {
	Name string
	// StageDir is relative to the staging root.
	StageDir string
}

// Steps performs the work behind graph nodes.
type Steps interface {
	Staged(ctx context.Context, sb SubBuild) error
	Manifest(ctx context.Context, s Slice, d *descriptor.Descriptor, component string) error
	Archive(ctx context.Context, s Slice, component string) error
}

// canonicalBundle spells every target-neutral bundle as "any", so that
// "", "any" and "generic" name the same slice.
func canonicalBundle(bundle string) string {
	if amdgpu.BundleFamily(bundle) == amdgpu.Generic {
		return amdgpu.BundleAny
	}
	return bundle
}

type sliceKey struct {
	name   string
	bundle string
}

// Registry is populated during configuration. Declarations are guarded so a
// configuration pass may fan out, but wiring happens once per slice.
type Registry struct {
	mu        sync.RWMutex
	graph     *buildgraph.Graph
	steps     Steps
	slices    map[sliceKey]Slice
	subBuilds map[string]SubBuild
	active    map[sliceKey]bool
	logger    *zap.Logger
}

func New(graph *buildgraph.Graph, steps Steps, logger *zap.Logger) *Registry {
	return &Registry{
		graph:     graph,
		steps:     steps,
		slices:    make(map[sliceKey]Slice),
		subBuilds: make(map[string]SubBuild),
		active:    make(map[sliceKey]bool),
		logger:    logger.Named("registry"),
	}
}

func (r *Registry) Graph() *buildgraph.Graph { return r.graph }

// DeclareSubBuild registers a producer of staged files and its staged node.
func (r *Registry) DeclareSubBuild(name, stageDir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || strings.Contains(name, "/") {
		return descriptor.Configurationf("build config", "invalid sub-build name %q", name)
	}
	if _, ok := r.subBuilds[name]; ok {
		return descriptor.Configurationf("build config", "sub-build %q is declared more than once", name)
	}
	sb := SubBuild{Name: name, StageDir: stageDir}
	if err := r.graph.Add(StagedNode(name), func(ctx context.Context) error {
		return r.steps.Staged(ctx, sb)
	}); err != nil {
		return descriptor.Configurationf("build config", "%v", err)
	}
	r.subBuilds[name] = sb
	return nil
}

// DeclareSlice records a slice without wiring it.
func (r *Registry) DeclareSlice(s Slice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.Bundle = canonicalBundle(s.Bundle)
	switch {
	case s.Name == "" || strings.ContainsAny(s.Name, "/_@"):
		return descriptor.Configurationf("build config", "invalid slice name %q", s.Name)
	case !amdgpu.ValidFamily(s.Family()):
		return descriptor.Configurationf("build config", "slice %q has invalid bundle %q", s.Name, s.Bundle)
	case len(s.Components) == 0:
		return descriptor.Configurationf("build config", "slice %q has no components", s.Name)
	case s.Descriptor == "":
		return descriptor.Configurationf("build config", "slice %q has no descriptor", s.Name)
	}
	key := sliceKey{s.Name, s.Bundle}
	if _, ok := r.slices[key]; ok {
		return &DuplicateSliceError{Name: s.Name, Bundle: s.Bundle}
	}
	s.Components = append([]string(nil), s.Components...)
	s.Deps = append([]string(nil), s.Deps...)
	r.slices[key] = s
	return nil
}

// ActivateSlice loads the slice's descriptor and adds, per component, a
// manifest node after every dependency's staged node and an archive node
// after the manifest node.
func (r *Registry) ActivateSlice(name, bundle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bundle = canonicalBundle(bundle)
	key := sliceKey{name, bundle}
	s, ok := r.slices[key]
	if !ok {
		return descriptor.Configurationf("build config", "slice %q (bundle %q) is not declared", name, bundle)
	}
	if r.active[key] {
		return nil
	}
	for _, dep := range s.Deps {
		if _, ok := r.subBuilds[dep]; !ok {
			return descriptor.Configurationf("build config", "slice %q depends on undeclared sub-build %q", name, dep)
		}
	}

	d, err := descriptor.Load(s.Descriptor)
	if err != nil {
		return err
	}
	for _, component := range s.Components {
		if !d.HasComponent(component) {
			return descriptor.Configurationf(s.Descriptor, "slice %q lists component %q which the descriptor does not define", name, component)
		}
	}

	for _, component := range s.Components {
		mnode := ManifestNode(s, component)
		staged := make([]string, 0, len(s.Deps))
		for _, dep := range s.Deps {
			staged = append(staged, StagedNode(dep))
		}
		if err := r.graph.Add(mnode, func(ctx context.Context) error {
			return r.steps.Manifest(ctx, s, d, component)
		}, staged...); err != nil {
			return descriptor.Configurationf("build config", "%v", err)
		}
		anode := ArchiveNode(s, component)
		if err := r.graph.Add(anode, func(ctx context.Context) error {
			return r.steps.Archive(ctx, s, component)
		}, mnode); err != nil {
			return descriptor.Configurationf("build config", "%v", err)
		}
		if err := r.graph.Aggregate(TargetArtifacts, mnode); err != nil {
			return descriptor.Configurationf("build config", "%v", err)
		}
		if err := r.graph.Aggregate(TargetArchives, anode); err != nil {
			return descriptor.Configurationf("build config", "%v", err)
		}
	}
	r.active[key] = true
	r.logger.Debug("activated slice",
		zap.String("slice", s.ID()),
		zap.Strings("components", s.Components),
		zap.Strings("deps", s.Deps))
	return nil
}

// ActivateAll activates every declared slice whose option is enabled, in
// name order. Gated slices whose option is off are skipped.
func (r *Registry) ActivateAll(enabled func(option string) bool) error {
	for _, s := range r.Slices() {
		if s.Option != "" && enabled != nil && !enabled(s.Option) {
			r.logger.Info("slice disabled by option", zap.String("slice", s.ID()), zap.String("option", s.Option))
			continue
		}
		if err := r.ActivateSlice(s.Name, s.Bundle); err != nil {
			return err
		}
	}
	// Empty aggregates still exist so the targets can always be requested.
	if err := r.graph.Aggregate(TargetArtifacts); err != nil {
		return err
	}
	return r.graph.Aggregate(TargetArchives)
}

// Slices returns every declared slice sorted by name, then bundle.
func (r *Registry) Slices() []Slice {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Slice, 0, len(r.slices))
	for _, s := range r.slices {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Bundle < out[j].Bundle
	})
	return out
}

func (r *Registry) SubBuilds() []SubBuild {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SubBuild, 0, len(r.subBuilds))
	for _, sb := range r.subBuilds {
		out = append(out, sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
