// Package options evaluates feature options and their requirements into an
// immutable snapshot before any build steps are declared.
package options

import (
	"sort"

	"github.com/ROCm/therock-tools/internal/buildgraph"
	"github.com/ROCm/therock-tools/internal/descriptor"
)

const source = "build options"

// Option is a named feature switch. Requires names options that must be
// enabled for this one to be enabled.
type Option struct {
	Name     string
	Default  bool
	Requires []string
}

// Graph collects option declarations.
type Graph struct {
	options map[string]Option
}

func NewGraph() *Graph {
	return &Graph{options: make(map[string]Option)}
}

func (g *Graph) Declare(o Option) error {
	if o.Name == "" {
		return descriptor.Configurationf(source, "option with empty name")
	}
	if _, ok := g.options[o.Name]; ok {
		return descriptor.Configurationf(source, "option %q declared twice", o.Name)
	}
	o.Requires = append([]string(nil), o.Requires...)
	g.options[o.Name] = o
	return nil
}

// Resolve applies overrides and evaluates every option after its
// requirements. An option whose requirement ends up disabled is disabled
// too, unless the override forced it on, which is an error.
func (g *Graph) Resolve(overrides map[string]bool) (*Snapshot, error) {
	for name := range overrides {
		if _, ok := g.options[name]; !ok {
			return nil, descriptor.Configurationf(source, "unknown option %q", name)
		}
	}

	dag := buildgraph.New()
	for _, name := range sortedNames(g.options) {
		if err := dag.Add(name, nil, g.options[name].Requires...); err != nil {
			return nil, descriptor.Configurationf(source, "%v", err)
		}
	}
	if err := dag.Validate(); err != nil {
		return nil, descriptor.Configurationf(source, "%v", err)
	}

	snap := &Snapshot{enabled: map[string]bool{}, reasons: map[string]string{}}
	// Aggregating every option yields a single topological order.
	const all = "\x00all"
	if err := dag.Aggregate(all, sortedNames(g.options)...); err != nil {
		return nil, descriptor.Configurationf(source, "%v", err)
	}
	order, err := dag.Order(all)
	if err != nil {
		return nil, descriptor.Configurationf(source, "%v", err)
	}
	for _, name := range order {
		if name == all {
			continue
		}
		o := g.options[name]
		on := o.Default
		forced, overridden := overrides[name]
		if overridden {
			on = forced
		}
		if !on {
			if overridden {
				snap.reasons[name] = "disabled explicitly"
			} else {
				snap.reasons[name] = "disabled by default"
			}
			snap.enabled[name] = false
			continue
		}
		for _, req := range o.Requires {
			if snap.enabled[req] {
				continue
			}
			if overridden && forced {
				return nil, descriptor.Configurationf(source,
					"option %q was enabled but requires %q, which is disabled", name, req)
			}
			on = false
			snap.reasons[name] = "requires " + req
			break
		}
		snap.enabled[name] = on
	}
	return snap, nil
}

// Snapshot is the read-only result of option evaluation.
type Snapshot struct {
	enabled map[string]bool
	reasons map[string]string
}

// Enabled reports whether name is on. Unknown options are off.
func (s *Snapshot) Enabled(name string) bool {
	return s.enabled[name]
}

func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Disabled maps every disabled option to the reason it is off.
func (s *Snapshot) Disabled() map[string]string {
	out := make(map[string]string, len(s.reasons))
	for name, reason := range s.reasons {
		out[name] = reason
	}
	return out
}

func sortedNames(m map[string]Option) []string {
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
