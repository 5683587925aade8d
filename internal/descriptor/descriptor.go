// Package descriptor loads artifact descriptors: per component, a set of
// staging sub-directories each carrying include/exclude glob rules.
package descriptor

import (
	"path"
	"sort"
	"strings"
)

// Well-known component names.
const (
	ComponentLib  = "lib"
	ComponentDev  = "dev"
	ComponentDbg  = "dbg"
	ComponentDoc  = "doc"
	ComponentTest = "test"
	ComponentRun  = "run"
)

// Rule is the pattern rule set for one sub-directory of one component.
type Rule struct {
	Include []string
	Exclude []string
	// IncludeSet is false when the descriptor omitted "include"; every file
	// under the sub-directory is then eligible.
	IncludeSet bool
	Optional   bool
}

// SubdirRule pairs a staging-relative sub-directory with its rule.
type SubdirRule struct {
	Subdir string
	Rule   Rule
}

// Descriptor is immutable once loaded.
type Descriptor struct {
	source     string
	components map[string]map[string]Rule
}

// Source returns the file the descriptor was loaded from, if any.
func (d *Descriptor) Source() string { return d.source }

// ComponentNames returns the declared components in sorted order.
func (d *Descriptor) ComponentNames() []string {
	names := make([]string, 0, len(d.components))
	for name := range d.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasComponent reports whether component is declared.
func (d *Descriptor) HasComponent(component string) bool {
	_, ok := d.components[component]
	return ok
}

// Rules returns the rules of component sorted by sub-directory.
func (d *Descriptor) Rules(component string) ([]SubdirRule, error) {
	subdirs, ok := d.components[component]
	if !ok {
		return nil, Configurationf(d.source, "component %q is not defined (declared: %s)",
			component, strings.Join(d.ComponentNames(), ", "))
	}
	out := make([]SubdirRule, 0, len(subdirs))
	for subdir, rule := range subdirs {
		out = append(out, SubdirRule{Subdir: subdir, Rule: rule.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subdir < out[j].Subdir })
	return out, nil
}

func (r Rule) clone() Rule {
	r.Include = append([]string(nil), r.Include...)
	r.Exclude = append([]string(nil), r.Exclude...)
	return r
}

func validSubdir(subdir string) bool {
	if subdir == "" || strings.HasPrefix(subdir, "/") || strings.Contains(subdir, "\\") {
		return false
	}
	for _, seg := range strings.Split(subdir, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// cleanSubdir normalizes a validated sub-directory; "." names the staging
// root itself.
func cleanSubdir(subdir string) string {
	return path.Clean(subdir)
}

// New builds a descriptor from already-validated rules; used by tools that
// synthesize descriptors rather than load them.
func New(source string, components map[string]map[string]Rule) *Descriptor {
	d := &Descriptor{source: source, components: make(map[string]map[string]Rule, len(components))}
	for name, subdirs := range components {
		copied := make(map[string]Rule, len(subdirs))
		for subdir, rule := range subdirs {
			copied[subdir] = rule.clone()
		}
		d.components[name] = copied
	}
	return d
}
