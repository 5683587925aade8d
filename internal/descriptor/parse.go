package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format selects the document syntax of a descriptor.
type Format string

const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath infers the descriptor format from a file extension.
func FormatFromPath(p string) (Format, error) {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", Configurationf(p, "unsupported descriptor extension %q", filepath.Ext(p))
	}
}

// Load reads and parses the descriptor at p.
func Load(p string) (*Descriptor, error) {
	format, err := FormatFromPath(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}
	d, err := Parse(data, format, p)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Parse decodes a descriptor document. source is only used in errors.
func Parse(data []byte, format Format, source string) (*Descriptor, error) {
	var raw map[string]any
	switch format {
	case FormatTOML:
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, Configurationf(source, "invalid TOML: %v", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, Configurationf(source, "invalid YAML: %v", err)
		}
	default:
		return nil, Configurationf(source, "unknown descriptor format %q", format)
	}

	d := &Descriptor{source: source, components: map[string]map[string]Rule{}}
	for key, value := range raw {
		if key != "components" {
			return nil, Configurationf(source, "unknown field %q", key)
		}
		components, err := asTable(value, "components")
		if err != nil {
			return nil, Configurationf(source, "%v", err)
		}
		for name, body := range components {
			subdirs, err := parseComponent(name, body)
			if err != nil {
				return nil, Configurationf(source, "%v", err)
			}
			d.components[name] = subdirs
		}
	}
	return d, nil
}

func parseComponent(name string, body any) (map[string]Rule, error) {
	if name == "" {
		return nil, fmt.Errorf("empty component name")
	}
	table, err := asTable(body, "components."+name)
	if err != nil {
		return nil, err
	}
	rules := make(map[string]Rule, len(table))
	for subdir, rawRule := range table {
		keyPath := fmt.Sprintf("components.%s.%q", name, subdir)
		if !validSubdir(subdir) {
			return nil, fmt.Errorf("%s: sub-directory must be a relative path inside the staging root", keyPath)
		}
		rule, err := parseRule(keyPath, rawRule)
		if err != nil {
			return nil, err
		}
		rules[cleanSubdir(subdir)] = rule
	}
	return rules, nil
}

func parseRule(keyPath string, raw any) (Rule, error) {
	var rule Rule
	fields, err := asTable(raw, keyPath)
	if err != nil {
		return rule, err
	}
	for field, value := range fields {
		switch field {
		case "include":
			rule.Include, err = asPatterns(value, keyPath+".include")
			rule.IncludeSet = true
		case "exclude":
			rule.Exclude, err = asPatterns(value, keyPath+".exclude")
		case "optional":
			b, ok := value.(bool)
			if !ok {
				err = fmt.Errorf("%s.optional: expected boolean, got %T", keyPath, value)
			}
			rule.Optional = b
		default:
			err = fmt.Errorf("%s: unknown field %q", keyPath, field)
		}
		if err != nil {
			return rule, err
		}
	}
	return rule, nil
}

// asTable accepts a nil value as an empty table so that a bare TOML header
// or an empty YAML mapping value means "use defaults".
func asTable(v any, keyPath string) (map[string]any, error) {
	switch t := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return t, nil
	default:
		return nil, fmt.Errorf("%s: expected table, got %T", keyPath, v)
	}
}

func asPatterns(v any, keyPath string) ([]string, error) {
	var out []string
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		out = []string{t}
	case []any:
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected string, got %T", keyPath, i, item)
			}
			out = append(out, s)
		}
	default:
		return nil, fmt.Errorf("%s: expected string or array of strings, got %T", keyPath, v)
	}
	for _, p := range out {
		if p == "" || !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%s: invalid glob pattern %q", keyPath, p)
		}
	}
	return out, nil
}
