package config

import (
	"bytes"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/options"
	"github.com/ROCm/therock-tools/internal/registry"
)

// BuildConfig declares what a packaging run slices: feature options,
// sub-builds and artifact slices.
type BuildConfig struct {
	Options []struct {
		Name     string   `yaml:"name"`
		Default  bool     `yaml:"default"`
		Requires []string `yaml:"requires"`
	} `yaml:"options"`
	SubBuilds []struct {
		Name     string `yaml:"name"`
		StageDir string `yaml:"stageDir"`
	} `yaml:"subBuilds"`
	Slices []struct {
		Name       string   `yaml:"name"`
		Bundle     string   `yaml:"bundle"`
		Descriptor string   `yaml:"descriptor"`
		Components []string `yaml:"components"`
		Deps       []string `yaml:"deps"`
		Option     string   `yaml:"option"`
	} `yaml:"slices"`

	dir string
}

// LoadBuildConfig parses a build configuration. Descriptor paths are
// resolved relative to the file.
func LoadBuildConfig(path string) (*BuildConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBuildConfig(data, filepath.Dir(path), path)
}

func ParseBuildConfig(data []byte, dir, source string) (*BuildConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var bc BuildConfig
	if err := dec.Decode(&bc); err != nil {
		return nil, descriptor.Configurationf(source, "invalid build configuration: %v", err)
	}
	bc.dir = dir
	return &bc, nil
}

// OptionGraph declares every option.
func (bc *BuildConfig) OptionGraph() (*options.Graph, error) {
	g := options.NewGraph()
	for _, o := range bc.Options {
		err := g.Declare(options.Option{Name: o.Name, Default: o.Default, Requires: o.Requires})
		if err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Register declares the sub-builds and slices with r.
func (bc *BuildConfig) Register(r *registry.Registry) error {
	for _, sb := range bc.SubBuilds {
		if err := r.DeclareSubBuild(sb.Name, sb.StageDir); err != nil {
			return err
		}
	}
	for _, s := range bc.Slices {
		desc := s.Descriptor
		if desc != "" && !filepath.IsAbs(desc) {
			desc = filepath.Join(bc.dir, desc)
		}
		err := r.DeclareSlice(registry.Slice{
			Name:       s.Name,
			Bundle:     s.Bundle,
			Descriptor: desc,
			Components: s.Components,
			Deps:       s.Deps,
			Option:     s.Option,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
