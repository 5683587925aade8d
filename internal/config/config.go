package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/descriptor"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity" validate:"omitempty,oneof=debug info warn error"`
		Format    string `yaml:"format" validate:"omitempty,oneof=console json"`
	} `yaml:"logger"`
	Archive struct {
		Type       string `yaml:"type" validate:"oneof=xz zst"`
		Level      int    `yaml:"level" validate:"gte=0,lte=22"`
		AlwaysCopy bool   `yaml:"alwaysCopy"`
		Jobs       int    `yaml:"jobs" validate:"gte=0"`
	} `yaml:"archive"`
	Storage struct {
		StagingDir   string `yaml:"stagingDir"`
		BaseURL      string `yaml:"baseURL" validate:"omitempty,url"`
		RunID        string `yaml:"runID"`
		Platform     string `yaml:"platform" validate:"omitempty,oneof=linux windows darwin"`
		Repository   string `yaml:"repository" validate:"omitempty,contains=/"`
		IsPRFromFork bool   `yaml:"isPRFromFork"`
		ReleaseType  string `yaml:"releaseType"`
	} `yaml:"storage"`
	GitHub struct {
		Token             string        `yaml:"token"`
		APIURL            string        `yaml:"apiURL" validate:"omitempty,url"`
		RequestsPerSecond float64       `yaml:"requestsPerSecond" validate:"gte=0"`
		MaxRateLimitWait  time.Duration `yaml:"maxRateLimitWait" validate:"gte=0"`
	} `yaml:"github"`
	Bisect struct {
		CacheDir      string        `yaml:"cacheDir"`
		Workflow      string        `yaml:"workflow"`
		ArtifactGroup string        `yaml:"artifactGroup"`
		RunWindow     time.Duration `yaml:"runWindow" validate:"gte=0"`
		TestTimeout   time.Duration `yaml:"testTimeout" validate:"gte=0"`
		MappingStore  struct {
			Kind string `yaml:"kind" validate:"oneof=memory badger"`
			Path string `yaml:"path" validate:"required_if=Kind badger"`
		} `yaml:"mappingStore"`
		Fetch struct {
			Attempts       int           `yaml:"attempts" validate:"gte=1,lte=10"`
			InitialBackoff time.Duration `yaml:"initialBackoff" validate:"gte=0"`
			MaxBackoff     time.Duration `yaml:"maxBackoff" validate:"gte=0"`
			Jobs           int           `yaml:"jobs" validate:"gte=0"`
		} `yaml:"fetch"`
	} `yaml:"bisect"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Format = "console"
	c.Archive.Type = "xz"
	c.Archive.Level = 6
	c.Bisect.Workflow = "ci.yml"
	c.Bisect.RunWindow = 72 * time.Hour
	c.Bisect.MappingStore.Kind = "memory"
	c.Bisect.Fetch.Attempts = 3
	c.Bisect.Fetch.InitialBackoff = time.Second
	c.Bisect.Fetch.MaxBackoff = 30 * time.Second
	c.Bisect.Fetch.Jobs = 4
	c.GitHub.MaxRateLimitWait = 15 * time.Minute
	if dir, err := os.UserCacheDir(); err == nil {
		c.Bisect.CacheDir = dir + string(os.PathSeparator) + "therock-bisect"
	}
	return &c
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path, or a missing default file, yields defaults.
func LoadConfig(path string) (*Config, error) {
	config := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, descriptor.Configurationf(path, "invalid YAML: %v", err)
		}
	}
	config.applyEnv(os.LookupEnv)
	if err := config.Validate(); err != nil {
		source := path
		if source == "" {
			source = "environment"
		}
		return nil, descriptor.Configurationf(source, "%v", err)
	}
	return config, nil
}

// LoadConfigIfExists is LoadConfig that treats a missing file as empty.
func LoadConfigIfExists(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return LoadConfig(path)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.GitHub.Token, "GITHUB_TOKEN")
	set(&c.Storage.StagingDir, "THEROCK_LOCAL_STAGING_DIR")
	set(&c.Storage.RunID, "THEROCK_RUN_ID", "GITHUB_RUN_ID")
	set(&c.Storage.Platform, "THEROCK_PLATFORM")
	set(&c.Storage.Repository, "GITHUB_REPOSITORY")
	set(&c.Storage.ReleaseType, "RELEASE_TYPE")
	if v, ok := lookup("IS_PR_FROM_FORK"); ok {
		c.Storage.IsPRFromFork = parseBool(v)
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if t, err := archive.ParseType(c.Archive.Type); err == nil && c.Archive.Level > t.MaxLevel() {
		return fmt.Errorf("archive.level %d is out of range for %s (0..%d)", c.Archive.Level, t, t.MaxLevel())
	}
	return nil
}
