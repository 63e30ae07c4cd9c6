package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/unitkernel/pkg/stores"
	"github.com/openfroyo/unitkernel/pkg/telemetry"
)

// DefaultFileName is the host configuration file looked up in the working
// directory when no path is given.
const DefaultFileName = "unitkernel.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "UNITKERNEL_"

// Config is the host configuration for a kernel run.
type Config struct {
	// Units are started, in order, by the run command.
	Units []string `yaml:"units" env:"UNITS" envSeparator:"," validate:"dive,required"`

	// SearchPaths are scanned for unit manifests. Earlier paths win.
	SearchPaths []string `yaml:"search_paths" env:"SEARCH_PATHS" envSeparator:"," validate:"dive,required"`

	// PolicyPaths are loaded into the admission policy engine.
	PolicyPaths []string `yaml:"policy_paths" env:"POLICY_PATHS" envSeparator:"," validate:"dive,required"`

	// WatchPolicies reloads policies when files under PolicyPaths change.
	WatchPolicies bool `yaml:"watch_policies" env:"WATCH_POLICIES"`

	// DisableBuiltinPolicies skips the built-in advisory policies.
	DisableBuiltinPolicies bool `yaml:"disable_builtin_policies"`

	// Timeout bounds start and stop. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`

	// Storage configures the sqlstore unit.
	Storage stores.Config `yaml:"storage" envPrefix:"STORAGE_"`

	// Host values are published by the host unit.
	Host map[string]any `yaml:"host"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		SearchPaths: []string{"units"},
		Timeout:     30 * time.Second,
		Storage:     stores.Config{Path: stores.MemoryPath},
		Telemetry:   telemetry.DefaultConfig(),
	}
}

// Load reads the configuration at path over the defaults, applies
// environment overrides and validates the result. An empty path loads
// DefaultFileName if it exists, and the defaults otherwise.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultFileName); err == nil {
			path = DefaultFileName
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cfg.resolvePaths(filepath.Dir(path))
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults and validates the result without
// consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	return nil
}

// resolvePaths makes relative paths relative to the config file directory.
func (c *Config) resolvePaths(dir string) {
	abs := func(paths []string) {
		for i, p := range paths {
			if !filepath.IsAbs(p) {
				paths[i] = filepath.Join(dir, p)
			}
		}
	}
	abs(c.SearchPaths)
	abs(c.PolicyPaths)
	if c.Storage.Path != "" && c.Storage.Path != stores.MemoryPath && !filepath.IsAbs(c.Storage.Path) {
		c.Storage.Path = filepath.Join(dir, c.Storage.Path)
	}
}

// ApplyEnv overrides fields from UNITKERNEL_* variables. Lists are comma
// separated and variables that are unset or empty leave fields untouched.
// A nil environ reads the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	if err := env.ParseWithOptions(c, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks field constraints and the telemetry block.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	return nil
}
