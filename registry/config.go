package registry

import (
	"fmt"
	"os"
	"slices"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"
)

// FrameworkConfig declares one runner to register
type FrameworkConfig struct {
	Name     string            `yaml:"name"`               // Registry key
	Kind     string            `yaml:"kind"`               // Built-in variant implementing it
	Binary   string            `yaml:"binary,omitempty"`   // Executable override
	Env      map[string]string `yaml:"env,omitempty"`      // Environment additions
	Args     []string          `yaml:"args,omitempty"`     // Extra arguments
	Disabled bool              `yaml:"disabled,omitempty"` // Skip registration
}

// EnvList returns Env as sorted KEY=value pairs
func (c FrameworkConfig) EnvList() []string {
	env := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// FrameworksConfig is the plugin configuration file
type FrameworksConfig struct {
	Frameworks []FrameworkConfig `yaml:"frameworks"`
}

// Enabled returns the entries that are not disabled
func (c *FrameworksConfig) Enabled() []FrameworkConfig {
	var enabled []FrameworkConfig
	for _, fc := range c.Frameworks {
		if !fc.Disabled {
			enabled = append(enabled, fc)
		}
	}
	return enabled
}

// Validate checks that every entry has a unique name and a kind. When
// knownKinds is given, kinds must be one of them.
func (c *FrameworksConfig) Validate(knownKinds ...string) error {
	seen := make(map[string]bool, len(c.Frameworks))
	for i, fc := range c.Frameworks {
		if fc.Name == "" {
			return fmt.Errorf("framework %d: name is required", i)
		}
		if seen[fc.Name] {
			return fmt.Errorf("framework %s: duplicate name", fc.Name)
		}
		seen[fc.Name] = true

		if fc.Kind == "" {
			return fmt.Errorf("framework %s: kind is required", fc.Name)
		}
		if len(knownKinds) > 0 && !slices.Contains(knownKinds, fc.Kind) {
			return fmt.Errorf("framework %s: unknown kind %q", fc.Name, fc.Kind)
		}
	}
	return nil
}

// LoadConfig reads and validates a plugin configuration file
func LoadConfig(path string, knownKinds ...string) (*FrameworksConfig, error) {
	log.Debug("Reading frameworks config file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FrameworksConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(knownKinds...); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &cfg, nil
}
