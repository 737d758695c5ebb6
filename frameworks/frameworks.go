// Package frameworks contains the built-in test framework integrations and
// the hook registering them with a registry.
package frameworks

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
)

// Built-in framework kinds. Each kind is registered under its own name
// unless a configuration says otherwise.
const (
	KindGoTest     = "gotest"
	KindJUnit      = "junit"
	KindTestNG     = "testng"
	KindPytest     = "pytest"
	KindGoogleTest = "googletest"
)

// Kinds returns the built-in framework kinds in sorted order
func Kinds() []string {
	kinds := []string{KindGoTest, KindJUnit, KindTestNG, KindPytest, KindGoogleTest}
	sort.Strings(kinds)
	return kinds
}

// Settings are the per-entry overrides of a plugin configuration
type Settings struct {
	Binary string   // Executable override
	Args   []string // Extra arguments appended before the test selection
	Env    []string // Environment additions as KEY=value
}

func (s Settings) binary(def string) string {
	if s.Binary != "" {
		return s.Binary
	}
	return def
}

// New creates the framework of the given kind
func New(kind string, s Settings) (runner.Framework, error) {
	switch kind {
	case KindGoTest:
		return NewGoTest(s), nil
	case KindJUnit:
		return NewJUnit(s), nil
	case KindTestNG:
		return NewTestNG(s), nil
	case KindPytest:
		return NewPytest(s), nil
	case KindGoogleTest:
		return NewGoogleTest(s), nil
	default:
		return nil, fmt.Errorf("unknown framework kind %q", kind)
	}
}

// DefaultConfig registers every built-in kind under its own name
func DefaultConfig() *registry.FrameworksConfig {
	cfg := &registry.FrameworksConfig{}
	for _, kind := range Kinds() {
		cfg.Frameworks = append(cfg.Frameworks, registry.FrameworkConfig{Name: kind, Kind: kind})
	}
	return cfg
}

// Register builds the enabled frameworks of cfg and registers a runner for
// each of them. A nil cfg registers the defaults. Registering again
// replaces runners of the same name.
func Register(reg *registry.Registry, cfg *registry.FrameworksConfig, opts runner.Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(Kinds()...); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New()
	}

	for _, fc := range cfg.Enabled() {
		fw, err := New(fc.Kind, Settings{
			Binary: fc.Binary,
			Args:   fc.Args,
			Env:    fc.EnvList(),
		})
		if err != nil {
			return fmt.Errorf("framework %s: %w", fc.Name, err)
		}

		o := opts
		o.Name = fc.Name
		if err := reg.Register(fc.Name, runner.New(fw, o)); err != nil {
			return fmt.Errorf("framework %s: %w", fc.Name, err)
		}
		logger.Debug("Registered test framework", "name", fc.Name, "kind", fc.Kind)
	}
	return nil
}

// projectFile resolves path against the project directory
func projectFile(project, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(project, path)
}

// firstLine returns the first non-empty line of s
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// truncate caps s to n bytes, keeping the start
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
