package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

var (
	ErrEmptyName = errors.New("framework name cannot be empty")
	ErrNilRunner = errors.New("test runner cannot be nil")
)

// Registry maps test framework names to the runners executing them.
// Names are matched exactly. It is safe for concurrent use; frameworks can
// be (re)registered while executions resolve runners.
type Registry struct {
	config  Config
	runners map[string]runner.TestRunner
	mu      sync.RWMutex
}

// Config contains registry configuration
type Config struct {
	Log log.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Registry{
		config:  cfg,
		runners: make(map[string]runner.TestRunner),
	}
}

// Register adds r under name, replacing any runner registered under the
// same name.
func (r *Registry) Register(name string, tr runner.TestRunner) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if tr == nil {
		return ErrNilRunner
	}

	r.mu.Lock()
	_, replaced := r.runners[name]
	r.runners[name] = tr
	r.mu.Unlock()

	if replaced {
		r.config.Log.Info("Replaced test runner", "framework", name)
	} else {
		r.config.Log.Debug("Registered test runner", "framework", name)
	}
	return nil
}

// RegisterRunner registers tr under its own name
func (r *Registry) RegisterRunner(tr runner.TestRunner) error {
	if tr == nil {
		return ErrNilRunner
	}
	return r.Register(tr.Name(), tr)
}

// Resolve returns the runner registered under name, or a
// *types.ResolutionError.
func (r *Registry) Resolve(name string) (runner.TestRunner, error) {
	r.mu.RLock()
	tr, ok := r.runners[name]
	r.mu.RUnlock()

	if !ok {
		return nil, types.NewResolutionError(name)
	}
	return tr, nil
}

// Unregister removes the runner registered under name
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[name]; !ok {
		return false
	}
	delete(r.runners, name)
	return true
}

// Names returns the registered framework names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered runners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
