package runner

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

var (
	// ErrDiscoveryUnsupported is returned by Discover for frameworks that
	// cannot list their tests without running them.
	ErrDiscoveryUnsupported = errors.New("test discovery not supported")

	errNoResult = errors.New("parser returned no result")
)

// ContextRunner is the non-blocking half of TestRunner
type ContextRunner interface {
	// Name is the framework name the runner is registered under
	Name() string
	// Execute starts the tests described by tc and returns without waiting.
	// Invalid contexts and spawn failures are returned as typed errors
	// (*types.InvalidContextError, *types.ProcessStartError).
	Execute(ctx context.Context, tc types.TestExecutionContext) (*Execution, error)
}

// TestRunner runs the tests of one test framework
type TestRunner interface {
	ContextRunner

	// ExecuteParameters runs the tests described by a flat parameter map
	// and blocks until they finished. Every failure is reported as a
	// *types.ExecutionError.
	//
	// Deprecated: use Execute, which exposes live output and termination.
	ExecuteParameters(ctx context.Context, params map[string]string) (*types.TestResult, error)
}

// Framework is the framework-specific part of a process-backed runner
type Framework interface {
	Name() string
	// Command builds the process to spawn. Spec.Env holds additions to the
	// inherited environment; an empty Spec.Dir runs in the project path.
	Command(tc types.TestExecutionContext) (process.Spec, error)
	// Parse converts the drained output into a result. An error means the
	// output did not follow the framework's grammar.
	Parse(out Output) (*types.TestResult, error)
}

// Discoverer is implemented by frameworks that can list tests statically
type Discoverer interface {
	Discover(tc types.TestExecutionContext) ([]string, error)
}

// Options configures a runner created by New
type Options struct {
	Name      string   // Registry name; defaults to the framework's name
	Env       []string // Environment additions for every execution
	TempDir   string   // Directory for output spools; empty uses os.TempDir
	TailBytes int      // In-memory tail kept per stream
	WaitDelay time.Duration
	Logger    log.Logger
}

type processRunner struct {
	fw   Framework
	opts Options
	log  log.Logger
}

// New creates a runner spawning the processes built by fw
func New(fw Framework, opts Options) TestRunner {
	if opts.Name == "" {
		opts.Name = fw.Name()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New()
	}
	return &processRunner{
		fw:   fw,
		opts: opts,
		log:  logger.New("framework", opts.Name),
	}
}

func (r *processRunner) Name() string {
	return r.opts.Name
}

func (r *processRunner) Execute(ctx context.Context, tc types.TestExecutionContext) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tc.Framework == "" {
		tc.Framework = r.Name()
	}
	if err := tc.Validate(); err != nil {
		r.log.Warn("Rejected test execution", "err", err)
		return nil, err
	}

	spec, err := r.fw.Command(tc)
	if err != nil {
		r.log.Warn("Failed to build test command", "scope", tc.Scope.String(), "err", err)
		if !types.IsInvalidContextError(err) {
			err = types.NewInvalidContextError(err.Error())
		}
		return nil, err
	}
	if spec.Dir == "" {
		spec.Dir = tc.ProjectPath
	}
	spec.Env = r.environment(spec.Env)

	opts := []process.Option{
		process.WithLogger(r.log),
		process.WithTempDir(r.opts.TempDir),
		process.WithTailBytes(r.opts.TailBytes),
	}
	if r.opts.WaitDelay > 0 {
		opts = append(opts, process.WithWaitDelay(r.opts.WaitDelay))
	}
	h := process.New(spec, opts...)
	if err := h.Start(); err != nil {
		r.log.Error("Failed to start test process", "command", spec.String(), "err", err)
		return nil, err
	}

	r.log.Info("Started test execution", "execution", h.ID(), "scope", tc.Scope.String(), "command", spec.String())
	return NewExecution(h, r.Name(), tc, r.fw.Parse, r.log), nil
}

func (r *processRunner) ExecuteParameters(ctx context.Context, params map[string]string) (*types.TestResult, error) {
	return executeBlocking(ctx, r, params)
}

// Discover lists the tests of tc when the framework supports it
func (r *processRunner) Discover(tc types.TestExecutionContext) ([]string, error) {
	d, ok := r.fw.(Discoverer)
	if !ok {
		return nil, ErrDiscoveryUnsupported
	}
	return d.Discover(tc)
}

// environment layers the runner and framework additions over ours
func (r *processRunner) environment(extra []string) []string {
	env := os.Environ()
	env = append(env, r.opts.Env...)
	return append(env, extra...)
}

// Discover lists the tests of tc if r supports discovery
func Discover(r ContextRunner, tc types.TestExecutionContext) ([]string, error) {
	d, ok := r.(Discoverer)
	if !ok {
		return nil, ErrDiscoveryUnsupported
	}
	return d.Discover(tc)
}
