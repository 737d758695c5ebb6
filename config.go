package testrunner

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"

	"github.com/ethereum-optimism/infra/op-testrunner/flags"
	"github.com/ethereum-optimism/infra/op-testrunner/frameworks"
	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/service"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// Config holds the application configuration
type Config struct {
	FrameworksConfig string                     // Path of the plugin config file, empty for the defaults
	Frameworks       *registry.FrameworksConfig // Loaded plugin config; nil registers every built-in framework
	LogDir           string                     // Directory to store execution logs
	SpoolDir         string                     // Directory for output spools of running executions
	TailBytes        int                        // In-memory output tail per stream
	WaitDelay        time.Duration              // Bound on waiting for pipes held by orphaned processes
	MaxConcurrent    int64                      // Cap on running executions (0 = unlimited)
	BatchConcurrency int                        // Parallelism of batch runs (0 = number of CPUs)
	ResultCacheSize  int                        // Finished executions kept for RPC result lookups
	Service          service.Config
	MetricsConfig    opmetrics.CLIConfig
	Log              log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}

	var frameworksCfg *registry.FrameworksConfig
	frameworksPath := ctx.String(flags.FrameworksConfig.Name)
	if frameworksPath != "" {
		abs, err := filepath.Abs(frameworksPath)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for frameworks config '%s': %w", frameworksPath, err)
		}
		frameworksPath = abs
		frameworksCfg, err = registry.LoadConfig(frameworksPath, frameworks.Kinds()...)
		if err != nil {
			return nil, err
		}
	}

	// Get log directory, default to "logs" if not specified
	logDir := ctx.String(flags.LogDir.Name)
	if logDir == "" {
		logDir = "logs"
	}
	logDir, err := filepath.Abs(logDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for log directory '%s': %w", logDir, err)
	}

	maxConcurrent := ctx.Int64(flags.MaxConcurrent.Name)
	if maxConcurrent < 0 {
		return nil, fmt.Errorf("max concurrent executions must not be negative, got %d", maxConcurrent)
	}

	rpcCfg := oprpc.ReadCLIConfig(ctx)
	if err := rpcCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid rpc config: %w", err)
	}
	metricsCfg := opmetrics.ReadCLIConfig(ctx)
	if err := metricsCfg.Check(); err != nil {
		return nil, fmt.Errorf("invalid metrics config: %w", err)
	}

	return &Config{
		FrameworksConfig: frameworksPath,
		Frameworks:       frameworksCfg,
		LogDir:           logDir,
		SpoolDir:         ctx.String(flags.SpoolDir.Name),
		TailBytes:        ctx.Int(flags.TailBytes.Name),
		WaitDelay:        ctx.Duration(flags.WaitDelay.Name),
		MaxConcurrent:    maxConcurrent,
		BatchConcurrency: ctx.Int(flags.BatchConcurrency.Name),
		ResultCacheSize:  ctx.Int(flags.ResultCacheSize.Name),
		Service: service.Config{
			HealthzHost: ctx.String(flags.HealthzAddr.Name),
			HealthzPort: ctx.Int(flags.HealthzPort.Name),
			RPCHost:     rpcCfg.ListenAddr,
			RPCPort:     rpcCfg.ListenPort,
		},
		MetricsConfig: metricsCfg,
		Log:           log,
	}, nil
}

// RunnerOptions returns the options shared by every registered runner
func (c *Config) RunnerOptions() runner.Options {
	return runner.Options{
		TempDir:   c.SpoolDir,
		TailBytes: c.TailBytes,
		WaitDelay: c.WaitDelay,
		Logger:    c.Log,
	}
}

// RunConfig describes a one-shot run
type RunConfig struct {
	Contexts  []types.TestExecutionContext
	ShowCases bool
	Color     bool
}

// NewRunConfig creates the contexts of a one-shot run from cli context. Each
// --method becomes its own execution.
func NewRunConfig(ctx *cli.Context) (*RunConfig, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	project := ctx.String(flags.ProjectPath.Name)
	absProject, err := filepath.Abs(project)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for project '%s': %w", project, err)
	}
	params, err := parseParams(ctx.StringSlice(flags.Params.Name))
	if err != nil {
		return nil, err
	}

	base := types.TestExecutionContext{
		ProjectPath: absProject,
		Framework:   ctx.String(flags.Framework.Name),
		Scope: types.TestScope{
			Suite: ctx.String(flags.Suite.Name),
			Class: ctx.String(flags.Class.Name),
		},
		Parameters: params,
	}

	var contexts []types.TestExecutionContext
	methods := ctx.StringSlice(flags.Methods.Name)
	if len(methods) == 0 {
		contexts = append(contexts, base)
	}
	for _, method := range methods {
		tc := base.Clone()
		tc.Scope.Method = method
		contexts = append(contexts, tc)
	}
	for _, tc := range contexts {
		if err := tc.Validate(); err != nil {
			return nil, err
		}
	}

	return &RunConfig{
		Contexts:  contexts,
		ShowCases: ctx.Bool(flags.ShowCases.Name),
		Color:     ctx.Bool(flags.Color.Name),
	}, nil
}

// parseParams parses key=value pairs
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", pair)
		}
		params[key] = value
	}
	return params, nil
}
