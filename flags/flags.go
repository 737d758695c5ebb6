package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	oprpc "github.com/ethereum-optimism/optimism/op-service/rpc"
)

const EnvVarPrefix = "OP_TESTRUNNER"

var (
	FrameworksConfig = &cli.StringFlag{
		Name:    "frameworks",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FRAMEWORKS"),
		Usage:   "Path to the frameworks config file (eg. 'frameworks.yaml'). Registers every built-in framework if omitted.",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory to store the output and results of test executions",
	}
	SpoolDir = &cli.StringFlag{
		Name:    "spool-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SPOOL_DIR"),
		Usage:   "Directory for the output spools of running executions. Defaults to the system temp dir.",
	}
	TailBytes = &cli.IntFlag{
		Name:    "tail-bytes",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TAIL_BYTES"),
		Usage:   "Bytes of output kept in memory per stream (0 = default of 256KiB)",
	}
	WaitDelay = &cli.DurationFlag{
		Name:    "wait-delay",
		Value:   5 * time.Second,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WAIT_DELAY"),
		Usage:   "How long to wait for output pipes held open by orphaned processes after a test process exited",
	}
	MaxConcurrent = &cli.Int64Flag{
		Name:    "max-concurrent",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAX_CONCURRENT"),
		Usage:   "Maximum number of concurrently running test executions (0 = unlimited)",
	}
	BatchConcurrency = &cli.IntFlag{
		Name:    "batch-concurrency",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BATCH_CONCURRENCY"),
		Usage:   "Number of executions a batch runs in parallel (0 = number of CPUs)",
	}
	ResultCacheSize = &cli.IntFlag{
		Name:    "result-cache-size",
		Value:   256,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RESULT_CACHE_SIZE"),
		Usage:   "Number of finished executions kept for result lookups",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Health check listening address",
	}
	HealthzPort = &cli.IntFlag{
		Name:    "healthz.port",
		Value:   8080,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_PORT"),
		Usage:   "Health check listening port",
	}
)

// Flags of the run command
var (
	Framework = &cli.StringFlag{
		Name:     "framework",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "FRAMEWORK"),
		Usage:    "Name of the test framework to run (eg. 'gotest')",
	}
	ProjectPath = &cli.StringFlag{
		Name:    "project",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PROJECT"),
		Usage:   "Path to the project containing the tests",
	}
	Suite = &cli.StringFlag{
		Name:    "suite",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SUITE"),
		Usage:   "Suite, package or file to run",
	}
	Class = &cli.StringFlag{
		Name:    "class",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CLASS"),
		Usage:   "Test class to run",
	}
	Methods = &cli.StringSliceFlag{
		Name:    "method",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "METHOD"),
		Usage:   "Test method to run. Can be repeated; every method runs as its own execution.",
	}
	Params = &cli.StringSliceFlag{
		Name:    "param",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PARAM"),
		Usage:   "Framework specific parameter as key=value. Can be repeated.",
	}
	ShowCases = &cli.BoolFlag{
		Name:    "show-cases",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SHOW_CASES"),
		Usage:   "List every test case in the results table",
	}
	Color = &cli.BoolFlag{
		Name:    "color",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COLOR"),
		Usage:   "Use colored tables",
	}
)

var requiredRunFlags = []cli.Flag{
	Framework,
}

var optionalFlags = []cli.Flag{
	FrameworksConfig,
	LogDir,
	SpoolDir,
	TailBytes,
	WaitDelay,
	MaxConcurrent,
	BatchConcurrency,
	ResultCacheSize,
	HealthzAddr,
	HealthzPort,
}

var optionalRunFlags = []cli.Flag{
	ProjectPath,
	Suite,
	Class,
	Methods,
	Params,
	ShowCases,
	Color,
}

// Flags are the flags of the service
var Flags []cli.Flag

// RunFlags are the additional flags of the run command
var RunFlags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oprpc.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = optionalFlags
	RunFlags = append(requiredRunFlags, optionalRunFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredRunFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
