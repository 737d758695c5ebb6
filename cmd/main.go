package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	testrunner "github.com/ethereum-optimism/infra/op-testrunner"
	"github.com/ethereum-optimism/infra/op-testrunner/flags"
	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/ctxinterrupt"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "op-testrunner"
	app.Usage = "Test execution service"
	app.Description = "op-testrunner runs the tests of go, junit, testng, pytest and googletest projects and reports structured results"
	app.Flags = cliapp.ProtectFlags(flags.Flags)
	app.Action = cliapp.LifecycleCmd(serve)
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "Run tests once and print the results",
			Flags:  cliapp.ProtectFlags(flags.RunFlags),
			Action: runOnce,
		},
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			// Use the exit code from the ExitCoder
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			// Runtime errors exit with 2, test failures and anything else with 1
			cli.HandleExitCoder(cli.Exit(err.Error(), testrunner.ExitCode(err)))
		}
	}

	// Start telemetry
	ctx, shutdown, err := telemetry.SetupOpenTelemetry(
		context.Background(),
		otelconfig.WithServiceName(app.Name),
		otelconfig.WithServiceVersion(app.Version),
	)
	if err != nil {
		log.Crit("Failed to setup open telemetry", "message", err)
	}
	defer shutdown()

	// Start CLI
	ctx = ctxinterrupt.WithSignalWaiterMain(ctx)
	err = app.RunContext(ctx, os.Args)
	if err != nil {
		log.Crit("Application failed", "message", err)
	}
}

func setupLogger(ctx *cli.Context) log.Logger {
	logCfg := oplog.ReadCLIConfig(ctx)
	logger := oplog.NewLogger(oplog.AppOut(ctx), logCfg)
	oplog.SetGlobalLogHandler(logger.Handler())
	oplog.SetupDefaults()
	return logger
}

func serve(ctx *cli.Context, closeApp context.CancelCauseFunc) (cliapp.Lifecycle, error) {
	logger := setupLogger(ctx)

	cfg, err := testrunner.NewConfig(ctx, logger)
	if err != nil {
		// Wrap in RuntimeError to signal this should exit with code 2
		return nil, testrunner.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	cfg.Log.Debug("Config", "config", cfg)

	server, err := testrunner.New(cfg, Version)
	if err != nil {
		return nil, testrunner.NewRuntimeError(fmt.Errorf("failed to create test runner: %w", err))
	}
	return server, nil
}

func runOnce(ctx *cli.Context) error {
	logger := setupLogger(ctx)

	cfg, err := testrunner.NewConfig(ctx, logger)
	if err != nil {
		return testrunner.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	runCfg, err := testrunner.NewRunConfig(ctx)
	if err != nil {
		return testrunner.NewRuntimeError(fmt.Errorf("failed to create run config: %w", err))
	}
	return testrunner.Run(ctx.Context, cfg, runCfg, ctx.App.Writer)
}
