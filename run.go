package testrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/reporting"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// Run executes the contexts of runCfg once and prints a results table per
// execution to w. It returns a *RuntimeError when an execution could not
// run to a parseable result, a *TestFailureError when tests failed, and nil
// otherwise.
func Run(ctx context.Context, config *Config, runCfg *RunConfig, w io.Writer) error {
	if config == nil || runCfg == nil {
		return NewRuntimeError(errors.New("config is required"))
	}
	c, err := newCore(config)
	if err != nil {
		return NewRuntimeError(err)
	}

	config.Log.Info("Running tests", "executions", len(runCfg.Contexts))
	results := c.coordinator.RunBatch(ctx, runCfg.Contexts)
	if err := c.close(); err != nil {
		config.Log.Warn("Failed to flush execution logs", "err", err)
	}
	stats := summarize(results)
	config.Log.Info("Test run completed",
		"total", stats.Total, "passed", stats.Passed, "failed", stats.Failed,
		"errors", stats.Errors, "skipped", stats.Skipped, "logdir", config.LogDir)

	return report(w, results, reporting.TableOptions{ShowCases: runCfg.ShowCases, Color: runCfg.Color})
}

// report prints the results and derives the outcome of the run
func report(w io.Writer, results []coordinator.BatchResult, opts reporting.TableOptions) error {
	var (
		runtimeErrs []error
		failed      []string
	)
	for _, r := range results {
		scope := fmt.Sprintf("%s %s", r.Context.Framework, r.Context.Scope.String())
		if r.Result == nil {
			runtimeErrs = append(runtimeErrs, fmt.Errorf("%s: %w", scope, errOr(r.Err, "no result")))
			continue
		}

		reporting.WriteTable(w, r.Result, opts)
		fmt.Fprintln(w, r.Result.String())

		switch {
		case r.Result.ParseFailed || r.Result.Terminated:
			runtimeErrs = append(runtimeErrs, fmt.Errorf("%s: %w", scope, errOr(r.Err, string(r.Result.Status))))
		case !r.Result.Passed():
			failed = append(failed, scope)
		}
	}

	if len(runtimeErrs) > 0 {
		return NewRuntimeError(errors.Join(runtimeErrs...))
	}
	if len(failed) > 0 {
		return NewTestFailureError(strings.Join(failed, ", "))
	}
	return nil
}

func errOr(err error, fallback string) error {
	if err != nil {
		return err
	}
	return errors.New(fallback)
}

// summarize counts the outcomes of a batch
func summarize(results []coordinator.BatchResult) types.ResultStats {
	var stats types.ResultStats
	for _, r := range results {
		if r.Result == nil {
			stats.Errors++
			continue
		}
		stats.Total += r.Result.Stats.Total
		stats.Passed += r.Result.Stats.Passed
		stats.Failed += r.Result.Stats.Failed
		stats.Errors += r.Result.Stats.Errors
		stats.Skipped += r.Result.Stats.Skipped
	}
	return stats
}
