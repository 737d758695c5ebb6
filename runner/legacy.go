package runner

import (
	"context"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// WithLegacy gives a runner that only implements the non-blocking form the
// deprecated blocking form. Runners that already are TestRunners are
// returned unchanged.
func WithLegacy(r ContextRunner) TestRunner {
	if tr, ok := r.(TestRunner); ok {
		return tr
	}
	return legacyRunner{r}
}

type legacyRunner struct {
	ContextRunner
}

func (l legacyRunner) ExecuteParameters(ctx context.Context, params map[string]string) (*types.TestResult, error) {
	return executeBlocking(ctx, l.ContextRunner, params)
}

// Discover forwards to the wrapped runner
func (l legacyRunner) Discover(tc types.TestExecutionContext) ([]string, error) {
	return Discover(l.ContextRunner, tc)
}

// executeBlocking is the start, wait, parse sequence behind
// ExecuteParameters. A parse failure returns the degraded result together
// with the error.
func executeBlocking(ctx context.Context, r ContextRunner, params map[string]string) (*types.TestResult, error) {
	tc := types.ContextFromParameters(params)
	if tc.Framework == "" {
		tc.Framework = r.Name()
	}

	execution, err := r.Execute(ctx, tc)
	if err != nil {
		return nil, types.NewExecutionError(tc.Framework, err)
	}
	defer func() { _ = execution.Release() }()

	result, err := execution.Result(ctx)
	if err != nil {
		return result, types.NewExecutionError(tc.Framework, err)
	}
	return result, nil
}
