//go:build !windows

package runner

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// shellFramework runs a shell script and understands "PASS name" and
// "FAIL name" lines; anything else is a grammar violation.
type shellFramework struct {
	path   string
	script string
}

func (f *shellFramework) Name() string { return "shell" }

func (f *shellFramework) Command(tc types.TestExecutionContext) (process.Spec, error) {
	if tc.Param("broken", "") != "" {
		return process.Spec{}, fmt.Errorf("unsupported parameter")
	}
	path := f.path
	if path == "" {
		path = "/bin/sh"
	}
	return process.Spec{
		Path: path,
		Args: []string{"-c", f.script},
		Env:  []string{"SCOPE=" + tc.Scope.String()},
	}, nil
}

func (f *shellFramework) Parse(out Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var cases []types.TestCase
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "PASS "):
			cases = append(cases, types.TestCase{Name: strings.TrimPrefix(line, "PASS "), Status: types.TestStatusPass})
		case strings.HasPrefix(line, "FAIL "):
			cases = append(cases, types.TestCase{Name: strings.TrimPrefix(line, "FAIL "), Status: types.TestStatusFail, Message: "boom"})
		default:
			return nil, fmt.Errorf("unexpected line %q", line)
		}
	}
	return types.NewResultFromCases(f.Name(), cases, out.ExitCode), scanner.Err()
}

func newShellRunner(t *testing.T, script string) TestRunner {
	t.Helper()
	return New(&shellFramework{script: script}, Options{
		TempDir:   t.TempDir(),
		WaitDelay: time.Second,
		Logger:    log.NewLogger(log.DiscardHandler()),
	})
}

func shellContext(t *testing.T) types.TestExecutionContext {
	return types.TestExecutionContext{
		ProjectPath: t.TempDir(),
		Framework:   "shell",
		Scope:       types.TestScope{Class: "CalcTest"},
	}
}

func TestExecute_ParsesResult(t *testing.T) {
	r := newShellRunner(t, "echo 'PASS testAdd'; echo 'FAIL testSub'; exit 1")
	assert.Equal(t, "shell", r.Name())

	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	require.NotNil(t, execution)
	defer execution.Release()

	assert.Equal(t, "shell", execution.Framework())
	assert.Equal(t, "CalcTest", execution.Context().Scope.Class)

	result, err := execution.Result(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, 2, result.Stats.Total)
	assert.Equal(t, 1, result.Stats.Passed)
	assert.Equal(t, 1, result.Stats.Failed)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, execution.ID(), result.ExecutionID)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "testSub", result.Failures[0].Name)
	assert.Contains(t, result.Stdout, "FAIL testSub")
	assert.Greater(t, result.Duration, time.Duration(0))

	// Cached
	again, err := execution.Result(context.Background())
	require.NoError(t, err)
	assert.Same(t, result, again)
}

func TestExecute_PassingRunHasNoStdoutSnippet(t *testing.T) {
	r := newShellRunner(t, "echo 'PASS testAdd'")
	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	defer execution.Release()

	result, err := execution.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Empty(t, result.Stdout)
}

func TestExecute_EnvironmentAndDir(t *testing.T) {
	r := New(&shellFramework{script: `echo "PASS $SCOPE-$EXTRA-$(basename $(pwd))"`}, Options{
		Name:    "custom",
		Env:     []string{"EXTRA=x"},
		TempDir: t.TempDir(),
		Logger:  log.NewLogger(log.DiscardHandler()),
	})
	assert.Equal(t, "custom", r.Name())

	tc := shellContext(t)
	execution, err := r.Execute(context.Background(), tc)
	require.NoError(t, err)
	defer execution.Release()

	result, err := execution.Result(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Cases, 1)
	parts := strings.Split(tc.ProjectPath, "/")
	assert.Equal(t, "CalcTest-x-"+parts[len(parts)-1], result.Cases[0].Name)
	assert.Equal(t, "custom", result.Framework)
}

func TestExecute_InvalidContext(t *testing.T) {
	r := newShellRunner(t, "exit 0")

	tests := []struct {
		name string
		tc   types.TestExecutionContext
	}{
		{name: "missing project path", tc: types.TestExecutionContext{Framework: "shell"}},
		{name: "method without class", tc: types.TestExecutionContext{Framework: "shell", ProjectPath: t.TempDir(), Scope: types.TestScope{Method: "m"}}},
		{name: "command rejected", tc: types.TestExecutionContext{Framework: "shell", ProjectPath: t.TempDir(), Parameters: map[string]string{"broken": "1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execution, err := r.Execute(context.Background(), tt.tc)
			assert.Nil(t, execution)
			assert.True(t, types.IsInvalidContextError(err), "got %v", err)
		})
	}
}

func TestExecute_StartError(t *testing.T) {
	r := New(&shellFramework{path: "/nonexistent/runner-binary"}, Options{
		TempDir: t.TempDir(),
		Logger:  log.NewLogger(log.DiscardHandler()),
	})

	execution, err := r.Execute(context.Background(), shellContext(t))
	assert.Nil(t, execution)
	assert.True(t, types.IsProcessStartError(err))
}

func TestExecute_CancelledContext(t *testing.T) {
	r := newShellRunner(t, "exit 0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	execution, err := r.Execute(ctx, shellContext(t))
	assert.Nil(t, execution)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_MalformedOutput(t *testing.T) {
	r := newShellRunner(t, "echo 'this is not the expected grammar'")
	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	defer execution.Release()

	result, err := execution.Result(context.Background())
	require.NotNil(t, result)
	assert.True(t, types.IsOutputParseError(err))
	assert.True(t, result.ParseFailed)
	assert.Equal(t, types.TestStatusError, result.Status)
	assert.Contains(t, result.ParseError, "unexpected line")
	assert.Contains(t, result.Stdout, "not the expected grammar")
}

// panickingFramework fails inside Parse the way a buggy plugin would
type panickingFramework struct {
	shellFramework
}

func (f *panickingFramework) Parse(out Output) (*types.TestResult, error) {
	var cases []types.TestCase
	_ = cases[out.ExitCode+3]
	return nil, nil
}

func TestExecute_ParserPanic(t *testing.T) {
	r := New(&panickingFramework{shellFramework{script: "echo 'PASS testAdd'"}}, Options{
		TempDir: t.TempDir(),
		Logger:  log.NewLogger(log.DiscardHandler()),
	})
	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	defer execution.Release()

	result, err := execution.Result(context.Background())
	require.NotNil(t, result)
	assert.True(t, types.IsOutputParseError(err))
	assert.Contains(t, err.Error(), "parser panicked")
	assert.True(t, result.ParseFailed)
	assert.Equal(t, types.TestStatusError, result.Status)
	assert.Equal(t, execution.ID(), result.ExecutionID)

	again, againErr := execution.Result(context.Background())
	assert.Same(t, result, again)
	assert.Equal(t, err, againErr)
}

func TestExecute_Terminated(t *testing.T) {
	r := newShellRunner(t, "echo 'PASS first'; sleep 30")
	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	defer execution.Release()

	require.Eventually(t, func() bool {
		return execution.Stdout().Size() > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, execution.Terminate())
	assert.Equal(t, process.StateKilled, execution.State())

	result, err := execution.Result(context.Background())
	require.NotNil(t, result)
	assert.True(t, types.IsProcessTerminatedError(err))
	assert.True(t, result.Terminated)
	assert.Equal(t, types.TestStatusError, result.Status)
	assert.Equal(t, 1, result.Stats.Passed)
}

func TestResult_ContextDone(t *testing.T) {
	r := newShellRunner(t, "sleep 30")
	execution, err := r.Execute(context.Background(), shellContext(t))
	require.NoError(t, err)
	defer execution.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := execution.Result(ctx)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Retrying after termination gives the final result
	require.NoError(t, execution.Terminate())
	result, err = execution.Result(context.Background())
	require.NotNil(t, result)
	assert.True(t, result.Terminated)
	assert.True(t, types.IsProcessTerminatedError(err))
}

func TestExecuteParameters_MatchesExecute(t *testing.T) {
	script := "echo 'PASS a'; echo 'PASS b'; echo 'FAIL c'; exit 1"
	r := newShellRunner(t, script)
	tc := shellContext(t)

	execution, err := r.Execute(context.Background(), tc)
	require.NoError(t, err)
	defer execution.Release()
	viaContext, err := execution.Result(context.Background())
	require.NoError(t, err)

	viaMap, err := r.ExecuteParameters(context.Background(), tc.ToParameters())
	require.NoError(t, err)

	assert.Equal(t, viaContext.Status, viaMap.Status)
	assert.Equal(t, viaContext.Stats, viaMap.Stats)
	assert.Equal(t, viaContext.Failures, viaMap.Failures)
	assert.Equal(t, viaContext.ExitCode, viaMap.ExitCode)
}

func TestExecuteParameters_FrameworkDefaultsToRunner(t *testing.T) {
	r := newShellRunner(t, "echo 'PASS a'")
	result, err := r.ExecuteParameters(context.Background(), map[string]string{
		types.ParamProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusPass, result.Status)
	assert.Equal(t, "shell", result.Framework)
}

func TestExecuteParameters_Errors(t *testing.T) {
	t.Run("start error", func(t *testing.T) {
		r := New(&shellFramework{path: "/nonexistent/runner-binary"}, Options{
			TempDir: t.TempDir(),
			Logger:  log.NewLogger(log.DiscardHandler()),
		})
		result, err := r.ExecuteParameters(context.Background(), map[string]string{
			types.ParamFramework:   "shell",
			types.ParamProjectPath: t.TempDir(),
		})
		assert.Nil(t, result)
		assert.True(t, types.IsExecutionError(err))
		assert.True(t, types.IsProcessStartError(err))
	})

	t.Run("invalid context", func(t *testing.T) {
		r := newShellRunner(t, "exit 0")
		result, err := r.ExecuteParameters(context.Background(), map[string]string{})
		assert.Nil(t, result)
		assert.True(t, types.IsExecutionError(err))
		assert.True(t, types.IsInvalidContextError(err))
	})

	t.Run("parse failure returns degraded result", func(t *testing.T) {
		r := newShellRunner(t, "echo garbage")
		result, err := r.ExecuteParameters(context.Background(), map[string]string{
			types.ParamProjectPath: t.TempDir(),
		})
		require.NotNil(t, result)
		assert.True(t, result.ParseFailed)
		assert.True(t, types.IsExecutionError(err))
		assert.True(t, types.IsOutputParseError(err))
	})
}

// contextOnlyRunner implements only the non-blocking form
type contextOnlyRunner struct {
	inner TestRunner
}

func (c contextOnlyRunner) Name() string { return "context-only" }

func (c contextOnlyRunner) Execute(ctx context.Context, tc types.TestExecutionContext) (*Execution, error) {
	return c.inner.Execute(ctx, tc)
}

func TestWithLegacy(t *testing.T) {
	inner := newShellRunner(t, "echo 'PASS a'; echo 'FAIL b'; exit 1")

	legacy := WithLegacy(contextOnlyRunner{inner: inner})
	assert.Equal(t, "context-only", legacy.Name())

	result, err := legacy.ExecuteParameters(context.Background(), map[string]string{
		types.ParamProjectPath: t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.TestStatusFail, result.Status)
	assert.Equal(t, 2, result.Stats.Total)

	// Full runners pass through unchanged
	assert.Same(t, inner.(*processRunner), WithLegacy(inner).(*processRunner))
}

func TestDiscover_Unsupported(t *testing.T) {
	r := newShellRunner(t, "exit 0")
	_, err := Discover(r, shellContext(t))
	assert.ErrorIs(t, err, ErrDiscoveryUnsupported)

	_, err = Discover(WithLegacy(contextOnlyRunner{inner: r}), shellContext(t))
	assert.ErrorIs(t, err, ErrDiscoveryUnsupported)
}

func TestNewOutput(t *testing.T) {
	out := NewOutput(types.TestExecutionContext{ProjectPath: "/p"}, 2, []byte("out"), []byte("err"))
	assert.Equal(t, 2, out.ExitCode)

	data, err := out.ReadStdout()
	require.NoError(t, err)
	assert.Equal(t, "out", string(data))
	assert.Equal(t, "err", string(out.StderrTail()))

	var empty Output
	data, err = empty.ReadStdout()
	require.NoError(t, err)
	assert.Empty(t, data)
}
