//go:build !windows

package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

func discardLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func finishedExecution(t *testing.T, script string) *runner.Execution {
	t.Helper()
	h := process.New(process.Spec{Path: "/bin/sh", Args: []string{"-c", script}}, process.WithTempDir(t.TempDir()))
	require.NoError(t, h.Start())
	t.Cleanup(func() { _ = h.Release() })

	parse := func(out runner.Output) (*types.TestResult, error) {
		return types.NewResultFromCases("shell", []types.TestCase{{Name: "TestOut", Status: types.TestStatusFail}}, out.ExitCode), nil
	}
	e := runner.NewExecution(h, "shell", types.TestExecutionContext{ProjectPath: "/p", Framework: "shell"}, parse, discardLogger())
	_, err := e.Result(context.Background())
	require.NoError(t, err)
	return e
}

func TestNewFileLogger(t *testing.T) {
	_, err := NewFileLogger("", discardLogger())
	assert.Error(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "logs")
	l, err := NewFileLogger(dir, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, dir, l.GetBaseDir())
	assert.FileExists(t, filepath.Join(dir, SummaryFilename))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestFileLogger_ConsumeExecution(t *testing.T) {
	l, err := NewFileLogger(t.TempDir(), discardLogger())
	require.NoError(t, err)

	e := finishedExecution(t, "echo out-line; echo err-line >&2; exit 1")
	result, err := e.Result(context.Background())
	require.NoError(t, err)

	require.NoError(t, l.Consume(coordinator.Report{
		Execution: e,
		Framework: "shell",
		Context:   e.Context(),
		Result:    result,
	}))
	require.NoError(t, l.Close())

	dir, err := l.GetDirectoryForExecution(e.ID())
	require.NoError(t, err)
	assert.Equal(t, RunDirectoryPrefix+e.ID(), filepath.Base(dir))

	stdout, err := os.ReadFile(filepath.Join(dir, StdoutFilename))
	require.NoError(t, err)
	assert.Equal(t, "out-line\n", string(stdout))

	stderr, err := os.ReadFile(filepath.Join(dir, StderrFilename))
	require.NoError(t, err)
	assert.Equal(t, "err-line\n", string(stderr))

	data, err := os.ReadFile(filepath.Join(dir, ResultFilename))
	require.NoError(t, err)
	var decoded types.TestResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, e.ID(), decoded.ExecutionID)
	assert.Equal(t, types.TestStatusFail, decoded.Status)
	assert.Equal(t, 1, decoded.ExitCode)

	summary, err := os.ReadFile(filepath.Join(l.GetBaseDir(), SummaryFilename))
	require.NoError(t, err)
	assert.Contains(t, string(summary), e.ID())
	assert.Contains(t, string(summary), "shell: fail")
}

func TestFileLogger_ConsumeBlockingRun(t *testing.T) {
	l, err := NewFileLogger(t.TempDir(), discardLogger())
	require.NoError(t, err)

	result := &types.TestResult{
		ExecutionID: "blocking/run 1",
		Framework:   "junit",
		Status:      types.TestStatusError,
		ParseFailed: true,
		Stdout:      "garbage\n",
	}
	report := coordinator.Report{
		Framework: "junit",
		Context:   types.TestExecutionContext{Scope: types.TestScope{Class: "CalcTest"}},
		Result:    result,
		Err:       types.NewProcessStartError("mvn", os.ErrNotExist),
	}
	require.NoError(t, l.Consume(report))
	require.NoError(t, l.Close())

	dir := filepath.Join(l.GetBaseDir(), RunDirectoryPrefix+"blocking_run_1")
	stdout, err := os.ReadFile(filepath.Join(dir, StdoutFilename))
	require.NoError(t, err)
	assert.Equal(t, "garbage\n", string(stdout))
	assert.NoFileExists(t, filepath.Join(dir, StderrFilename))
	assert.FileExists(t, filepath.Join(dir, ResultFilename))

	summary, err := os.ReadFile(filepath.Join(l.GetBaseDir(), SummaryFilename))
	require.NoError(t, err)
	line := strings.TrimSpace(string(summary))
	assert.Contains(t, line, "CalcTest")
	assert.Contains(t, line, "err=")

	assert.Error(t, l.Consume(report), "closed logger rejects reports")
}

func TestFileLogger_SummaryAppends(t *testing.T) {
	base := t.TempDir()
	for i := 0; i < 2; i++ {
		l, err := NewFileLogger(base, discardLogger())
		require.NoError(t, err)
		require.NoError(t, l.Consume(coordinator.Report{
			Result: &types.TestResult{ExecutionID: "run", Framework: "gotest", Status: types.TestStatusPass},
		}))
		require.NoError(t, l.Close())
	}

	summary, err := os.ReadFile(filepath.Join(base, SummaryFilename))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(summary)), "\n"), 2)
}

func TestAsyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.log")
	af, err := NewAsyncFile(path)
	require.NoError(t, err)

	buf := []byte("first\n")
	require.NoError(t, af.Write(buf))
	copy(buf, "XXXXX\n")
	require.NoError(t, af.Write([]byte("second\n")))
	require.NoError(t, af.Close())
	assert.Error(t, af.Write([]byte("late\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc-123", "abc-123"},
		{"a/b:c", "a_b_c"},
		{"./pkg/...", "._pkg_"},
		{"with space", "with_space"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeFilename(tt.in))
		})
	}
}
