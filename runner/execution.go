package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// maxResultStdout caps the stdout snippet attached to failed results
const maxResultStdout = 8 * 1024

// ParseFunc converts drained output into a TestResult
type ParseFunc func(Output) (*types.TestResult, error)

// Execution is a started test process together with the parser of the
// framework that started it. The embedded Handle gives the caller full
// lifecycle control and the output streams.
type Execution struct {
	*process.Handle

	framework string
	context   types.TestExecutionContext
	parse     ParseFunc
	log       log.Logger

	once   sync.Once
	result *types.TestResult
	err    error
}

// NewExecution wraps a started handle. framework is the name reported in
// the result.
func NewExecution(h *process.Handle, framework string, tc types.TestExecutionContext, parse ParseFunc, logger log.Logger) *Execution {
	if logger == nil {
		logger = log.New()
	}
	return &Execution{
		Handle:    h,
		framework: framework,
		context:   tc,
		parse:     parse,
		log:       logger.New("execution", h.ID()),
	}
}

// Framework returns the name of the runner that started the execution
func (e *Execution) Framework() string {
	return e.framework
}

// Context returns the execution context the process was built from
func (e *Execution) Context() types.TestExecutionContext {
	return e.context
}

// Result waits for the process to finish and parses its output. The result
// is computed once; later calls return the same value.
//
// Once the process finished the returned result is never nil:
//   - unparseable output gives a result marked ParseFailed together with a
//     *types.OutputParseError
//   - a terminated process gives a result marked Terminated together with a
//     *types.ProcessTerminatedError
//
// If ctx is done first, Result returns ctx.Err() and can be called again.
func (e *Execution) Result(ctx context.Context) (*types.TestResult, error) {
	select {
	case <-e.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	e.once.Do(e.collect)
	return e.result, e.err
}

func (e *Execution) collect() {
	code, waitErr := e.Wait(context.Background())
	terminated := types.IsProcessTerminatedError(waitErr)
	if waitErr != nil && !terminated {
		e.log.Warn("Error while waiting for test process", "err", waitErr)
	}

	out := Output{
		Context:    e.context,
		ExitCode:   code,
		Terminated: terminated,
		StartedAt:  e.StartedAt(),
		stdout:     e.Stdout(),
		stderr:     e.Stderr(),
	}

	result, parseErr := e.safeParse(out)
	if result == nil && parseErr == nil {
		parseErr = errNoResult
	}

	switch {
	case terminated:
		// Partial output is expected, keep whatever could be parsed
		if result == nil || parseErr != nil {
			result = types.NewResultFromCases(e.framework, nil, code)
		}
		result.Terminated = true
		result.Status = types.TestStatusError
		e.err = waitErr
	case parseErr != nil:
		e.log.Warn("Failed to parse test output", "err", parseErr)
		err := types.NewOutputParseError(e.framework, parseErr)
		result = types.NewParseFailedResult(e.framework, code, err)
		e.err = err
	}

	result.ExecutionID = e.ID()
	result.Framework = e.framework
	result.ExitCode = code
	if result.Duration == 0 {
		result.Duration = e.Duration()
	}
	if !result.Passed() {
		result.Stdout = tailString(e.Stdout().Tail(), maxResultStdout)
	}

	e.result = result
	e.log.Info("Test execution finished", "status", result.Status, "total", result.Stats.Total,
		"failed", result.Stats.Failed, "errors", result.Stats.Errors, "duration", result.Duration)
}

// safeParse runs the framework parser, turning a panic into a parse error
func (e *Execution) safeParse(out Output) (result *types.TestResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Test output parser panicked", "panic", r)
			result, err = nil, fmt.Errorf("parser panicked: %v", r)
		}
	}()
	return e.parse(out)
}

func tailString(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
