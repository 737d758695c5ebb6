package types

import (
	"errors"
	"fmt"
)

// ResolutionError is returned when no runner is registered under a
// framework name.
type ResolutionError struct {
	Framework string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("no test runner registered for framework %q", e.Framework)
}

// NewResolutionError creates a new ResolutionError
func NewResolutionError(framework string) *ResolutionError {
	return &ResolutionError{Framework: framework}
}

// IsResolutionError checks if the error is or wraps a ResolutionError
func IsResolutionError(err error) bool {
	var resErr *ResolutionError
	return err != nil && errors.As(err, &resErr)
}

// ProcessStartError is returned when a test process could not be spawned:
// the executable is missing, not executable, or the OS refused to start it.
type ProcessStartError struct {
	Path string
	Err  error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Path, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ProcessStartError) Unwrap() error {
	return e.Err
}

// NewProcessStartError creates a new ProcessStartError
func NewProcessStartError(path string, err error) *ProcessStartError {
	return &ProcessStartError{Path: path, Err: err}
}

// IsProcessStartError checks if the error is or wraps a ProcessStartError
func IsProcessStartError(err error) bool {
	var startErr *ProcessStartError
	return err != nil && errors.As(err, &startErr)
}

// OutputParseError is returned when framework output did not match the
// grammar the runner expects.
type OutputParseError struct {
	Framework string
	Err       error
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("failed to parse %s output: %v", e.Framework, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *OutputParseError) Unwrap() error {
	return e.Err
}

// NewOutputParseError creates a new OutputParseError
func NewOutputParseError(framework string, err error) *OutputParseError {
	return &OutputParseError{Framework: framework, Err: err}
}

// IsOutputParseError checks if the error is or wraps an OutputParseError
func IsOutputParseError(err error) bool {
	var parseErr *OutputParseError
	return err != nil && errors.As(err, &parseErr)
}

// ProcessTerminatedError is returned when a process was killed before it
// completed, as opposed to a natural exit with a failure code.
type ProcessTerminatedError struct {
	ID string
}

func (e *ProcessTerminatedError) Error() string {
	return fmt.Sprintf("process %s was terminated before completion", e.ID)
}

// NewProcessTerminatedError creates a new ProcessTerminatedError
func NewProcessTerminatedError(id string) *ProcessTerminatedError {
	return &ProcessTerminatedError{ID: id}
}

// IsProcessTerminatedError checks if the error is or wraps a ProcessTerminatedError
func IsProcessTerminatedError(err error) bool {
	var termErr *ProcessTerminatedError
	return err != nil && errors.As(err, &termErr)
}

// InvalidContextError is returned when an execution request is malformed
type InvalidContextError struct {
	Reason string
}

func (e *InvalidContextError) Error() string {
	return fmt.Sprintf("invalid test execution context: %s", e.Reason)
}

// NewInvalidContextError creates a new InvalidContextError
func NewInvalidContextError(reason string) *InvalidContextError {
	return &InvalidContextError{Reason: reason}
}

// IsInvalidContextError checks if the error is or wraps an InvalidContextError
func IsInvalidContextError(err error) bool {
	var ctxErr *InvalidContextError
	return err != nil && errors.As(err, &ctxErr)
}

// ExecutionError is the single error kind of the deprecated blocking
// execution path. It wraps the underlying resolution, start, parse or
// termination error so callers can still inspect it with errors.As.
type ExecutionError struct {
	Framework string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("test execution failed for %s: %v", e.Framework, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates a new ExecutionError. Wrapping an
// ExecutionError returns it unchanged.
func NewExecutionError(framework string, err error) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &ExecutionError{Framework: framework, Err: err}
}

// IsExecutionError checks if the error is or wraps an ExecutionError
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return err != nil && errors.As(err, &execErr)
}
