package runner

import (
	"bytes"
	"io"
	"time"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// source is the readable part of a process stream
type source interface {
	Open() (io.ReadCloser, error)
	Tail() []byte
}

// Output is the drained output of a finished test process, handed to a
// Framework's parser.
type Output struct {
	Context    types.TestExecutionContext
	ExitCode   int
	Terminated bool
	StartedAt  time.Time // Report files older than this belong to earlier runs

	stdout source
	stderr source
}

// NewOutput builds an Output from in-memory buffers
func NewOutput(tc types.TestExecutionContext, exitCode int, stdout, stderr []byte) Output {
	return Output{
		Context:  tc,
		ExitCode: exitCode,
		stdout:   bytesSource(stdout),
		stderr:   bytesSource(stderr),
	}
}

// Stdout returns a reader over the complete standard output
func (o Output) Stdout() (io.ReadCloser, error) {
	if o.stdout == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return o.stdout.Open()
}

// Stderr returns a reader over the complete standard error
func (o Output) Stderr() (io.ReadCloser, error) {
	if o.stderr == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return o.stderr.Open()
}

// StdoutTail returns the most recent part of standard output
func (o Output) StdoutTail() []byte {
	if o.stdout == nil {
		return nil
	}
	return o.stdout.Tail()
}

// StderrTail returns the most recent part of standard error
func (o Output) StderrTail() []byte {
	if o.stderr == nil {
		return nil
	}
	return o.stderr.Tail()
}

// ReadStdout reads standard output completely. Prefer Stdout for output
// that can grow large.
func (o Output) ReadStdout() ([]byte, error) {
	r, err := o.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type bytesSource []byte

func (b bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (b bytesSource) Tail() []byte {
	return b
}
