// Package exitcodes defines the exit codes of the op-testrunner CLI.
package exitcodes

// Exit codes of a one-shot run:
//
// * Success (0): every execution passed or was skipped
// * TestFailure (1): at least one test failed
// * RuntimeErr (2): a run could not be started, its output could not be
// parsed, or it was interrupted
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
