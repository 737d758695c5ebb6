// Package runner defines the capability interface every test framework
// integration implements, and a generic process-backed runner built on it.
//
// The main components are:
//   - TestRunner: named runner with a non-blocking Execute and the deprecated
//     blocking ExecuteParameters
//   - Framework: the framework-specific part (command line and output grammar)
//     plugged into the generic runner returned by New
//   - Execution: a running test process plus the parser that turns its drained
//     output into a TestResult
//   - WithLegacy: adapter deriving the blocking form from the non-blocking one
package runner
