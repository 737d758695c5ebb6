package types

import (
	"fmt"
	"strings"
	"time"
)

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPass  TestStatus = "pass"
	TestStatusFail  TestStatus = "fail"
	TestStatusSkip  TestStatus = "skip"
	TestStatusError TestStatus = "error"
)

// TestCase is the outcome of a single test case inside a run
type TestCase struct {
	Suite    string        `json:"suite,omitempty"`
	Name     string        `json:"name"`
	Status   TestStatus    `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"` // Failure or skip message
	Trace    string        `json:"trace,omitempty"`   // Stack trace or captured failure output
}

// FullName returns "Suite.Name", or Name when the case has no suite
func (c TestCase) FullName() string {
	if c.Suite == "" {
		return c.Name
	}
	return c.Suite + "." + c.Name
}

// Failed reports whether the case failed or errored
func (c TestCase) Failed() bool {
	return c.Status == TestStatusFail || c.Status == TestStatusError
}

// TestFailure is the message and stack trace of a failed case
type TestFailure struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Trace   string `json:"trace,omitempty"`
}

// ResultStats tracks case counts of a run
type ResultStats struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// TestResult captures the structured outcome of a test run.
// It is built once by a runner and not mutated afterwards.
type TestResult struct {
	ExecutionID string        `json:"executionId,omitempty"`
	Framework   string        `json:"framework"`
	Status      TestStatus    `json:"status"`
	Stats       ResultStats   `json:"stats"`
	Failures    []TestFailure `json:"failures,omitempty"`
	Cases       []TestCase    `json:"cases,omitempty"`
	Duration    time.Duration `json:"duration"`
	ExitCode    int           `json:"exitCode"`
	Terminated  bool          `json:"terminated,omitempty"`  // Process was killed before it completed
	ParseFailed bool          `json:"parseFailed,omitempty"` // Output did not match the framework grammar
	ParseError  string        `json:"parseError,omitempty"`
	Stdout      string        `json:"stdout,omitempty"` // Tail of stdout for failed or unparseable runs
}

// NewResultFromCases derives stats, failures and the overall status from
// the given cases. A run without cases falls back to the exit code.
func NewResultFromCases(framework string, cases []TestCase, exitCode int) *TestResult {
	result := &TestResult{
		Framework: framework,
		Cases:     cases,
		ExitCode:  exitCode,
	}
	for _, c := range cases {
		result.Stats.Total++
		switch c.Status {
		case TestStatusPass:
			result.Stats.Passed++
		case TestStatusFail:
			result.Stats.Failed++
		case TestStatusError:
			result.Stats.Errors++
		case TestStatusSkip:
			result.Stats.Skipped++
		}
		if c.Failed() {
			result.Failures = append(result.Failures, TestFailure{
				Name:    c.FullName(),
				Message: c.Message,
				Trace:   c.Trace,
			})
		}
	}
	result.Status = DetermineStatus(result.Stats, exitCode)
	return result
}

// DetermineStatus computes the overall status of a run
func DetermineStatus(stats ResultStats, exitCode int) TestStatus {
	switch {
	case stats.Failed > 0 || stats.Errors > 0:
		return TestStatusFail
	case stats.Total == 0 && exitCode != 0:
		return TestStatusFail
	case stats.Total > 0 && stats.Skipped == stats.Total:
		return TestStatusSkip
	default:
		return TestStatusPass
	}
}

// NewParseFailedResult builds the degraded result returned when output could
// not be parsed. The caller still gets a terminal response.
func NewParseFailedResult(framework string, exitCode int, err error) *TestResult {
	result := &TestResult{
		Framework:   framework,
		Status:      TestStatusError,
		ExitCode:    exitCode,
		ParseFailed: true,
	}
	if err != nil {
		result.ParseError = err.Error()
	}
	return result
}

// Passed reports whether the run passed (skipped-only runs count as passed)
func (r *TestResult) Passed() bool {
	return r.Status == TestStatusPass || r.Status == TestStatusSkip
}

// Case returns the case with the given full or short name
func (r *TestResult) Case(name string) (TestCase, bool) {
	for _, c := range r.Cases {
		if c.Name == name || c.FullName() == name {
			return c, true
		}
	}
	return TestCase{}, false
}

// String returns a one-line summary of the result
func (r *TestResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s (total=%d passed=%d failed=%d errors=%d skipped=%d",
		r.Framework, r.Status, r.Stats.Total, r.Stats.Passed, r.Stats.Failed, r.Stats.Errors, r.Stats.Skipped)
	if r.Terminated {
		b.WriteString(" terminated")
	}
	if r.ParseFailed {
		b.WriteString(" unparseable")
	}
	b.WriteString(")")
	return b.String()
}
