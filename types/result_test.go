package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResultFromCases(t *testing.T) {
	tests := []struct {
		name       string
		cases      []TestCase
		exitCode   int
		wantStatus TestStatus
		wantStats  ResultStats
		wantFails  int
	}{
		{
			name: "all passing",
			cases: []TestCase{
				{Name: "TestA", Status: TestStatusPass},
				{Name: "TestB", Status: TestStatusPass},
			},
			wantStatus: TestStatusPass,
			wantStats:  ResultStats{Total: 2, Passed: 2},
		},
		{
			name: "one failure",
			cases: []TestCase{
				{Name: "TestA", Status: TestStatusPass},
				{Suite: "pkg", Name: "TestB", Status: TestStatusFail, Message: "boom"},
			},
			exitCode:   1,
			wantStatus: TestStatusFail,
			wantStats:  ResultStats{Total: 2, Passed: 1, Failed: 1},
			wantFails:  1,
		},
		{
			name: "errors count as failures",
			cases: []TestCase{
				{Name: "TestA", Status: TestStatusError},
			},
			wantStatus: TestStatusFail,
			wantStats:  ResultStats{Total: 1, Errors: 1},
			wantFails:  1,
		},
		{
			name: "only skipped",
			cases: []TestCase{
				{Name: "TestA", Status: TestStatusSkip},
			},
			wantStatus: TestStatusSkip,
			wantStats:  ResultStats{Total: 1, Skipped: 1},
		},
		{
			name:       "no cases with non-zero exit",
			exitCode:   2,
			wantStatus: TestStatusFail,
		},
		{
			name:       "no cases with zero exit",
			wantStatus: TestStatusPass,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewResultFromCases("gotest", tt.cases, tt.exitCode)
			assert.Equal(t, tt.wantStatus, result.Status)
			assert.Equal(t, tt.wantStats, result.Stats)
			assert.Len(t, result.Failures, tt.wantFails)
			assert.Equal(t, tt.exitCode, result.ExitCode)
		})
	}
}

func TestNewResultFromCases_FailureDetails(t *testing.T) {
	result := NewResultFromCases("junit", []TestCase{
		{Suite: "org.acme.CalcTest", Name: "testDiv", Status: TestStatusFail, Message: "expected 2", Trace: "at CalcTest.java:12", Duration: time.Second},
	}, 1)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, TestFailure{Name: "org.acme.CalcTest.testDiv", Message: "expected 2", Trace: "at CalcTest.java:12"}, result.Failures[0])

	c, ok := result.Case("testDiv")
	require.True(t, ok)
	assert.Equal(t, time.Second, c.Duration)

	_, ok = result.Case("org.acme.CalcTest.testDiv")
	assert.True(t, ok)
	_, ok = result.Case("missing")
	assert.False(t, ok)
}

func TestNewParseFailedResult(t *testing.T) {
	result := NewParseFailedResult("pytest", 3, errors.New("no summary line"))

	assert.True(t, result.ParseFailed)
	assert.Equal(t, TestStatusError, result.Status)
	assert.Equal(t, "no summary line", result.ParseError)
	assert.Equal(t, 3, result.ExitCode)
	assert.False(t, result.Passed())
	assert.Contains(t, result.String(), "unparseable")
}
