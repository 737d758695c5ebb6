package frameworks

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// GoogleTestParamBinary is the test binary to run, relative to the project
const GoogleTestParamBinary = "binary"

var (
	googleTestPreamblePattern = regexp.MustCompile(`\[==========\] Running \d* tests? from \d* test (?:(?:suites?)|(?:cases?))\.`)
	googleTestRunPattern      = regexp.MustCompile(`^\[ RUN\s*\] (.*?)\.(.*)$`)
	googleTestCasePattern     = regexp.MustCompile(`\[\s*(\w*)\s*\] (.*?)\.(.*?) \((.*?)\)`)
)

// GoogleTest runs a googletest binary.
// Scope mapping: Suite is the test binary (unless the binary parameter is
// set), Class the googletest suite and Method the test name.
type GoogleTest struct {
	settings Settings
}

// NewGoogleTest creates the googletest framework
func NewGoogleTest(s Settings) *GoogleTest {
	return &GoogleTest{settings: s}
}

func (g *GoogleTest) Name() string {
	return KindGoogleTest
}

func (g *GoogleTest) Command(tc types.TestExecutionContext) (process.Spec, error) {
	binary := tc.Param(GoogleTestParamBinary, g.settings.Binary)
	if binary == "" {
		binary = tc.Scope.Suite
	}
	if binary == "" {
		return process.Spec{}, types.NewInvalidContextError("googletest requires a test binary")
	}

	args := []string{"--gtest_color=no"}
	if filter := gtestFilter(tc.Scope); filter != "" {
		args = append(args, "--gtest_filter="+filter)
	}
	args = append(args, g.settings.Args...)

	return process.Spec{
		Path: projectFile(tc.ProjectPath, binary),
		Args: args,
		Env:  g.settings.Env,
	}, nil
}

func gtestFilter(scope types.TestScope) string {
	switch {
	case scope.Class != "" && scope.Method != "":
		return scope.Class + "." + scope.Method
	case scope.Class != "":
		return scope.Class + ".*"
	case scope.Method != "":
		return "*." + scope.Method
	default:
		return ""
	}
}

// Parse reads the per-test status lines. A test that was started but never
// finished (the binary crashed) is reported as an error.
func (g *GoogleTest) Parse(out runner.Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var (
		cases    []types.TestCase
		preamble bool
		running  string
		message  []string
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := strings.TrimRight(stripansi.Strip(scanner.Text()), "\r")

		if googleTestPreamblePattern.MatchString(line) {
			preamble = true
			continue
		}
		if m := googleTestRunPattern.FindStringSubmatch(line); m != nil {
			running = m[1] + "." + m[2]
			message = message[:0]
			continue
		}
		if m := googleTestCasePattern.FindStringSubmatch(line); m != nil {
			var status types.TestStatus
			switch m[1] {
			case "OK":
				status = types.TestStatusPass
			case "FAILED":
				status = types.TestStatusFail
			case "SKIPPED":
				status = types.TestStatusSkip
			default:
				continue
			}
			// Convert e.g. "4 ms" to "4ms" which parses to Duration successfully
			duration, _ := time.ParseDuration(strings.ReplaceAll(m[4], " ", ""))
			tc := types.TestCase{
				Suite:    m[2],
				Name:     m[3],
				Status:   status,
				Duration: duration,
			}
			if status != types.TestStatusPass && len(message) > 0 {
				trace := strings.TrimSpace(strings.Join(message, "\n"))
				tc.Message = firstLine(trace)
				tc.Trace = trace
			}
			cases = append(cases, tc)
			running = ""
			message = message[:0]
			continue
		}
		if running != "" && len(message) < 200 {
			message = append(message, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test output: %w", err)
	}
	if !preamble {
		return nil, errors.New("googletest preamble not found in output")
	}

	if running != "" {
		suite, name, _ := strings.Cut(running, ".")
		trace := strings.TrimSpace(strings.Join(message, "\n"))
		cases = append(cases, types.TestCase{
			Suite:   suite,
			Name:    name,
			Status:  types.TestStatusError,
			Message: "test did not complete",
			Trace:   trace,
		})
	}
	return types.NewResultFromCases(g.Name(), cases, out.ExitCode), nil
}
