package frameworks

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	DefaultPythonBinary = "python"

	// PytestParamMarkers selects tests by marker expression (-m)
	PytestParamMarkers = "markers"
	// PytestParamKeyword selects tests by keyword expression (-k)
	PytestParamKeyword = "keyword"

	// pytest exit code when no tests were collected
	pytestNoTestsCollected = 5
)

var (
	// tests/test_calc.py::TestCalc::test_add PASSED    [ 50%]
	// tests/test_calc.py::test_mul SKIPPED (not ready)  [ 75%]
	pytestVerbosePattern = regexp.MustCompile(`^(\S+::\S+)\s+(PASSED|FAILED|SKIPPED|ERROR|XFAIL|XPASS)(?:\s+\(.*\))?(?:\s+\[\s*\d+%\])?\s*$`)
	// FAILED tests/test_calc.py::test_sub - assert 1 == 2
	pytestShortPattern = regexp.MustCompile(`^(PASSED|FAILED|ERROR|XFAIL|XPASS) (\S+)(?: - (.*))?$`)
	// SKIPPED [1] tests/test_calc.py:10: not ready
	pytestSkipPattern = regexp.MustCompile(`^SKIPPED \[\d+\] ([^:]+):\d+: (.*)$`)
	// ===== 1 failed, 2 passed in 0.12s =====
	pytestFinalPattern = regexp.MustCompile(`^=+ (.+?) in ([\d.]+)s(?: \([^)]*\))? =+$`)
)

// Pytest runs Python tests with pytest.
// Scope mapping: Suite is a file or directory, Class a test class and Method
// a test function.
type Pytest struct {
	settings Settings
}

// NewPytest creates the pytest framework
func NewPytest(s Settings) *Pytest {
	return &Pytest{settings: s}
}

func (p *Pytest) Name() string {
	return KindPytest
}

func (p *Pytest) Command(tc types.TestExecutionContext) (process.Spec, error) {
	args := []string{"-m", "pytest", "-v", "-rA", "--color=no"}
	if markers := tc.Param(PytestParamMarkers, ""); markers != "" {
		args = append(args, "-m", markers)
	}

	keyword := tc.Param(PytestParamKeyword, "")
	var target string
	switch {
	case tc.Scope.Suite != "":
		target = tc.Scope.Suite
		if tc.Scope.Class != "" {
			target += "::" + tc.Scope.Class
		}
		if tc.Scope.Method != "" {
			target += "::" + tc.Scope.Method
		}
	case tc.Scope.Class != "":
		// No file given, select by name
		expr := tc.Scope.Class
		if tc.Scope.Method != "" {
			expr += " and " + tc.Scope.Method
		}
		if keyword != "" {
			expr = "(" + keyword + ") and " + expr
		}
		keyword = expr
	}
	if keyword != "" {
		args = append(args, "-k", keyword)
	}
	args = append(args, p.settings.Args...)
	if target != "" {
		args = append(args, target)
	}

	return process.Spec{
		Path: p.settings.binary(DefaultPythonBinary),
		Args: args,
		Env:  append([]string{"PYTHONUNBUFFERED=1"}, p.settings.Env...),
	}, nil
}

// Parse reads the verbose per-test lines, enriches them from the short
// summary and requires the final summary line.
func (p *Pytest) Parse(out runner.Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	byID := make(map[string]*types.TestCase)
	var order []string
	add := func(nodeID string, status types.TestStatus) *types.TestCase {
		c, ok := byID[nodeID]
		if !ok {
			suite, name := splitNodeID(nodeID)
			c = &types.TestCase{Suite: suite, Name: name}
			byID[nodeID] = c
			order = append(order, nodeID)
		}
		c.Status = status
		return c
	}

	var final []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := strings.TrimRight(stripansi.Strip(scanner.Text()), " \r")

		if m := pytestVerbosePattern.FindStringSubmatch(line); m != nil {
			// Setup errors are reported in addition to the test outcome
			if c, ok := byID[m[1]]; ok && c.Status == types.TestStatusError {
				continue
			}
			add(m[1], pytestStatus(m[2]))
			continue
		}
		if m := pytestShortPattern.FindStringSubmatch(line); m != nil {
			c, ok := byID[m[2]]
			if !ok {
				// Collection errors only show up in the short summary
				c = add(m[2], pytestStatus(m[1]))
			}
			if m[3] != "" {
				c.Message = truncate(m[3], 512)
			}
			continue
		}
		if m := pytestSkipPattern.FindStringSubmatch(line); m != nil {
			for _, id := range order {
				c := byID[id]
				if c.Status == types.TestStatusSkip && c.Message == "" && strings.HasPrefix(id, m[1]) {
					c.Message = m[2]
					break
				}
			}
			continue
		}
		if m := pytestFinalPattern.FindStringSubmatch(line); m != nil {
			final = m
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test output: %w", err)
	}
	if final == nil {
		return nil, errors.New("pytest summary line not found in output")
	}

	cases := make([]types.TestCase, 0, len(order))
	for _, id := range order {
		cases = append(cases, *byID[id])
	}

	exitCode := out.ExitCode
	if exitCode == pytestNoTestsCollected && len(cases) == 0 {
		exitCode = 0
	}
	result := types.NewResultFromCases(p.Name(), cases, exitCode)
	result.ExitCode = out.ExitCode
	result.Duration = parseSeconds(final[2])
	return result, nil
}

// pytestStatus maps pytest outcomes. An expected failure counts as a skip,
// an unexpected pass as a pass.
func pytestStatus(s string) types.TestStatus {
	switch s {
	case "PASSED", "XPASS":
		return types.TestStatusPass
	case "FAILED":
		return types.TestStatusFail
	case "SKIPPED", "XFAIL":
		return types.TestStatusSkip
	default:
		return types.TestStatusError
	}
}

// splitNodeID splits "tests/test_a.py::TestA::test_b" into
// ("tests/test_a.py::TestA", "test_b")
func splitNodeID(nodeID string) (string, string) {
	i := strings.LastIndex(nodeID, "::")
	if i < 0 {
		return "", nodeID
	}
	return nodeID[:i], nodeID[i+2:]
}
