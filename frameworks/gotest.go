package frameworks

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// Go test2json (TestEvent) action constants for JSON test output
// See https://cs.opensource.google/go/go/+/master:src/cmd/test2json/main.go;l=34-60
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

const (
	DefaultGoBinary    = "go"
	AllPackagesPattern = "./..."

	maxCaseOutput = 16 * 1024
	maxScanLine   = 4 * 1024 * 1024

	// Name of the synthetic case reporting a package that failed without a
	// failing test, e.g. a build failure or a panic in TestMain
	packageCaseName = "(package)"
)

// Framework parameters understood by gotest
const (
	GoParamTags    = "tags"
	GoParamTimeout = "timeout"
	GoParamCount   = "count"
	GoParamRace    = "race"
)

// TestEvent represents a test event from go test -json output
type TestEvent struct {
	Time    time.Time
	Action  string
	Package string
	Test    string
	Elapsed float64
	Output  string
}

// GoTest runs Go tests through `go test -json`.
// Scope mapping: Suite is the package pattern, Class the top-level test
// function and Method a subtest.
type GoTest struct {
	settings Settings
}

// NewGoTest creates the gotest framework
func NewGoTest(s Settings) *GoTest {
	return &GoTest{settings: s}
}

func (g *GoTest) Name() string {
	return KindGoTest
}

func (g *GoTest) Command(tc types.TestExecutionContext) (process.Spec, error) {
	args := []string{"test", "-json", "-v"}
	if tags := tc.Param(GoParamTags, ""); tags != "" {
		args = append(args, "-tags", tags)
	}
	if timeout := tc.Param(GoParamTimeout, ""); timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return process.Spec{}, types.NewInvalidContextError(fmt.Sprintf("invalid timeout %q", timeout))
		}
		args = append(args, "-timeout", timeout)
	}
	if count := tc.Param(GoParamCount, ""); count != "" {
		args = append(args, "-count", count)
	}
	if race := tc.Param(GoParamRace, ""); race == "true" || race == "1" {
		args = append(args, "-race")
	}
	if pattern := runPattern(tc.Scope); pattern != "" {
		args = append(args, "-run", pattern)
	}
	args = append(args, g.settings.Args...)

	pkg := tc.Scope.Suite
	if pkg == "" {
		pkg = AllPackagesPattern
	}
	args = append(args, pkg)

	return process.Spec{
		Path: g.settings.binary(DefaultGoBinary),
		Args: args,
		Env:  g.settings.Env,
	}, nil
}

// runPattern anchors the selected test and subtest names
func runPattern(scope types.TestScope) string {
	anchor := func(name string) string {
		return "^" + regexp.QuoteMeta(name) + "$"
	}
	switch {
	case scope.Class != "" && scope.Method != "":
		return anchor(scope.Class) + "/" + anchor(scope.Method)
	case scope.Class != "":
		return anchor(scope.Class)
	case scope.Method != "":
		return anchor(scope.Method)
	default:
		return ""
	}
}

// goCase accumulates the events of one test
type goCase struct {
	pkg     string
	name    string
	action  string
	elapsed time.Duration
	started time.Time
	ended   time.Time
	output  strings.Builder
}

// Parse converts a test2json event stream into a result
func (g *GoTest) Parse(out runner.Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	cases := make(map[string]*goCase)
	var order []string
	failedPackages := make(map[string]*goCase)
	var events, invalid int

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var event TestEvent
		if err := json.Unmarshal(line, &event); err != nil || event.Action == "" {
			invalid++
			continue
		}
		events++

		if event.Test == "" {
			processPackageEvent(event, failedPackages)
			continue
		}

		key := event.Package + "\x00" + event.Test
		c, ok := cases[key]
		if !ok {
			c = &goCase{pkg: event.Package, name: event.Test}
			cases[key] = c
			order = append(order, key)
		}
		processCaseEvent(event, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test output: %w", err)
	}
	if events == 0 {
		if invalid > 0 || out.ExitCode != 0 {
			return nil, errors.New("no test2json events found in output")
		}
		return types.NewResultFromCases(g.Name(), nil, out.ExitCode), nil
	}

	result := types.NewResultFromCases(g.Name(), buildGoCases(cases, order, failedPackages), out.ExitCode)
	result.Duration = eventSpan(cases)
	return result, nil
}

func processPackageEvent(event TestEvent, failed map[string]*goCase) {
	switch event.Action {
	case ActionOutput:
		c, ok := failed[event.Package]
		if !ok {
			c = &goCase{pkg: event.Package, name: packageCaseName}
			failed[event.Package] = c
		}
		appendOutput(c, event.Output)
	case ActionFail:
		c, ok := failed[event.Package]
		if !ok {
			c = &goCase{pkg: event.Package, name: packageCaseName}
			failed[event.Package] = c
		}
		c.action = ActionFail
		c.elapsed = seconds(event.Elapsed)
	case ActionPass, ActionSkip:
		delete(failed, event.Package)
	}
}

func processCaseEvent(event TestEvent, c *goCase) {
	switch event.Action {
	case ActionStart, ActionRun:
		c.started = event.Time
	case ActionPass, ActionFail, ActionSkip:
		c.action = event.Action
		c.ended = event.Time
		c.elapsed = seconds(event.Elapsed)
	case ActionOutput:
		appendOutput(c, event.Output)
	}
}

func appendOutput(c *goCase, output string) {
	if c.output.Len() < maxCaseOutput {
		c.output.WriteString(output)
	}
}

// buildGoCases keeps leaf tests only so a parent and its subtests are not
// counted twice. A parent that failed while all its subtests passed is kept.
// Packages failing without a failed test get one error case each.
func buildGoCases(cases map[string]*goCase, order []string, failedPackages map[string]*goCase) []types.TestCase {
	parents := make(map[string]bool)
	failedChild := make(map[string]bool)
	for _, c := range cases {
		failed := c.action != ActionPass && c.action != ActionSkip
		name := c.name
		for {
			i := strings.LastIndex(name, "/")
			if i < 0 {
				break
			}
			name = name[:i]
			parents[c.pkg+"\x00"+name] = true
			if failed {
				failedChild[c.pkg+"\x00"+name] = true
			}
		}
	}

	var result []types.TestCase
	failedTestIn := make(map[string]bool)
	for _, key := range order {
		c := cases[key]
		if parents[key] && (c.action != ActionFail || failedChild[key]) {
			continue
		}
		tc := types.TestCase{
			Suite:    c.pkg,
			Name:     c.name,
			Duration: c.elapsed,
		}
		output := strings.TrimSpace(c.output.String())
		switch c.action {
		case ActionPass:
			tc.Status = types.TestStatusPass
		case ActionSkip:
			tc.Status = types.TestStatusSkip
			tc.Message = skipReason(output)
		case ActionFail:
			tc.Status = types.TestStatusFail
			tc.Message = failureMessage(output)
			tc.Trace = output
			failedTestIn[c.pkg] = true
		default:
			// Started but never finished, e.g. a panic in a sibling test
			tc.Status = types.TestStatusError
			tc.Message = "test did not complete"
			tc.Trace = output
			failedTestIn[c.pkg] = true
		}
		result = append(result, tc)
	}

	pkgs := make([]string, 0, len(failedPackages))
	for pkg, c := range failedPackages {
		if c.action == ActionFail && !failedTestIn[pkg] {
			pkgs = append(pkgs, pkg)
		}
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		c := failedPackages[pkg]
		output := strings.TrimSpace(c.output.String())
		result = append(result, types.TestCase{
			Suite:    pkg,
			Name:     packageCaseName,
			Status:   types.TestStatusError,
			Duration: c.elapsed,
			Message:  failureMessage(output),
			Trace:    output,
		})
	}
	return result
}

// failureMessage picks the most telling line of a failed test's output
func failureMessage(output string) string {
	var fallback string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "",
			strings.HasPrefix(line, "=== "),
			strings.HasPrefix(line, "--- "),
			line == "FAIL", line == "PASS":
			continue
		case strings.Contains(line, "Error:") || strings.HasPrefix(line, "panic:"):
			return truncate(line, 512)
		case fallback == "":
			fallback = line
		}
	}
	return truncate(fallback, 512)
}

func skipReason(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, "=== ") && !strings.HasPrefix(line, "--- SKIP") {
			return truncate(line, 512)
		}
	}
	return ""
}

// eventSpan is the wall time between the first start and the last end
func eventSpan(cases map[string]*goCase) time.Duration {
	var first, last time.Time
	for _, c := range cases {
		if !c.started.IsZero() && (first.IsZero() || c.started.Before(first)) {
			first = c.started
		}
		if c.ended.After(last) {
			last = c.ended
		}
	}
	if first.IsZero() || last.Before(first) {
		return 0
	}
	return last.Sub(first)
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
