package frameworks

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	DefaultMavenBinary     = "mvn"
	DefaultSurefireReports = "target/surefire-reports"

	// JUnitParamReportsDir overrides the Surefire report directory
	JUnitParamReportsDir = "reportsDir"
	// JUnitParamProfiles activates Maven profiles
	JUnitParamProfiles = "profiles"

	// Report files may carry an mtime slightly before the process start on
	// file systems with coarse timestamps
	reportClockSkew = 2 * time.Second
)

var surefireSummaryPattern = regexp.MustCompile(`Tests run: (\d+), Failures: (\d+), Errors: (\d+), Skipped: (\d+)`)

// JUnit runs JUnit tests through the Maven Surefire plugin.
// Scope mapping: Class is the test class, Method the test method; Suite
// selects a Maven module.
type JUnit struct {
	settings Settings
}

// NewJUnit creates the junit framework
func NewJUnit(s Settings) *JUnit {
	return &JUnit{settings: s}
}

func (j *JUnit) Name() string {
	return KindJUnit
}

func (j *JUnit) Command(tc types.TestExecutionContext) (process.Spec, error) {
	args := []string{"-B"}
	if tc.Scope.Suite != "" {
		args = append(args, "-pl", tc.Scope.Suite)
	}
	if profiles := tc.Param(JUnitParamProfiles, ""); profiles != "" {
		args = append(args, "-P", profiles)
	}
	args = append(args, "test")
	if tc.Scope.Class != "" {
		selector := tc.Scope.Class
		if tc.Scope.Method != "" {
			selector += "#" + tc.Scope.Method
		}
		args = append(args, "-Dtest="+selector, "-Dsurefire.failIfNoSpecifiedTests=false")
	}
	args = append(args, j.settings.Args...)

	return process.Spec{
		Path: j.settings.binary(DefaultMavenBinary),
		Args: args,
		Env:  j.settings.Env,
	}, nil
}

// Parse reads the Surefire XML reports written during the run and falls
// back to the console summary when there are none.
func (j *JUnit) Parse(out runner.Output) (*types.TestResult, error) {
	dir := out.Context.Param(JUnitParamReportsDir, DefaultSurefireReports)
	if out.Context.Scope.Suite != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(out.Context.Scope.Suite, dir)
	}
	dir = projectFile(out.Context.ProjectPath, dir)

	cases, err := readSurefireReports(dir, out.StartedAt)
	if err != nil {
		return nil, err
	}
	if len(cases) > 0 {
		return types.NewResultFromCases(j.Name(), cases, out.ExitCode), nil
	}
	return j.parseConsole(out)
}

// parseConsole uses the last "Tests run:" line, which is the aggregate
// printed after all test classes.
func (j *JUnit) parseConsole(out runner.Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var match []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		if m := surefireSummaryPattern.FindStringSubmatch(stripansi.Strip(scanner.Text())); m != nil {
			match = m
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test output: %w", err)
	}
	if match == nil {
		return nil, errors.New("no surefire reports and no test summary in output")
	}

	var n [4]int
	for i := range n {
		n[i], _ = strconv.Atoi(match[i+1])
	}
	stats := types.ResultStats{Total: n[0], Failed: n[1], Errors: n[2], Skipped: n[3]}
	stats.Passed = stats.Total - stats.Failed - stats.Errors - stats.Skipped
	if stats.Passed < 0 {
		return nil, fmt.Errorf("inconsistent test summary %q", match[0])
	}
	return &types.TestResult{
		Framework: j.Name(),
		Status:    types.DetermineStatus(stats, out.ExitCode),
		Stats:     stats,
		ExitCode:  out.ExitCode,
	}, nil
}

// JUnit XML as written by Surefire. Files contain a single testsuite.
type junitSuite struct {
	XMLName   xml.Name    `xml:"testsuite"`
	Name      string      `xml:"name,attr"`
	TestCases []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitProblem `xml:"failure"`
	Error     *junitProblem `xml:"error"`
	Skipped   *junitProblem `xml:"skipped"`
}

type junitProblem struct {
	Message  string `xml:"message,attr"`
	Type     string `xml:"type,attr"`
	Contents string `xml:",chardata"`
}

func readSurefireReports(dir string, since time.Time) ([]types.TestCase, error) {
	files, err := filepath.Glob(filepath.Join(dir, "TEST-*.xml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var cases []types.TestCase
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if !since.IsZero() && info.ModTime().Before(since.Add(-reportClockSkew)) {
			continue
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", filepath.Base(file), err)
		}
		suite, err := parseJUnitSuite(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Base(file), err)
		}
		cases = append(cases, suite...)
	}
	return cases, nil
}

func parseJUnitSuite(data []byte) ([]types.TestCase, error) {
	var suite junitSuite
	if err := xml.Unmarshal(data, &suite); err != nil {
		return nil, err
	}

	cases := make([]types.TestCase, 0, len(suite.TestCases))
	for _, c := range suite.TestCases {
		tc := types.TestCase{
			Suite:    c.Classname,
			Name:     c.Name,
			Status:   types.TestStatusPass,
			Duration: parseSeconds(c.Time),
		}
		if tc.Suite == "" {
			tc.Suite = suite.Name
		}
		switch {
		case c.Error != nil:
			tc.Status = types.TestStatusError
			tc.Message = problemMessage(c.Error)
			tc.Trace = strings.TrimSpace(c.Error.Contents)
		case c.Failure != nil:
			tc.Status = types.TestStatusFail
			tc.Message = problemMessage(c.Failure)
			tc.Trace = strings.TrimSpace(c.Failure.Contents)
		case c.Skipped != nil:
			tc.Status = types.TestStatusSkip
			tc.Message = c.Skipped.Message
		}
		cases = append(cases, tc)
	}
	return cases, nil
}

func problemMessage(p *junitProblem) string {
	switch {
	case p.Message != "":
		return p.Message
	case p.Type != "":
		return p.Type
	default:
		return firstLine(p.Contents)
	}
}

// parseSeconds parses decimal seconds such as "0.012" or "1,234.5"
func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return seconds(f)
}
