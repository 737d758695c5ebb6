package frameworks

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	DefaultJavaBinary   = "java"
	DefaultTestNGOutput = "test-output"
	DefaultClasspath    = "target/classes:target/test-classes:target/dependency/*"
	testNGMainClass     = "org.testng.TestNG"
	testNGResultsFile   = "testng-results.xml"

	// TestNGParamClasspath sets the classpath of the test JVM
	TestNGParamClasspath = "classpath"
	// TestNGParamOutputDir sets the TestNG output directory
	TestNGParamOutputDir = "outputDir"
	// TestNGParamGroups restricts the run to TestNG groups
	TestNGParamGroups = "groups"
)

var testNGSummaryPattern = regexp.MustCompile(`Total tests run: (\d+), (?:Passes: (\d+), )?Failures: (\d+), Skips: (\d+)`)

// TestNG runs TestNG tests in a plain JVM.
// Scope mapping: Suite is a testng.xml suite file, Class a test class and
// Method a test method of that class.
type TestNG struct {
	settings Settings
}

// NewTestNG creates the testng framework
func NewTestNG(s Settings) *TestNG {
	return &TestNG{settings: s}
}

func (n *TestNG) Name() string {
	return KindTestNG
}

func (n *TestNG) Command(tc types.TestExecutionContext) (process.Spec, error) {
	if tc.Scope.Method != "" && tc.Scope.Class == "" {
		return process.Spec{}, types.NewInvalidContextError("testng requires a class to select a method")
	}

	args := []string{
		"-cp", tc.Param(TestNGParamClasspath, DefaultClasspath),
		testNGMainClass,
		"-d", n.outputDir(tc),
	}
	if groups := tc.Param(TestNGParamGroups, ""); groups != "" {
		args = append(args, "-groups", groups)
	}
	args = append(args, n.settings.Args...)

	switch {
	case tc.Scope.Method != "":
		args = append(args, "-methods", tc.Scope.Class+"."+tc.Scope.Method)
	case tc.Scope.Class != "":
		args = append(args, "-testclass", tc.Scope.Class)
	case tc.Scope.Suite != "":
		args = append(args, tc.Scope.Suite)
	default:
		args = append(args, "testng.xml")
	}

	return process.Spec{
		Path: n.settings.binary(DefaultJavaBinary),
		Args: args,
		Env:  n.settings.Env,
	}, nil
}

func (n *TestNG) outputDir(tc types.TestExecutionContext) string {
	return projectFile(tc.ProjectPath, tc.Param(TestNGParamOutputDir, DefaultTestNGOutput))
}

// Parse reads testng-results.xml from the output directory and falls back
// to the console summary when the file is missing or stale.
func (n *TestNG) Parse(out runner.Output) (*types.TestResult, error) {
	path := projectFile(n.outputDir(out.Context), testNGResultsFile)
	info, err := os.Stat(path)
	if err == nil && (out.StartedAt.IsZero() || !info.ModTime().Before(out.StartedAt.Add(-reportClockSkew))) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", testNGResultsFile, err)
		}
		cases, err := parseTestNGResults(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", testNGResultsFile, err)
		}
		return types.NewResultFromCases(n.Name(), cases, out.ExitCode), nil
	}
	return n.parseConsole(out)
}

func (n *TestNG) parseConsole(out runner.Output) (*types.TestResult, error) {
	r, err := out.Stdout()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var match []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		if m := testNGSummaryPattern.FindStringSubmatch(stripansi.Strip(scanner.Text())); m != nil {
			match = m
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading test output: %w", err)
	}
	if match == nil {
		return nil, errors.New("no testng results and no test summary in output")
	}

	total, _ := strconv.Atoi(match[1])
	failed, _ := strconv.Atoi(match[3])
	skipped, _ := strconv.Atoi(match[4])
	stats := types.ResultStats{
		Total:   total,
		Passed:  total - failed - skipped,
		Failed:  failed,
		Skipped: skipped,
	}
	if stats.Passed < 0 {
		return nil, fmt.Errorf("inconsistent test summary %q", match[0])
	}
	return &types.TestResult{
		Framework: n.Name(),
		Status:    types.DetermineStatus(stats, out.ExitCode),
		Stats:     stats,
		ExitCode:  out.ExitCode,
	}, nil
}

type testNGResults struct {
	XMLName xml.Name      `xml:"testng-results"`
	Suites  []testNGSuite `xml:"suite"`
}

type testNGSuite struct {
	Name  string       `xml:"name,attr"`
	Tests []testNGTest `xml:"test"`
}

type testNGTest struct {
	Name    string        `xml:"name,attr"`
	Classes []testNGClass `xml:"class"`
}

type testNGClass struct {
	Name    string         `xml:"name,attr"`
	Methods []testNGMethod `xml:"test-method"`
}

type testNGMethod struct {
	Name       string           `xml:"name,attr"`
	Status     string           `xml:"status,attr"`
	IsConfig   bool             `xml:"is-config,attr"`
	DurationMs int64            `xml:"duration-ms,attr"`
	Exception  *testNGException `xml:"exception"`
}

type testNGException struct {
	Class      string `xml:"class,attr"`
	Message    string `xml:"message"`
	StackTrace string `xml:"full-stacktrace"`
}

func parseTestNGResults(data []byte) ([]types.TestCase, error) {
	var results testNGResults
	if err := xml.Unmarshal(data, &results); err != nil {
		return nil, err
	}

	var cases []types.TestCase
	for _, suite := range results.Suites {
		for _, test := range suite.Tests {
			for _, class := range test.Classes {
				for _, m := range class.Methods {
					// Configuration methods (@BeforeMethod etc.) are not tests
					// unless they failed and took the tests down with them
					if m.IsConfig && m.Status != "FAIL" {
						continue
					}
					tc := types.TestCase{
						Suite:    class.Name,
						Name:     m.Name,
						Duration: time.Duration(m.DurationMs) * time.Millisecond,
					}
					switch m.Status {
					case "PASS":
						tc.Status = types.TestStatusPass
					case "SKIP":
						tc.Status = types.TestStatusSkip
					case "FAIL":
						tc.Status = types.TestStatusFail
						if m.IsConfig {
							tc.Status = types.TestStatusError
						}
					default:
						return nil, fmt.Errorf("unknown status %q for %s.%s", m.Status, class.Name, m.Name)
					}
					if m.Exception != nil {
						tc.Message = strings.TrimSpace(m.Exception.Message)
						if tc.Message == "" {
							tc.Message = m.Exception.Class
						}
						tc.Trace = strings.TrimSpace(m.Exception.StackTrace)
					}
					cases = append(cases, tc)
				}
			}
		}
	}
	return cases, nil
}
