// Package reporting renders test results for humans.
package reporting

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// TableOptions controls the rendering of a result table
type TableOptions struct {
	// ShowCases adds one row per test case below its suite
	ShowCases bool
	// Color selects the colored table styles
	Color bool
}

// WriteTable renders result as a table with one row per suite, optionally
// followed by its cases, and a TOTAL footer.
func WriteTable(w io.Writer, result *types.TestResult, opts TableOptions) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s Test Results (%s)", result.Framework, formatDuration(result.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Skipped", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, suite := range groupBySuite(result.Cases) {
		t.AppendRow(table.Row{
			"Suite",
			suite.name,
			formatDuration(suite.duration),
			"-", // Don't count the suite as a test
			suite.stats.Passed,
			suite.stats.Failed + suite.stats.Errors,
			suite.stats.Skipped,
			getResultString(types.DetermineStatus(suite.stats, 0)),
			"",
		})
		if !opts.ShowCases {
			continue
		}
		for i, c := range suite.cases {
			prefix := "├──"
			if i == len(suite.cases)-1 {
				prefix = "└──"
			}
			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, c.Name),
				formatDuration(c.Duration),
				"1",
				boolToInt(c.Status == types.TestStatusPass),
				boolToInt(c.Failed()),
				boolToInt(c.Status == types.TestStatusSkip),
				getResultString(c.Status),
				c.Message,
			})
		}
		t.AppendSeparator()
	}

	if opts.Color {
		switch result.Status {
		case types.TestStatusPass:
			t.SetStyle(table.StyleColoredBlackOnGreenWhite)
		case types.TestStatusSkip:
			t.SetStyle(table.StyleColoredBlackOnYellowWhite)
		default:
			t.SetStyle(table.StyleColoredBlackOnRedWhite)
		}
	} else {
		t.SetStyle(table.StyleLight)
	}
	// Keep error notes readable
	t.Style().Format.Footer = text.FormatDefault

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		formatDuration(result.Duration),
		result.Stats.Total,
		result.Stats.Passed,
		result.Stats.Failed + result.Stats.Errors,
		result.Stats.Skipped,
		getResultString(result.Status),
		resultNote(result),
	})
	t.Render()
}

// RenderTable returns the table of WriteTable as a string
func RenderTable(result *types.TestResult, opts TableOptions) string {
	var b strings.Builder
	WriteTable(&b, result, opts)
	return b.String()
}

type suiteRows struct {
	name     string
	cases    []types.TestCase
	stats    types.ResultStats
	duration time.Duration
}

// groupBySuite keeps the order in which suites first appear
func groupBySuite(cases []types.TestCase) []*suiteRows {
	var suites []*suiteRows
	index := make(map[string]*suiteRows)
	for _, c := range cases {
		name := c.Suite
		if name == "" {
			name = "(default)"
		}
		s, ok := index[name]
		if !ok {
			s = &suiteRows{name: name}
			index[name] = s
			suites = append(suites, s)
		}
		s.cases = append(s.cases, c)
		s.duration += c.Duration
		s.stats.Total++
		switch c.Status {
		case types.TestStatusPass:
			s.stats.Passed++
		case types.TestStatusFail:
			s.stats.Failed++
		case types.TestStatusError:
			s.stats.Errors++
		case types.TestStatusSkip:
			s.stats.Skipped++
		}
	}
	for _, s := range suites {
		sort.SliceStable(s.cases, func(i, j int) bool {
			return s.cases[i].Failed() && !s.cases[j].Failed()
		})
	}
	return suites
}

func resultNote(result *types.TestResult) string {
	switch {
	case result.Terminated:
		return "terminated"
	case result.ParseFailed:
		return "output not parseable: " + result.ParseError
	case result.Stats.Total == 0 && result.ExitCode != 0:
		return fmt.Sprintf("exit code %d", result.ExitCode)
	default:
		return ""
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// getResultString returns a string representing the test result
func getResultString(status types.TestStatus) string {
	switch status {
	case types.TestStatusPass:
		return "✓ pass"
	case types.TestStatusSkip:
		return "- skip"
	case types.TestStatusError:
		return "✗ error"
	default:
		return "✗ fail"
	}
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
