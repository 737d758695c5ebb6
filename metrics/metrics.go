package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	MetricsNamespace = "testrunner"
)

var (
	// Registry holds every metric of the service, served by the metrics server
	Registry = opmetrics.NewRegistry()
	factory  = promauto.With(Registry)

	Debug                bool = true
	validResults              = []types.TestStatus{types.TestStatusPass, types.TestStatusFail, types.TestStatusSkip, types.TestStatusError}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	executionsStarted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_started_total",
		Help:      "Count of started test executions",
	}, []string{
		"framework",
	})

	executionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_total",
		Help:      "Count of finished test executions",
	}, []string{
		"framework",
		"result",
	})

	executionsRunning = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "executions_running",
		Help:      "Number of test executions currently running",
	}, []string{
		"framework",
	})

	executionDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "execution_duration_seconds",
		Help:      "Duration of test executions",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800},
	}, []string{
		"framework",
	})

	testCasesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_cases_total",
		Help:      "Count of reported test cases",
	}, []string{
		"framework",
		"result",
	})

	rejectionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "rejections_total",
		Help:      "Count of execution requests rejected before a process was spawned",
	}, []string{
		"reason",
	})

	terminationsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "terminations_total",
		Help:      "Count of test executions killed before completion",
	}, []string{
		"framework",
	})

	parseFailuresTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "parse_failures_total",
		Help:      "Count of test executions whose output could not be parsed",
	}, []string{
		"framework",
	})
)

// Rejection reasons
const (
	ReasonResolution     = "resolution"
	ReasonInvalidContext = "invalid_context"
	ReasonStart          = "process_start"
	ReasonBusy           = "too_many_executions"
	ReasonOther          = "other"
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordRejection counts a request that never reached a process. Requested
// framework names are unbounded and not used as a label.
func RecordRejection(reason string) {
	if Debug {
		log.Debug("metric inc", "m", "rejections_total", "reason", reason)
	}
	rejectionsTotal.WithLabelValues(reason).Inc()
}

func RecordExecutionStarted(framework string) {
	executionsStarted.WithLabelValues(framework).Inc()
	executionsRunning.WithLabelValues(framework).Inc()
}

// RecordExecutionFinished records the outcome of an execution previously
// passed to RecordExecutionStarted
func RecordExecutionFinished(framework string, result *types.TestResult) {
	executionsRunning.WithLabelValues(framework).Dec()
	if result == nil {
		return
	}
	if !isValidResult(result.Status) {
		log.Error("RecordExecutionFinished - invalid result", "result", result.Status)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "executions_total",
			"framework", framework,
			"result", result.Status)
	}
	executionsTotal.WithLabelValues(framework, string(result.Status)).Inc()
	executionDuration.WithLabelValues(framework).Observe(result.Duration.Seconds())

	testCasesTotal.WithLabelValues(framework, string(types.TestStatusPass)).Add(float64(result.Stats.Passed))
	testCasesTotal.WithLabelValues(framework, string(types.TestStatusFail)).Add(float64(result.Stats.Failed))
	testCasesTotal.WithLabelValues(framework, string(types.TestStatusError)).Add(float64(result.Stats.Errors))
	testCasesTotal.WithLabelValues(framework, string(types.TestStatusSkip)).Add(float64(result.Stats.Skipped))

	if result.Terminated {
		terminationsTotal.WithLabelValues(framework).Inc()
	}
	if result.ParseFailed {
		parseFailuresTotal.WithLabelValues(framework).Inc()
	}
}

// RecordBlockingExecution records a run of the blocking path, which has no
// separate start event
func RecordBlockingExecution(framework string, result *types.TestResult, elapsed time.Duration) {
	RecordExecutionStarted(framework)
	if result != nil && result.Duration == 0 {
		r := *result
		r.Duration = elapsed
		result = &r
	}
	RecordExecutionFinished(framework, result)
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
