// Package coordinator dispatches test execution requests to the runner
// registered for the requested framework.
package coordinator

import (
	"context"
	"errors"
	"maps"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ethereum-optimism/infra/op-testrunner/metrics"
	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// ErrTooManyExecutions is returned when MaxConcurrent executions are
// already running
var ErrTooManyExecutions = errors.New("too many concurrent test executions")

// Report describes a finished execution handed to result sinks
type Report struct {
	// Execution is nil for runs of the blocking path
	Execution *runner.Execution
	Framework string
	Context   types.TestExecutionContext
	Result    *types.TestResult
	Err       error
}

// ResultSink consumes the reports of finished executions
type ResultSink interface {
	Consume(report Report) error
}

// Config configures a Coordinator
type Config struct {
	Registry *registry.Registry
	// MaxConcurrent caps running executions; zero means unlimited
	MaxConcurrent int64
	// BatchConcurrency bounds the parallelism of RunBatch; zero uses the
	// number of CPUs
	BatchConcurrency int
	Sinks            []ResultSink
	Log              log.Logger
}

// Coordinator resolves runners by framework name and starts executions.
// It never interprets framework output; parsing is left to the runners.
type Coordinator struct {
	registry  *registry.Registry
	sem       *semaphore.Weighted
	batchSize int
	sinks     []ResultSink
	log       log.Logger
	tracer    trace.Tracer

	mu      sync.Mutex
	running map[string]*runner.Execution
	wg      sync.WaitGroup
}

// New creates a coordinator dispatching to cfg.Registry
func New(cfg Config) (*Coordinator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.MaxConcurrent < 0 {
		return nil, errors.New("max concurrent executions must not be negative")
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
	}
	batchSize := cfg.BatchConcurrency
	if batchSize <= 0 {
		batchSize = runtime.NumCPU()
	}

	c := &Coordinator{
		registry:  cfg.Registry,
		batchSize: batchSize,
		sinks:     cfg.Sinks,
		log:       logger,
		tracer:    otel.Tracer("test coordinator"),
		running:   make(map[string]*runner.Execution),
	}
	if cfg.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return c, nil
}

// RunTests validates tc, resolves its runner and starts the execution
// without waiting for it. An unknown framework is reported as a
// *types.ResolutionError before any process is spawned. When MaxConcurrent
// executions are running it fails with ErrTooManyExecutions.
//
// The caller owns the returned execution. Sinks read its output after it
// finished, so release it only after Wait returned or the sinks do not need
// the output.
func (c *Coordinator) RunTests(ctx context.Context, tc types.TestExecutionContext) (*runner.Execution, error) {
	e, _, err := c.start(ctx, tc, false)
	return e, err
}

// Dispatch is RunTests that also returns a channel closed once the result
// of the execution was handed to the sinks. The execution can be released
// after that.
func (c *Coordinator) Dispatch(ctx context.Context, tc types.TestExecutionContext) (*runner.Execution, <-chan struct{}, error) {
	return c.start(ctx, tc, false)
}

// start dispatches tc. The returned channel is closed once the result was
// handed to the sinks. wait queues on the concurrency cap instead of failing.
func (c *Coordinator) start(ctx context.Context, tc types.TestExecutionContext, wait bool) (*runner.Execution, <-chan struct{}, error) {
	tc = tc.Clone()
	ctx, span := c.tracer.Start(ctx, "run "+tc.Framework, trace.WithAttributes(
		attribute.String("framework", tc.Framework),
		attribute.String("scope", tc.Scope.String()),
	))
	fail := func(reason string, err error) (*runner.Execution, <-chan struct{}, error) {
		metrics.RecordRejection(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, nil, err
	}

	if err := tc.Validate(); err != nil {
		c.log.Warn("Rejected test execution", "err", err)
		return fail(metrics.ReasonInvalidContext, err)
	}
	r, err := c.registry.Resolve(tc.Framework)
	if err != nil {
		c.log.Warn("Unknown test framework", "framework", tc.Framework, "known", c.registry.Names())
		return fail(metrics.ReasonResolution, err)
	}

	release, err := c.acquire(ctx, wait)
	if err != nil {
		c.log.Warn("Rejected test execution", "framework", tc.Framework, "err", err)
		return fail(rejectionReason(err), err)
	}

	e, err := r.Execute(ctx, tc)
	if err != nil {
		release()
		return fail(rejectionReason(err), err)
	}
	span.SetAttributes(attribute.String("execution", e.ID()))

	metrics.RecordExecutionStarted(e.Framework())
	c.mu.Lock()
	c.running[e.ID()] = e
	c.mu.Unlock()

	done := make(chan struct{})
	c.wg.Add(1)
	go c.watch(e, span, release, done)
	return e, done, nil
}

func (c *Coordinator) acquire(ctx context.Context, wait bool) (func(), error) {
	if c.sem == nil {
		return func() {}, nil
	}
	if wait {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else if !c.sem.TryAcquire(1) {
		return nil, ErrTooManyExecutions
	}
	var once sync.Once
	return func() { once.Do(func() { c.sem.Release(1) }) }, nil
}

// watch collects the result of e once it finished and feeds sinks and
// metrics
func (c *Coordinator) watch(e *runner.Execution, span trace.Span, release func(), done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer span.End()

	result, err := e.Result(context.Background())
	release()

	c.mu.Lock()
	delete(c.running, e.ID())
	c.mu.Unlock()

	metrics.RecordExecutionFinished(e.Framework(), result)
	if result != nil {
		span.SetAttributes(
			attribute.String("status", string(result.Status)),
			attribute.Int("total", result.Stats.Total),
			attribute.Int("failed", result.Stats.Failed+result.Stats.Errors),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.consume(Report{
		Execution: e,
		Framework: e.Framework(),
		Context:   e.Context(),
		Result:    result,
		Err:       err,
	})
}

func (c *Coordinator) consume(report Report) {
	for _, sink := range c.sinks {
		if err := sink.Consume(report); err != nil {
			c.log.Error("Result sink failed", "framework", report.Framework, "err", err)
			metrics.RecordErrorDetails("result sink", err)
		}
	}
}

// RunTestsBlocking is the legacy entry point: it resolves the runner by the
// "framework" key of params and blocks until the result is parsed. Every
// failure is reported as a *types.ExecutionError.
func (c *Coordinator) RunTestsBlocking(ctx context.Context, params map[string]string) (*types.TestResult, error) {
	params = maps.Clone(params)
	tc := types.ContextFromParameters(params)

	ctx, span := c.tracer.Start(ctx, "run blocking "+tc.Framework, trace.WithAttributes(
		attribute.String("framework", tc.Framework),
		attribute.String("scope", tc.Scope.String()),
	))
	defer span.End()
	fail := func(reason string, err error) (*types.TestResult, error) {
		metrics.RecordRejection(reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, types.NewExecutionError(tc.Framework, err)
	}

	if err := tc.Validate(); err != nil {
		return fail(metrics.ReasonInvalidContext, err)
	}
	r, err := c.registry.Resolve(tc.Framework)
	if err != nil {
		c.log.Warn("Unknown test framework", "framework", tc.Framework, "known", c.registry.Names())
		return fail(metrics.ReasonResolution, err)
	}
	release, err := c.acquire(ctx, false)
	if err != nil {
		return fail(metrics.ReasonBusy, err)
	}
	defer release()

	start := time.Now()
	result, err := runner.WithLegacy(r).ExecuteParameters(ctx, params)
	if result == nil && err != nil {
		return fail(rejectionReason(err), err)
	}

	metrics.RecordBlockingExecution(r.Name(), result, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.consume(Report{
		Framework: r.Name(),
		Context:   tc,
		Result:    result,
		Err:       err,
	})
	return result, err
}

// BatchResult is the outcome of one context of a batch
type BatchResult struct {
	Context types.TestExecutionContext
	Result  *types.TestResult
	Err     error
}

// RunBatch runs the given contexts with bounded parallelism and returns
// their outcomes in input order. Executions queue on the concurrency cap
// instead of failing. Cancelling ctx terminates the executions still
// running.
func (c *Coordinator) RunBatch(ctx context.Context, contexts []types.TestExecutionContext) []BatchResult {
	results := make([]BatchResult, len(contexts))
	p := pool.New().WithMaxGoroutines(c.batchSize)
	for i, tc := range contexts {
		p.Go(func() {
			results[i] = c.runOne(ctx, tc)
		})
	}
	p.Wait()
	return results
}

func (c *Coordinator) runOne(ctx context.Context, tc types.TestExecutionContext) BatchResult {
	out := BatchResult{Context: tc}
	e, done, err := c.start(ctx, tc, true)
	if err != nil {
		out.Err = err
		return out
	}
	defer func() { _ = e.Release() }()

	result, err := e.Result(ctx)
	if ctx.Err() != nil && result == nil {
		_ = e.Terminate()
		result, err = e.Result(context.Background())
	}
	<-done
	out.Result, out.Err = result, err
	return out
}

// Lookup returns the running execution with the given ID
func (c *Coordinator) Lookup(id string) (*runner.Execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.running[id]
	return e, ok
}

// Running returns the IDs of the running executions in sorted order
func (c *Coordinator) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every started execution finished and was reported
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close terminates the running executions and waits until they were
// reported
func (c *Coordinator) Close() error {
	c.mu.Lock()
	running := make([]*runner.Execution, 0, len(c.running))
	for _, e := range c.running {
		running = append(running, e)
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range running {
		c.log.Info("Terminating test execution", "execution", e.ID(), "framework", e.Framework())
		if err := e.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}

func rejectionReason(err error) string {
	switch {
	case types.IsInvalidContextError(err):
		return metrics.ReasonInvalidContext
	case types.IsProcessStartError(err):
		return metrics.ReasonStart
	case types.IsResolutionError(err):
		return metrics.ReasonResolution
	case errors.Is(err, ErrTooManyExecutions):
		return metrics.ReasonBusy
	default:
		return metrics.ReasonOther
	}
}
