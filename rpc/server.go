// Package rpc exposes the test execution coordinator over JSON-RPC 2.0.
//
// Requests are accepted as HTTP POST bodies on "/" and as text messages on
// the "/ws" websocket endpoint. Only websocket clients receive the
// testing/output and testing/result notifications of the executions they
// started; HTTP clients poll testing/result instead.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/cors"
	"github.com/sourcegraph/conc"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/metrics"
	"github.com/ethereum-optimism/infra/op-testrunner/process"
	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

const (
	MethodFrameworks  = "testing/frameworks"
	MethodRun         = "testing/run"
	MethodRunBlocking = "testing/runBlocking"
	MethodTerminate   = "testing/terminate"
	MethodResult      = "testing/result"
	MethodRunning     = "testing/running"
	MethodDiscover    = "testing/discover"
	MethodStatus      = "testing/status"

	NotificationOutput = "testing/output"
	NotificationResult = "testing/result"
)

const (
	DefaultResultCacheSize = 256

	maxRequestBodySize = 1024 * 1024
	wsWriteTimeout     = 10 * time.Second
	wsQueueSize        = 256
)

// RunResponse is the result of testing/run
type RunResponse struct {
	ExecutionID string `json:"executionId"`
}

// ExecutionParams identifies an execution in testing/terminate,
// testing/result and testing/status
type ExecutionParams struct {
	ExecutionID string `json:"executionId"`
}

// TerminateResponse reports whether a running execution was terminated
type TerminateResponse struct {
	Terminated bool `json:"terminated"`
}

// StatusResponse describes the process of an execution
type StatusResponse struct {
	process.Info
	Framework string `json:"framework"`
}

// OutputNotification carries one line of output of a running execution
type OutputNotification struct {
	ExecutionID string `json:"executionId"`
	Stream      string `json:"stream"`
	Text        string `json:"text"`
}

// ResultNotification is sent once an execution finished
type ResultNotification struct {
	ExecutionID string            `json:"executionId"`
	Result      *types.TestResult `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Config configures a Server
type Config struct {
	Coordinator *coordinator.Coordinator
	Registry    *registry.Registry
	// ResultCacheSize bounds the finished executions kept for
	// testing/result. Evicted executions are released.
	ResultCacheSize int
	Log             log.Logger
}

type finishedExecution struct {
	execution *runner.Execution
	result    *types.TestResult
	err       error
}

// notifier delivers server initiated messages to a client
type notifier func(method string, params interface{})

type Server struct {
	coordinator *coordinator.Coordinator
	registry    *registry.Registry
	log         log.Logger
	upgrader    websocket.Upgrader
	results     *lru.Cache[string, *finishedExecution]

	mu       sync.Mutex
	pending  map[string]*runner.Execution
	conns    map[*wsConn]struct{}
	trackers conc.WaitGroup

	httpServer *http.Server
}

// NewServer creates a server for the executions of cfg.Coordinator
func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
	}
	size := cfg.ResultCacheSize
	if size <= 0 {
		size = DefaultResultCacheSize
	}

	results, err := lru.NewWithEvict(size, func(id string, f *finishedExecution) {
		if err := f.execution.Release(); err != nil {
			logger.Warn("Failed to release execution", "execution", id, "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	return &Server{
		coordinator: cfg.Coordinator,
		registry:    cfg.Registry,
		log:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		results: results,
		pending: make(map[string]*runner.Execution),
		conns:   make(map[*wsConn]struct{}),
	}, nil
}

// Handler returns the HTTP handler serving both endpoints
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.HandleRPC).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleWS).Methods(http.MethodGet)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// Start serves the endpoints on addr until Shutdown is called
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.log.Info("Starting RPC server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes the websocket connections
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.close()
	}
	return err
}

// Close waits for the pending executions to be reported and releases the
// cached ones. Terminate running executions through the coordinator first.
func (s *Server) Close() error {
	s.trackers.Wait()
	s.results.Purge()
	return nil
}

func (s *Server) HandleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		s.log.Error("Failed to read request body", "err", err)
		writeRPCRes(w, NewRPCErrorRes(nil, ErrInvalidRequest("failed to read request body")))
		return
	}

	res, after := s.handleMessage(r.Context(), body, nil)
	writeRPCRes(w, res)
	if after != nil {
		after()
	}
}

func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade websocket connection", "err", err)
		return
	}
	c := newWSConn(s, conn)

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	c.serve(context.Background())
}

func writeRPCRes(w http.ResponseWriter, res *RPCRes) {
	w.Header().Set("content-type", "application/json")
	status := http.StatusOK
	if res.IsError() && (res.Error.Code == JSONRPCErrorParse || res.Error.Code == JSONRPCErrorInvalidRequest) {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Error("Failed to write RPC response", "err", err)
	}
}

// handleMessage parses and dispatches one raw request. The returned
// function, if any, must be called after the response was written.
func (s *Server) handleMessage(ctx context.Context, body []byte, notify notifier) (*RPCRes, func()) {
	if IsBatch(body) {
		return NewRPCErrorRes(nil, ErrInvalidRequest("batch requests are not supported")), nil
	}
	req, err := ParseRPCReq(body)
	if err != nil {
		s.log.Info("Received unparseable request", "err", err)
		metrics.RecordError("rpc parse")
		return NewRPCErrorRes(nil, err), nil
	}
	if err := ValidateRPCReq(req); err != nil {
		return NewRPCErrorRes(nil, err), nil
	}
	return s.handle(ctx, req, notify)
}

func (s *Server) handle(ctx context.Context, req *RPCReq, notify notifier) (*RPCRes, func()) {
	s.log.Debug("Handling RPC request", "method", req.Method, "id", string(req.ID))

	var (
		result interface{}
		after  func()
		err    error
	)
	switch req.Method {
	case MethodFrameworks:
		result = s.registry.Names()
	case MethodRunning:
		result = s.coordinator.Running()
	case MethodRun:
		result, after, err = s.run(ctx, req, notify)
	case MethodRunBlocking:
		result, err = s.runBlocking(ctx, req)
	case MethodTerminate:
		result, err = s.terminate(req)
	case MethodResult:
		result, err = s.result(ctx, req)
	case MethodDiscover:
		result, err = s.discover(req)
	case MethodStatus:
		result, err = s.status(req)
	default:
		err = ErrMethodNotFound(req.Method)
	}

	if err != nil {
		rpcErr := toRPCErr(err)
		s.log.Debug("RPC request failed", "method", req.Method, "code", rpcErr.Code, "err", err)
		return NewRPCErrorRes(req.ID, rpcErr), nil
	}
	return NewRPCRes(req.ID, result), after
}

func (s *Server) run(ctx context.Context, req *RPCReq, notify notifier) (interface{}, func(), error) {
	var tc types.TestExecutionContext
	if err := decodeParams(req.Params, &tc); err != nil {
		return nil, nil, err
	}
	e, reported, err := s.coordinator.Dispatch(ctx, tc)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	s.pending[e.ID()] = e
	s.mu.Unlock()

	// Output is streamed once the client knows the execution ID
	after := func() {
		if notify != nil {
			s.streamOutput(ctx, e, notify)
		}
		s.track(e, reported, notify)
	}
	return &RunResponse{ExecutionID: e.ID()}, after, nil
}

// streamOutput notifies output lines until the process finished or the
// client went away
func (s *Server) streamOutput(ctx context.Context, e *runner.Execution, notify notifier) {
	streams := []*process.Stream{e.Stdout(), e.Stderr()}
	for _, stream := range streams {
		name := stream.Name()
		err := stream.Attach(process.LineListener(func(line string) {
			notify(NotificationOutput, &OutputNotification{
				ExecutionID: e.ID(),
				Stream:      name,
				Text:        line,
			})
		}))
		if err != nil {
			s.log.Warn("Failed to stream execution output", "execution", e.ID(), "stream", name, "err", err)
		}
	}

	s.trackers.Go(func() {
		select {
		case <-e.Done():
		case <-ctx.Done():
			for _, stream := range streams {
				stream.Detach()
			}
			s.log.Debug("Stopped streaming execution output", "execution", e.ID())
		}
	})
}

// track moves e into the result cache once the coordinator reported it
func (s *Server) track(e *runner.Execution, reported <-chan struct{}, notify notifier) {
	s.trackers.Go(func() {
		<-reported
		result, err := e.Result(context.Background())

		s.mu.Lock()
		delete(s.pending, e.ID())
		s.results.Add(e.ID(), &finishedExecution{execution: e, result: result, err: err})
		s.mu.Unlock()

		if notify == nil {
			return
		}
		n := &ResultNotification{ExecutionID: e.ID(), Result: result}
		if err != nil {
			n.Error = err.Error()
		}
		notify(NotificationResult, n)
	})
}

func (s *Server) runBlocking(ctx context.Context, req *RPCReq) (interface{}, error) {
	var params map[string]string
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	result, err := s.coordinator.RunTestsBlocking(ctx, params)
	if result == nil {
		return nil, err
	}
	// Parse failures and terminations are described by the result itself
	return result, nil
}

func (s *Server) terminate(req *RPCReq) (interface{}, error) {
	var params ExecutionParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	if e, ok := s.coordinator.Lookup(params.ExecutionID); ok {
		if err := e.Terminate(); err != nil {
			return nil, err
		}
		// A process that exited on its own is still listed until collected
		killed := e.State() == process.StateKilled
		if killed {
			s.log.Info("Terminated test execution", "execution", params.ExecutionID)
		}
		return &TerminateResponse{Terminated: killed}, nil
	}
	if _, _, ok := s.lookup(params.ExecutionID); ok {
		return &TerminateResponse{Terminated: false}, nil
	}
	return nil, ErrUnknownExecution
}

func (s *Server) status(req *RPCReq) (interface{}, error) {
	var params ExecutionParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	e, ok := s.coordinator.Lookup(params.ExecutionID)
	if !ok {
		running, finished, found := s.lookup(params.ExecutionID)
		switch {
		case !found:
			return nil, ErrUnknownExecution
		case running != nil:
			e = running
		default:
			e = finished.execution
		}
	}
	return &StatusResponse{Info: e.Info(), Framework: e.Framework()}, nil
}

// result waits for the execution to finish if it is still running
func (s *Server) result(ctx context.Context, req *RPCReq) (interface{}, error) {
	var params ExecutionParams
	if err := decodeParams(req.Params, &params); err != nil {
		return nil, err
	}
	running, finished, ok := s.lookup(params.ExecutionID)
	if !ok {
		return nil, ErrUnknownExecution
	}
	if finished != nil {
		return resultOrErr(finished.result, finished.err)
	}
	result, err := running.Result(ctx)
	return resultOrErr(result, err)
}

func (s *Server) discover(req *RPCReq) (interface{}, error) {
	var tc types.TestExecutionContext
	if err := decodeParams(req.Params, &tc); err != nil {
		return nil, err
	}
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	r, err := s.registry.Resolve(tc.Framework)
	if err != nil {
		return nil, err
	}
	tests, err := runner.Discover(r, tc)
	if err != nil {
		return nil, err
	}
	if tests == nil {
		tests = []string{}
	}
	return tests, nil
}

func (s *Server) lookup(id string) (*runner.Execution, *finishedExecution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[id]; ok {
		return e, nil, true
	}
	if f, ok := s.results.Get(id); ok {
		return nil, f, true
	}
	return nil, nil, false
}

func resultOrErr(result *types.TestResult, err error) (interface{}, error) {
	if result == nil {
		return nil, err
	}
	return result, nil
}
