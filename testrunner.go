// Package testrunner wires the framework registry, the execution
// coordinator and its transports into the op-testrunner service.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/frameworks"
	"github.com/ethereum-optimism/infra/op-testrunner/logging"
	"github.com/ethereum-optimism/infra/op-testrunner/metrics"
	"github.com/ethereum-optimism/infra/op-testrunner/registry"
	"github.com/ethereum-optimism/infra/op-testrunner/rpc"
	"github.com/ethereum-optimism/infra/op-testrunner/service"
)

// Server implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = (*Server)(nil)

// Server serves test executions over JSON-RPC until stopped
type Server struct {
	config  *Config
	version string
	core    *core
	rpc     *rpc.Server
	service *service.Service

	metricsServer *httputil.HTTPServer
	stopped       atomic.Bool
}

// core is the part shared by the server and one-shot runs
type core struct {
	registry    *registry.Registry
	coordinator *coordinator.Coordinator
	fileLogger  *logging.FileLogger
}

func newCore(config *Config) (*core, error) {
	reg := registry.NewRegistry(registry.Config{Log: config.Log})
	if err := frameworks.Register(reg, config.Frameworks, config.RunnerOptions()); err != nil {
		return nil, fmt.Errorf("failed to register frameworks: %w", err)
	}

	fileLogger, err := logging.NewFileLogger(config.LogDir, config.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create file logger: %w", err)
	}

	coord, err := coordinator.New(coordinator.Config{
		Registry:         reg,
		MaxConcurrent:    config.MaxConcurrent,
		BatchConcurrency: config.BatchConcurrency,
		Sinks:            []coordinator.ResultSink{fileLogger},
		Log:              config.Log,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create coordinator: %w", err), fileLogger.Close())
	}

	config.Log.Info("Registered test frameworks", "frameworks", reg.Names(), "logdir", config.LogDir)
	return &core{registry: reg, coordinator: coord, fileLogger: fileLogger}, nil
}

// close terminates running executions and flushes the logs
func (c *core) close() error {
	return errors.Join(c.coordinator.Close(), c.fileLogger.Close())
}

func New(config *Config, version string) (*Server, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating test runner with config",
		"frameworksConfig", config.FrameworksConfig,
		"logDir", config.LogDir,
		"maxConcurrent", config.MaxConcurrent,
		"rpcPort", config.Service.RPCPort)

	c, err := newCore(config)
	if err != nil {
		return nil, err
	}

	rpcServer, err := rpc.NewServer(rpc.Config{
		Coordinator:     c.coordinator,
		Registry:        c.registry,
		ResultCacheSize: config.ResultCacheSize,
		Log:             config.Log,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create rpc server: %w", err), c.close())
	}

	healthz := service.NewHealthzServer(config.Log, func() service.Status {
		return service.Status{
			Status:     "ok",
			Version:    version,
			Frameworks: c.registry.Names(),
			Running:    len(c.coordinator.Running()),
		}
	})

	return &Server{
		config:  config,
		version: version,
		core:    c,
		rpc:     rpcServer,
		service: service.New(config.Service, healthz, rpcServer, config.Log),
	}, nil
}

// Start implements the cliapp.Lifecycle interface.
func (s *Server) Start(ctx context.Context) error {
	s.config.Log.Info("Starting op-testrunner", "version", s.version)

	if s.config.MetricsConfig.Enabled {
		metricsCfg := s.config.MetricsConfig
		s.config.Log.Info("Starting metrics server", "addr", metricsCfg.ListenAddr, "port", metricsCfg.ListenPort)
		metricsServer, err := opmetrics.StartServer(metrics.Registry, metricsCfg.ListenAddr, metricsCfg.ListenPort)
		if err != nil {
			return NewRuntimeError(fmt.Errorf("failed to start metrics server: %w", err))
		}
		s.config.Log.Info("Started metrics server", "endpoint", metricsServer.Addr())
		s.metricsServer = metricsServer
	}

	s.service.Start(ctx)
	return nil
}

// Stop stops accepting requests, terminates the running executions and
// waits until they were logged.
// Stop implements the cliapp.Lifecycle interface.
func (s *Server) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-testrunner")

	var result error
	if err := s.service.Shutdown(ctx); err != nil {
		result = errors.Join(result, err)
	}
	if err := s.core.close(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to stop executions: %w", err))
	}
	if err := s.rpc.Close(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to release executions: %w", err))
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}

	s.stopped.Store(true)
	s.config.Log.Info("op-testrunner stopped")
	return result
}

// Stopped implements the cliapp.Lifecycle interface.
func (s *Server) Stopped() bool {
	return s.stopped.Load()
}
