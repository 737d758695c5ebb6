package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testrunner/metrics"
	"github.com/ethereum-optimism/infra/op-testrunner/rpc"
)

// Config holds the listen addresses of the service endpoints
type Config struct {
	HealthzHost string
	HealthzPort int
	RPCHost     string
	RPCPort     int
}

// Service runs the HTTP endpoints: health checks and the JSON-RPC server
type Service struct {
	Healthz *HealthzServer
	RPC     *rpc.Server

	cfg Config
	log log.Logger
}

func New(cfg Config, healthz *HealthzServer, rpcServer *rpc.Server, logger log.Logger) *Service {
	if logger == nil {
		logger = log.New()
	}
	return &Service{
		Healthz: healthz,
		RPC:     rpcServer,
		cfg:     cfg,
		log:     logger,
	}
}

// Start serves the endpoints in the background. Listen failures are logged
// and recorded as errors.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("service starting")

	go func() {
		addr := net.JoinHostPort(s.cfg.HealthzHost, strconv.Itoa(s.cfg.HealthzPort))
		s.log.Info("starting healthz server", "addr", addr)
		if err := s.Healthz.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("error starting healthz server", "err", err)
			metrics.RecordErrorDetails("error starting healthz server", err)
		}
	}()

	go func() {
		addr := net.JoinHostPort(s.cfg.RPCHost, strconv.Itoa(s.cfg.RPCPort))
		if err := s.RPC.Start(addr); err != nil {
			s.log.Error("error starting rpc server", "err", err)
			metrics.RecordErrorDetails("error starting rpc server", err)
		}
	}()

	s.log.Info("service started")
}

// Shutdown stops accepting requests. Executions keep running.
func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("service shutting down")

	var result error
	if err := s.RPC.Shutdown(ctx); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to stop rpc server: %w", err))
	}
	s.log.Info("rpc stopped")

	if err := s.Healthz.Shutdown(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to stop healthz server: %w", err))
	}
	s.log.Info("healthz stopped")

	s.log.Info("service stopped")
	return result
}
