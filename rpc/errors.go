package rpc

import (
	"errors"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

// toRPCErr maps test execution errors to their JSON-RPC error codes
func toRPCErr(err error) *RPCErr {
	var rpcErr *RPCErr
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := JSONRPCErrorInternal
	switch {
	case types.IsInvalidContextError(err):
		code = JSONRPCErrorInvalidParams
	case types.IsResolutionError(err):
		code = JSONRPCErrorResolution
	case types.IsProcessStartError(err):
		code = JSONRPCErrorProcessStart
	case types.IsProcessTerminatedError(err):
		code = JSONRPCErrorTerminated
	case errors.Is(err, coordinator.ErrTooManyExecutions):
		code = JSONRPCErrorTooManyExecutions
	case errors.Is(err, runner.ErrDiscoveryUnsupported):
		code = JSONRPCErrorDiscoveryUnavailable
	}
	return &RPCErr{
		Code:    code,
		Message: err.Error(),
	}
}
