package rpc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testrunner/coordinator"
	"github.com/ethereum-optimism/infra/op-testrunner/runner"
	"github.com/ethereum-optimism/infra/op-testrunner/types"
)

func TestRPCResJSON(t *testing.T) {
	tests := []struct {
		name string
		in   *RPCRes
		out  string
	}{
		{
			"object result",
			NewRPCRes([]byte("1"), &RunResponse{ExecutionID: "abc"}),
			`{"jsonrpc":"2.0","result":{"executionId":"abc"},"id":1}`,
		},
		{
			"nil result",
			NewRPCRes([]byte(`"x"`), nil),
			`{"jsonrpc":"2.0","result":null,"id":"x"}`,
		},
		{
			"error without ID",
			NewRPCErrorRes(nil, ErrParseErr),
			`{"jsonrpc":"2.0","error":{"code":-32700,"message":"parse error"},"id":null}`,
		},
		{
			"error with data",
			NewRPCErrorRes([]byte("2"), ErrMethodNotFound("testing/foo")),
			`{"jsonrpc":"2.0","error":{"code":-32601,"message":"method not found","data":"testing/foo"},"id":2}`,
		},
		{
			"plain error",
			NewRPCErrorRes([]byte("3"), errors.New("boom")),
			`{"jsonrpc":"2.0","error":{"code":-32603,"message":"boom"},"id":3}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := json.Marshal(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.out, string(out))
		})
	}
}

func TestValidateRPCReq(t *testing.T) {
	tests := []struct {
		name  string
		req   RPCReq
		valid bool
	}{
		{"valid", RPCReq{JSONRPC: "2.0", Method: "m", ID: []byte("1")}, true},
		{"string ID", RPCReq{JSONRPC: "2.0", Method: "m", ID: []byte(`"a"`)}, true},
		{"empty string ID", RPCReq{JSONRPC: "2.0", Method: "m", ID: []byte(`""`)}, false},
		{"object ID", RPCReq{JSONRPC: "2.0", Method: "m", ID: []byte(`{}`)}, false},
		{"missing ID", RPCReq{JSONRPC: "2.0", Method: "m"}, false},
		{"missing method", RPCReq{JSONRPC: "2.0", ID: []byte("1")}, false},
		{"wrong version", RPCReq{JSONRPC: "1.0", Method: "m", ID: []byte("1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRPCReq(&tt.req)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestDecodeParams(t *testing.T) {
	var p ExecutionParams
	require.NoError(t, decodeParams([]byte(`{"executionId":"a"}`), &p))
	assert.Equal(t, "a", p.ExecutionID)

	require.NoError(t, decodeParams([]byte(` [{"executionId":"b"}]`), &p))
	assert.Equal(t, "b", p.ExecutionID)

	for _, raw := range []string{"", "null", `[]`, `[{}, {}]`, `"str"`} {
		err := decodeParams([]byte(raw), &p)
		var rpcErr *RPCErr
		require.ErrorAs(t, err, &rpcErr, raw)
		assert.Equal(t, JSONRPCErrorInvalidParams, rpcErr.Code)
	}
}

func TestToRPCErr(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{types.NewInvalidContextError("no project"), JSONRPCErrorInvalidParams},
		{types.NewResolutionError("Foo"), JSONRPCErrorResolution},
		{types.NewExecutionError("Foo", types.NewResolutionError("Foo")), JSONRPCErrorResolution},
		{types.NewProcessStartError("mvn", errors.New("not found")), JSONRPCErrorProcessStart},
		{types.NewProcessTerminatedError("id"), JSONRPCErrorTerminated},
		{coordinator.ErrTooManyExecutions, JSONRPCErrorTooManyExecutions},
		{runner.ErrDiscoveryUnsupported, JSONRPCErrorDiscoveryUnavailable},
		{ErrUnknownExecution, JSONRPCErrorUnknownExecution},
		{errors.New("other"), JSONRPCErrorInternal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, toRPCErr(tt.err).Code)
		})
	}
}

func TestIsBatch(t *testing.T) {
	assert.True(t, IsBatch([]byte(" \n[{}]")))
	assert.False(t, IsBatch([]byte(`{"a":[]}`)))
	assert.False(t, IsBatch(nil))
}
