package rpc

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	JSONRPCVersion = "2.0"

	JSONRPCErrorParse          = -32700
	JSONRPCErrorInvalidRequest = -32600
	JSONRPCErrorMethodNotFound = -32601
	JSONRPCErrorInvalidParams  = -32602
	JSONRPCErrorInternal       = -32603

	// Test execution errors
	JSONRPCErrorResolution           = -32000
	JSONRPCErrorProcessStart         = -32001
	JSONRPCErrorTerminated           = -32002
	JSONRPCErrorUnknownExecution     = -32003
	JSONRPCErrorTooManyExecutions    = -32004
	JSONRPCErrorDiscoveryUnavailable = -32005
)

var (
	ErrParseErr = &RPCErr{
		Code:    JSONRPCErrorParse,
		Message: "parse error",
	}
	ErrUnknownExecution = &RPCErr{
		Code:    JSONRPCErrorUnknownExecution,
		Message: "unknown execution",
	}
)

type RPCReq struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type RPCRes struct {
	JSONRPC string
	Result  interface{}
	Error   *RPCErr
	ID      json.RawMessage
}

type rpcResJSON struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *RPCErr         `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type nullResultRPCRes struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result"`
	ID      json.RawMessage `json:"id"`
}

func (r *RPCRes) IsError() bool {
	return r.Error != nil
}

func (r *RPCRes) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if r.Result == nil && r.Error == nil {
		return json.Marshal(&nullResultRPCRes{
			JSONRPC: r.JSONRPC,
			Result:  nil,
			ID:      id,
		})
	}

	return json.Marshal(&rpcResJSON{
		JSONRPC: r.JSONRPC,
		Result:  r.Result,
		Error:   r.Error,
		ID:      id,
	})
}

// RPCNotification is a server initiated message without an ID
type RPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type RPCErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (r *RPCErr) Error() string {
	return r.Message
}

func ErrInvalidRequest(msg string) *RPCErr {
	return &RPCErr{
		Code:    JSONRPCErrorInvalidRequest,
		Message: msg,
	}
}

func ErrInvalidParams(msg string) *RPCErr {
	return &RPCErr{
		Code:    JSONRPCErrorInvalidParams,
		Message: msg,
	}
}

func ErrMethodNotFound(method string) *RPCErr {
	return &RPCErr{
		Code:    JSONRPCErrorMethodNotFound,
		Message: "method not found",
		Data:    method,
	}
}

func IsValidID(id json.RawMessage) bool {
	// handle the case where the ID is a string
	if strings.HasPrefix(string(id), "\"") && strings.HasSuffix(string(id), "\"") {
		return len(id) > 2
	}

	// technically allows a boolean/null ID, but so does Geth
	return len(id) > 0 && id[0] != '{' && id[0] != '['
}

func ParseRPCReq(body []byte) (*RPCReq, error) {
	req := new(RPCReq)
	if err := json.Unmarshal(body, req); err != nil {
		return nil, ErrParseErr
	}

	return req, nil
}

func ValidateRPCReq(req *RPCReq) error {
	if req.JSONRPC != JSONRPCVersion {
		return ErrInvalidRequest("invalid JSON-RPC version")
	}

	if req.Method == "" {
		return ErrInvalidRequest("no method specified")
	}

	if !IsValidID(req.ID) {
		return ErrInvalidRequest("invalid ID")
	}

	return nil
}

func NewRPCErrorRes(id json.RawMessage, err error) *RPCRes {
	var rpcErr *RPCErr
	if rr, ok := err.(*RPCErr); ok {
		rpcErr = rr
	} else {
		rpcErr = &RPCErr{
			Code:    JSONRPCErrorInternal,
			Message: err.Error(),
		}
	}

	return &RPCRes{
		JSONRPC: JSONRPCVersion,
		Error:   rpcErr,
		ID:      id,
	}
}

func NewRPCRes(id json.RawMessage, result interface{}) *RPCRes {
	return &RPCRes{
		JSONRPC: JSONRPCVersion,
		Result:  result,
		ID:      id,
	}
}

func IsBatch(raw []byte) bool {
	for _, c := range raw {
		// skip insignificant whitespace (http://www.ietf.org/rfc/rfc4627.txt)
		if c == 0x20 || c == 0x09 || c == 0x0a || c == 0x0d {
			continue
		}
		return c == '['
	}
	return false
}

// decodeParams accepts the parameters as an object or as a single element
// positional array
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ErrInvalidParams("missing params")
	}
	if raw[0] == '[' {
		var positional []json.RawMessage
		if err := json.Unmarshal(raw, &positional); err != nil {
			return ErrInvalidParams(err.Error())
		}
		if len(positional) != 1 {
			return ErrInvalidParams("expected exactly one parameter")
		}
		raw = positional[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return ErrInvalidParams(err.Error())
	}
	return nil
}
