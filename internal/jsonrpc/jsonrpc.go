// Package jsonrpc implements the JSON-RPC 2.0 framing shared by the
// operator stdio channel, the codex child session and the comms HTTP
// service. MCP rides on this codec on all three surfaces.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Version is the JSON-RPC version used by MCP.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"` // string, number, or null
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("JSON-RPC error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// IDGenerator generates unique request IDs.
type IDGenerator struct {
	counter atomic.Int64
}

// Next returns the next request ID.
func (g *IDGenerator) Next() int64 {
	return g.counter.Add(1)
}

// NewRequest creates a request with marshaled params.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewNotification creates a request without an ID (no response expected).
func NewNotification(method string, params any) (*Request, error) {
	req, err := NewRequest(nil, method, params)
	if err != nil {
		return nil, err
	}
	req.ID = nil
	return req, nil
}

// NewResponse creates a successful response.
func NewResponse(id any, result any) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// UnmarshalRequest parses a JSON-RPC request and validates the version.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "failed to parse JSON-RPC request", Data: err.Error()}
	}
	if req.JSONRPC != Version {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", req.JSONRPC)}
	}
	return &req, nil
}

// UnmarshalResponse parses a JSON-RPC response and validates the version.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &RPCError{Code: CodeParseError, Message: "failed to parse JSON-RPC response", Data: err.Error()}
	}
	if resp.JSONRPC != Version {
		return nil, &RPCError{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: %q", resp.JSONRPC)}
	}
	return &resp, nil
}

// IsNotification reports whether the request carries no ID.
func (r *Request) IsNotification() bool { return r.ID == nil }

// IsError reports whether the response contains an error.
func (r *Response) IsError() bool { return r.Error != nil }

// ParamsInto unmarshals the request params into target.
func (r *Request) ParamsInto(target any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, target)
}

// ResultInto re-marshals the response result into target. The result arrives
// as any after generic decoding, so a JSON round-trip is the safe path.
func (r *Response) ResultInto(target any) error {
	data, err := json.Marshal(r.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
