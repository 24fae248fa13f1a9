package entities

import (
	"encoding/json"
	"fmt"
)

// RequestID identifies one outbound request within the lifetime of a broker.
type RequestID uint64

// JSON-RPC error codes used by the host.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeServerNotReady = -32002
)

// RPCError is the error classification delivered to a continuation.
type RPCError struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Code    int             `json:"code"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with the given code.
func NewRPCError(code int, format string, args ...any) *RPCError {
	return &RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Response is the outcome of a request: exactly one of Result or Error is meaningful.
type Response struct {
	Error  *RPCError
	Result json.RawMessage
}

// Decode unmarshals a successful result into v. A nil v discards it.
func (r Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// Continuation receives the response to one request. It runs exactly once.
type Continuation func(Response)

// VersionedTextDocumentIdentifier names a document at a specific version.
type VersionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

// TextDocumentContentChangeEvent is one precomputed edit to a document.
type TextDocumentContentChangeEvent struct {
	Range       *json.RawMessage `json:"range,omitempty"`
	RangeLength *int             `json:"rangeLength,omitempty"`
	Text        string           `json:"text"`
}
