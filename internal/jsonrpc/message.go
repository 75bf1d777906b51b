// Package jsonrpc implements a bidirectional JSON-RPC 2.0 connection over a
// websocket. Either side may call methods registered by the other.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

var (
	// ErrClosed is returned for calls on a connection that has been closed.
	ErrClosed = errors.New("connection is closed")
	// ErrTimeout is returned when no response arrives within the request timeout.
	ErrTimeout = errors.New("request timed out")
)

// Error is a JSON-RPC error object. Handlers may return one to control the
// code sent to the peer.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// InvalidParams builds an Error with the invalid params code.
func InvalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (m *message) isRequest() bool {
	return m.Method != ""
}

func (m *message) isNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// idKey normalizes a raw id so that 1 and "1" match the same pending call.
func idKey(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch id := v.(type) {
	case float64:
		return fmt.Sprintf("%.0f", id)
	case string:
		return id
	default:
		return string(raw)
	}
}

func errorResponse(id json.RawMessage, err *Error) *message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &message{JSONRPC: version, ID: id, Error: err}
}

func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}
