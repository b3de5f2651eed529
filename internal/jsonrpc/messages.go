// Package jsonrpc holds the minimal JSON-RPC 2.0 plumbing the HTTP front-end
// needs: peeking at inbound bodies to learn the method and id without
// interpreting them, and shaping protocol-level error responses. Full message
// handling belongs to the MCP SDK; nothing here round-trips payloads.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Message is the envelope of a single inbound JSON-RPC message. Params are
// retained raw; only tools/call arguments are ever looked into.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && !m.ID.IsNil()
}

// ToolName extracts params.name from a tools/call message. Empty for anything
// else or when params are malformed.
func (m *Message) ToolName() string {
	if m.Method != "tools/call" || len(m.Params) == 0 {
		return ""
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(m.Params, &params); err != nil {
		return ""
	}
	return params.Name
}

// Peek decodes an inbound body into its constituent messages without
// validating params. A batch array yields one Message per element.
func Peek(body []byte) ([]Message, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty request body")
	}

	if trimmed[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("invalid JSON-RPC batch: %w", err)
		}
		if len(msgs) == 0 {
			return nil, fmt.Errorf("empty JSON-RPC batch")
		}
		return msgs, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON-RPC message: %w", err)
	}
	return []Message{msg}, nil
}

// ContainsMethod reports whether any of the peeked messages carries the
// given method.
func ContainsMethod(msgs []Message, method string) bool {
	for i := range msgs {
		if msgs[i].Method == method {
			return true
		}
	}
	return false
}

// Response is an outbound JSON-RPC response; the front-end only ever emits
// the error flavor.
type Response struct {
	JSONRPCVersion string     `json:"jsonrpc"`
	Error          *Error     `json:"error,omitempty"`
	ID             *RequestID `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// NewErrorResponse builds an error response addressed to the given request id
// (nil when the offending message could not be attributed).
func NewErrorResponse(id *RequestID, code ErrorCode, message string) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
		},
		ID: id,
	}
}
