// Package message defines the JSON-RPC 2.0 envelopes exchanged between a
// connection and the remote side.
//
// A Request is the "envelope" for every call. Responses echo the request ID so
// the connection can route them back to the waiting caller; notifications carry
// a subscription key instead of an ID and are routed to push listeners.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version tag carried by every envelope.
const Version = "2.0"

// Request carries the data for a single call. It is immutable once built.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest marshals params once and returns the envelope.
// A nil params value leaves the params member out of the encoding.
func NewRequest(id ID, method string, params any) (*Request, error) {
	if method == "" {
		return nil, errors.New("message: empty method name")
	}
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		return req, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		req.Params = raw
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("message: marshal params for %s: %w", method, err)
	}
	req.Params = raw
	return req, nil
}

// Response is the reply to one Request.
//
//   - On success: Result holds the raw payload, Error is nil.
//   - On failure: Error is set by the remote handler.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// IsError reports whether the remote side answered with an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// ErrorObject is the structured error reported by the remote side.
type ErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Standard error codes used by the server package.
const (
	CodeParseError     int64 = -32700
	CodeInvalidRequest int64 = -32600
	CodeMethodNotFound int64 = -32601
	CodeInvalidParams  int64 = -32602
	CodeInternalError  int64 = -32603
	CodeServerError    int64 = -32000
)

func (e *ErrorObject) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("code %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

// Notification is an unsolicited push frame. It has no ID.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams ties a pushed value to the feed it belongs to.
type NotificationParams struct {
	Subscription SubscriptionKey `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// NewNotification builds a push frame for key. Method is informational only.
func NewNotification(method string, key SubscriptionKey, value any) (*Notification, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("message: marshal notification: %w", err)
	}
	return &Notification{
		JSONRPC: Version,
		Method:  method,
		Params:  NotificationParams{Subscription: key, Result: raw},
	}, nil
}

// EncodeBatch encodes reqs as a single JSON array.
func EncodeBatch(reqs []*Request) ([]byte, error) {
	if len(reqs) == 0 {
		return nil, errors.New("message: empty batch")
	}
	return json.Marshal(reqs)
}
