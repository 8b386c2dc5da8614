package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"muxrpc/message"
)

var (
	// ErrClosed is reported for calls made after the connection was closed locally.
	ErrClosed = errors.New("connection is closed")

	// ErrDuplicateID is reported when an identifier is already outstanding.
	ErrDuplicateID = errors.New("identifier already outstanding")

	ErrListenerExists   = errors.New("listener already installed")
	ErrListenerNotFound = errors.New("no listener installed")
)

// TransportError means the physical layer failed to send, the connection went
// away before a response arrived, or the caller's context ended first.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ApplicationError is a structured error reported by the remote side for one
// request. It is surfaced verbatim.
type ApplicationError struct {
	ID      message.ID
	Method  string
	Code    int64
	Message string
	Data    json.RawMessage
}

func newApplicationError(id message.ID, method string, obj *message.ErrorObject) *ApplicationError {
	return &ApplicationError{ID: id, Method: method, Code: obj.Code, Message: obj.Message, Data: obj.Data}
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("rpc: %s (id %s) failed: code %d: %s", e.Method, e.ID, e.Code, e.Message)
}

// DecodeError means a successful response could not be converted into the
// type the caller asked for.
type DecodeError struct {
	ID     message.ID
	Method string
	Raw    json.RawMessage
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rpc: decode %s (id %s) result: %v", e.Method, e.ID, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RegistryError is returned by listener install and uninstall.
type RegistryError struct {
	Op  string
	Key SubscriptionKey
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }
