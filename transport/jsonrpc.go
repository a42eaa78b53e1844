package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Version is the only protocol version accepted.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewError builds an error object.
func NewError(code int, message string, data interface{}) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server error codes used by page view sessions.
const (
	Unavailable  = -32001
	Timeout      = -32002
	PageClosed   = -32003
	NotFound     = -32004
	Rejected     = -32005
	CallbackFail = -32006
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notify builds an outbound notification.
func Notify(method string, params interface{}) *OutboundMessage {
	return &OutboundMessage{Notification: &Notification{JSONRPC: Version, Method: method, Params: params}}
}

// Result builds a successful response.
func Result(id, result interface{}) *OutboundMessage {
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: id, Result: result}}
}

// Failure builds an error response.
func Failure(id interface{}, err *Error) *OutboundMessage {
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: id, Error: err}}
}

// Handler handles JSON-RPC requests and notifications.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

func (f HandlerFunc) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	return f(ctx, method, params)
}

// Mux routes requests to a handler per method.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewMux creates an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]HandlerFunc)}
}

// HandleFunc registers fn for method, replacing any earlier registration.
func (m *Mux) HandleFunc(method string, fn HandlerFunc) {
	m.mu.Lock()
	m.handlers[method] = fn
	m.mu.Unlock()
}

// Methods returns the number of registered methods.
func (m *Mux) Methods() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers)
}

// Handle dispatches to the handler registered for method.
func (m *Mux) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	m.mu.RLock()
	fn, ok := m.handlers[method]
	m.mu.RUnlock()
	if !ok {
		return nil, NewError(MethodNotFound, "Method not found", method)
	}
	return fn(ctx, method, params)
}

// Serve reads messages from t and dispatches them to h, one at a time and in
// arrival order. Requests are answered; notifications are not. Handler errors
// that are not *Error are reported as InternalError. Serve returns nil when
// the peer goes away and ctx.Err() when ctx is cancelled.
func Serve(ctx context.Context, t Transport, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}
			dispatch(ctx, t, h, msg)
		}
	}
}

func dispatch(ctx context.Context, t Transport, h Handler, msg *InboundMessage) {
	if msg.Notification != nil {
		params, _ := json.Marshal(msg.Notification.Params)
		h.Handle(ctx, msg.Notification.Method, params)
		return
	}
	if msg.Request == nil {
		return
	}

	result, err := h.Handle(ctx, msg.Request.Method, msg.Request.Params)
	if err != nil {
		rpcErr, ok := err.(*Error)
		if !ok {
			rpcErr = NewError(InternalError, "Internal error", err.Error())
		}
		t.Send(Failure(msg.Request.ID, rpcErr))
		return
	}
	if result == nil {
		result = struct{}{}
	}
	t.Send(Result(msg.Request.ID, result))
}
