package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed       = errors.New("transport closed")
	ErrEmptyMessage = errors.New("empty outbound message")
)

// Transport carries JSON-RPC messages between a renderer and its page view.
type Transport interface {
	// Recv returns the channel of incoming messages. It is closed when the
	// peer goes away or the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if the transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport and blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close shuts the transport down. Queued sends are flushed first.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message.
type InboundMessage struct {
	// Request is set if the message carries an id.
	Request *Request

	// Notification is set if the message has no id.
	Notification *Notification

	// Raw holds the original bytes.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	Response     *Response
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage. Failures are returned
// as *Error so they can be echoed back to the peer.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var head struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  string          `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, NewError(ParseError, "Parse error", err.Error())
	}
	if head.JSONRPC != Version {
		return nil, NewError(InvalidRequest, "Invalid Request", "jsonrpc must be 2.0")
	}
	if head.Method == "" {
		return nil, NewError(InvalidRequest, "Invalid Request", "method is required")
	}

	msg := &InboundMessage{Raw: data}
	if len(head.ID) > 0 && string(head.ID) != "null" {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, NewError(ParseError, "Parse error", err.Error())
		}
		msg.Request = &req
		return msg, nil
	}

	var notif Notification
	if err := json.Unmarshal(data, &notif); err != nil {
		return nil, NewError(ParseError, "Parse error", err.Error())
	}
	msg.Notification = &notif
	return msg, nil
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg == nil:
		return nil, ErrEmptyMessage
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, ErrEmptyMessage
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 256
	SendBufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	return c
}
