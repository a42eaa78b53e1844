package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements Transport over one WebSocket connection. A
// renderer page view holds exactly one.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv    chan *InboundMessage
	send    chan *OutboundMessage
	done    chan struct{}
	flushed chan struct{}

	mu        sync.Mutex
	closed    bool
	running   bool
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config // Embed base config

	// WriteTimeout for write operations.
	WriteTimeout time.Duration

	// ReadTimeout for read operations (0 = no timeout). Pongs extend it.
	ReadTimeout time.Duration

	// MaxMessageSize limits incoming message size.
	MaxMessageSize int64

	// PingInterval for keepalive pings (0 = disabled).
	PingInterval time.Duration
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    0,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport creates a transport from an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	t := &WebSocketTransport{
		conn:    conn,
		config:  cfg,
		recv:    make(chan *InboundMessage, cfg.RecvBufferSize),
		send:    make(chan *OutboundMessage, cfg.SendBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	if cfg.ReadTimeout > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}
	return t
}

// NewWebSocketUpgrader creates an upgrader for renderer connections. An empty
// origins list accepts every origin.
func NewWebSocketUpgrader(origins ...string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run starts the read and write loops and blocks until ctx is cancelled, the
// transport is closed, or the peer disconnects. A peer disconnect returns nil.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.running {
		t.mu.Unlock()
		return errors.New("transport already running")
	}
	t.running = true
	t.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readLoop()
	}()
	go func() {
		defer wg.Done()
		t.writeLoop()
	}()

	select {
	case <-ctx.Done():
		t.Close()
		wg.Wait()
		return ctx.Err()
	case <-t.done:
		wg.Wait()
		return nil
	}
}

// Close stops accepting sends, flushes the queue and closes the connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	running := t.running
	t.mu.Unlock()

	if !running {
		t.drainSendQueue()
		return t.closeConn()
	}
	<-t.flushed
	return nil
}

func (t *WebSocketTransport) closeConn() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// readLoop feeds recv until the connection fails. A failed read means the
// peer is gone, so the transport closes itself.
func (t *WebSocketTransport) readLoop() {
	defer close(t.recv)
	defer func() { go t.Close() }()

	for {
		if t.config.ReadTimeout > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.sendParseError(data, parseErr)
			continue
		}

		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

// writeLoop writes queued messages and pings. Once the transport is closed it
// flushes what is left and closes the connection.
func (t *WebSocketTransport) writeLoop() {
	defer close(t.flushed)

	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-t.done:
			t.drainSendQueue()
			t.closeConn()
			return
		case <-ping:
			t.writeMu.Lock()
			t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			t.writeMu.Unlock()
		case msg := <-t.send:
			t.writeMessage(msg)
		}
	}
}

func (t *WebSocketTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			t.writeMessage(msg)
		default:
			return
		}
	}
}

func (t *WebSocketTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}

// sendParseError answers a message that could not be parsed, echoing its id
// when one can be recovered.
func (t *WebSocketTransport) sendParseError(raw []byte, parseErr error) {
	t.Send(Failure(recoverID(raw), asError(parseErr)))
}

func recoverID(raw []byte) interface{} {
	var partial struct {
		ID interface{} `json:"id"`
	}
	json.Unmarshal(raw, &partial)
	return partial.ID
}

func asError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewError(ParseError, "Parse error", err.Error())
}
