package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
)

// StdioTransport implements Transport over newline-delimited JSON on a
// reader/writer pair. It serves a single page view to an embedding process,
// such as a documentation viewer that drives traitkit over pipes.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	config Config

	recv    chan *InboundMessage
	send    chan *OutboundMessage
	done    chan struct{}
	flushed chan struct{}

	mu      sync.Mutex
	closed  bool
	running bool
	writeMu sync.Mutex
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		reader:  r,
		writer:  w,
		config:  cfg,
		recv:    make(chan *InboundMessage, cfg.RecvBufferSize),
		send:    make(chan *OutboundMessage, cfg.SendBufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// Recv returns the channel for incoming messages. It is closed at EOF.
func (t *StdioTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *StdioTransport) Send(msg *OutboundMessage) error {
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

// Run starts the transport and blocks until ctx is cancelled or Close is
// called.
func (t *StdioTransport) Run(ctx context.Context) error {
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

	// The reader may stay blocked on input after shutdown, so only the
	// writer is waited for.
	go t.readLoop()
	go t.writeLoop()

	select {
	case <-ctx.Done():
		t.Close()
		return ctx.Err()
	case <-t.done:
		<-t.flushed
		return nil
	}
}

// Close stops accepting sends and flushes queued messages.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	running := t.running
	t.mu.Unlock()

	if running {
		<-t.flushed
	} else {
		t.drainSendQueue()
	}
	return nil
}

func (t *StdioTransport) readLoop() {
	defer close(t.recv)

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 1MB max line

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseInbound(append([]byte(nil), line...))
		if err != nil {
			t.Send(Failure(recoverID(line), asError(err)))
			continue
		}

		select {
		case t.recv <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *StdioTransport) writeLoop() {
	defer close(t.flushed)
	for {
		select {
		case <-t.done:
			t.drainSendQueue()
			return
		case msg := <-t.send:
			t.writeMessage(msg)
		}
	}
}

func (t *StdioTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			t.writeMessage(msg)
		default:
			return
		}
	}
}

func (t *StdioTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	t.writer.Write(append(data, '\n'))
	t.writeMu.Unlock()
}
