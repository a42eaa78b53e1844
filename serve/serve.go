package serve

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/traitkit/diag"
	"github.com/vinayprograms/traitkit/intake"
	"github.com/vinayprograms/traitkit/loader"
	"github.com/vinayprograms/traitkit/logging"
	"github.com/vinayprograms/traitkit/ratelimit"
	"github.com/vinayprograms/traitkit/transport"
)

// Config configures a Handler.
type Config struct {
	// WebSocket configures each renderer connection.
	WebSocket transport.WebSocketConfig

	// Origins restricts accepted browser origins. Empty accepts all.
	Origins []string

	// CallTimeout bounds each request's wait on the page loop.
	// Default: 10 seconds
	CallTimeout time.Duration

	// Sink receives the diagnostics of every page view.
	Sink diag.Sink

	// Logger for session lifecycle.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WebSocket:   transport.DefaultWebSocketConfig(),
		CallTimeout: 10 * time.Second,
	}
}

// Option wires optional shard feeds into a Handler.
type Option func(*Handler)

// WithLoader loads shards from l into every new page view.
func WithLoader(l *loader.Loader) Option {
	return func(h *Handler) { h.loader = l }
}

// WithRelay forwards bus envelopes from r to every page view.
func WithRelay(r *intake.Relay) Option {
	return func(h *Handler) { h.relay = r }
}

// WithLimiter bounds each page view's submit calls. Buckets are keyed by
// page view id.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(h *Handler) { h.limiter = l }
}

// Handler serves page views. It implements http.Handler for WebSocket
// renderers and ServeTransport for any other transport.
type Handler struct {
	config   Config
	upgrader *websocket.Upgrader
	loader   *loader.Loader
	relay    *intake.Relay
	limiter  ratelimit.Limiter
	log      *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

// NewHandler creates a handler.
func NewHandler(cfg Config, opts ...Option) *Handler {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.WebSocket == (transport.WebSocketConfig{}) {
		cfg.WebSocket = def.WebSocket
	}
	if cfg.Sink == nil {
		cfg.Sink = diag.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	h := &Handler{
		config:   cfg,
		upgrader: transport.NewWebSocketUpgrader(cfg.Origins...),
		log:      cfg.Logger.WithComponent("serve"),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves one page view until the socket
// closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.isClosed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Warn("upgrade_failed", logging.Fields{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}
	t := transport.NewWebSocketTransport(conn, h.config.WebSocket)
	h.ServeTransport(context.Background(), t)
}

// ServeTransport serves one page view over t until the peer goes away, ctx
// ends or the handler shuts down.
func (h *Handler) ServeTransport(ctx context.Context, t transport.Transport) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Close()
		return transport.ErrClosed
	}
	s := newSession(h, t)
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.ID())
		h.mu.Unlock()
		h.wg.Done()
	}()

	return s.run(ctx)
}

// Sessions returns the number of open page views.
func (h *Handler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// OnShutdown refuses new sessions, ends the open ones and waits for them.
func (h *Handler) OnShutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	open := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
