package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/traitkit/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases used by traitserve. Lower phases run first; handlers sharing a
// phase run concurrently.
const (
	// PhaseListener stops accepting renderer connections.
	PhaseListener = 10

	// PhaseViews tears down open page views.
	PhaseViews = 20

	// PhaseIntake stops the shard relay.
	PhaseIntake = 30

	// PhaseBus closes the message bus connection.
	PhaseBus = 40

	// PhaseSinks flushes and closes diagnostic sinks.
	PhaseSinks = 50
)

// Handler is implemented by components that need graceful shutdown.
type Handler interface {
	// OnShutdown is called once. ctx is cancelled when the timeout is
	// reached.
	OnShutdown(ctx context.Context) error
}

// Func adapts a function to Handler.
type Func func(ctx context.Context) error

// OnShutdown implements Handler.
func (f Func) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult contains the result of a single handler's shutdown.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result contains the complete shutdown result.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is ErrHandlerFailed, ErrTimeout or nil.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0).
	// Default: 30 seconds
	Timeout time.Duration

	// ContinueOnError keeps running later phases after a handler fails.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
