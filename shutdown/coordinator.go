package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/traitkit/errors"
	"github.com/vinayprograms/traitkit/logging"
)

// Coordinator runs registered handlers phase by phase.
type Coordinator struct {
	config Config
	log    *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	done   chan struct{}
	result *Result
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	log := config.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Coordinator{
		config: config,
		log:    log.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler for phase. Registrations made after shutdown has
// started are ignored.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		c.log.Warn("handler registered after shutdown started", logging.Fields{"handler": name})
		return
	}
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc registers fn for phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM, together
// with its stop function.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Shutdown runs every phase in ascending order. It returns
// ErrAlreadyShutdown on every call after the first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	start := time.Now()
	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	result.Err = c.run(ctx, handlers, result)
	result.TotalDuration = time.Since(start)

	c.mu.Lock()
	c.result = result
	c.mu.Unlock()
	close(c.done)

	c.log.Info("shutdown complete", logging.Fields{
		"handlers":    len(result.Results),
		"failed":      len(result.FailedHandlers()),
		"duration_ms": result.TotalDuration.Milliseconds(),
	})
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

func (c *Coordinator) run(ctx context.Context, handlers []registration, result *Result) error {
	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	var failed error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return ErrTimeout
		}

		phase := c.runPhase(ctx, group)
		result.Results = append(result.Results, phase...)

		for _, hr := range phase {
			if hr.Err == nil {
				continue
			}
			failed = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return failed
			}
		}
	}
	return failed
}

// runPhase runs one phase concurrently. A panicking handler is reported as
// a failure of that handler only.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup

	for i, reg := range group {
		i, reg := i, reg
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			err := call(ctx, reg.handler)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := logging.Fields{
				"handler":     reg.name,
				"phase":       reg.phase,
				"duration_ms": results[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Error("shutdown handler failed", fields)
				return
			}
			c.log.Debug("shutdown handler done", fields)
		}()
	}

	wg.Wait()
	return results
}

func call(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
