package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Wait once the limiter is closed.
var ErrClosed = errors.New("limiter closed")

// Limiter throttles shard submissions per key. Keys are page view ids for
// renderer sessions and remote hosts for the HTTP publish endpoint.
type Limiter interface {
	// Allow takes a token for key without blocking.
	Allow(key string) bool

	// Wait blocks until a token for key is available or ctx ends.
	Wait(ctx context.Context, key string) error

	// Forget drops the bucket for key.
	Forget(key string)

	// Capacity returns the bucket state for key, or nil if key has no
	// bucket yet.
	Capacity(key string) *Capacity

	// Close releases waiters. Allow reports false afterwards.
	Close() error
}

// Capacity describes one key's bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
}

// Config sets the bucket every new key starts with.
type Config struct {
	// Capacity is the number of tokens per window. Zero or less disables
	// limiting.
	// Default: 100
	Capacity int

	// Window is the refill period.
	// Default: 1 second
	Window time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity: 100,
		Window:   time.Second,
	}
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.Capacity > 0 && c.Window > 0
}
