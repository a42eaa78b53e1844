package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a token bucket refilled continuously at capacity/window.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
}

// refill adds the tokens earned since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if add <= 0 {
		return
	}
	b.available += add
	if b.available > b.capacity {
		b.available = b.capacity
	}
	b.lastRefill = now
}

// untilNext returns how long until one more token is earned.
func (b *bucket) untilNext(now time.Time) time.Duration {
	per := b.window / time.Duration(b.capacity)
	if per <= 0 {
		per = time.Millisecond
	}
	d := per - now.Sub(b.lastRefill)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// MemoryLimiter keeps one token bucket per key in process memory.
// It is safe for concurrent use.
type MemoryLimiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	done    chan struct{}
	nowFunc func() time.Time
}

// NewMemoryLimiter creates a limiter whose keys start with cfg's bucket.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
}

// SetCapacity overrides the bucket for one key.
func (m *MemoryLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, key)
		return
	}
	if b, ok := m.buckets[key]; ok {
		b.capacity = capacity
		b.window = window
		if b.available > capacity {
			b.available = capacity
		}
		return
	}
	m.buckets[key] = &bucket{
		capacity:   capacity,
		available:  capacity,
		window:     window,
		lastRefill: m.nowFunc(),
	}
}

// bucketFor returns key's bucket, creating it from the config. It returns
// nil when limiting is disabled. Callers hold m.mu.
func (m *MemoryLimiter) bucketFor(key string) *bucket {
	if b, ok := m.buckets[key]; ok {
		return b
	}
	if !m.config.Enabled() {
		return nil
	}
	b := &bucket{
		capacity:   m.config.Capacity,
		available:  m.config.Capacity,
		window:     m.config.Window,
		lastRefill: m.nowFunc(),
	}
	m.buckets[key] = b
	return b
}

// Allow takes a token for key without blocking.
func (m *MemoryLimiter) Allow(key string) bool {
	ok, _ := m.take(key)
	return ok
}

func (m *MemoryLimiter) take(key string) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, 0
	}
	b := m.bucketFor(key)
	if b == nil {
		return true, 0
	}
	now := m.nowFunc()
	b.refill(now)
	if b.available > 0 {
		b.available--
		return true, 0
	}
	return false, b.untilNext(now)
}

// Wait blocks until a token for key is available.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	for {
		ok, wait := m.take(key)
		if ok {
			return nil
		}
		if wait == 0 {
			return ErrClosed
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-m.done:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

// Forget drops the bucket for key.
func (m *MemoryLimiter) Forget(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

// Capacity returns the bucket state for key.
func (m *MemoryLimiter) Capacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		return nil
	}
	b.refill(m.nowFunc())
	return &Capacity{
		Key:       key,
		Available: b.available,
		Total:     b.capacity,
		Window:    b.window,
	}
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close releases waiters. Closing twice returns ErrClosed.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	close(m.done)
	return nil
}

var _ Limiter = (*MemoryLimiter)(nil)
