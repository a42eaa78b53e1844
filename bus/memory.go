package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool
}

type memorySub struct {
	subject string
	ch      chan *Message
	done    chan struct{}
	bus     *MemoryBus

	// sendMu is held for reading while a publisher sends on ch, and for
	// writing when ch is closed.
	sendMu sync.RWMutex
	once   sync.Once
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
		subs:   make(map[string][]*memorySub),
	}
}

// Publish sends a message to all subscribers of subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[subject]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		// Each subscriber gets its own copy so one cannot see another's
		// mutations.
		msg := &Message{
			Subject: subject,
			Data:    append([]byte(nil), data...),
		}
		sub.send(msg, b.config.DropOnFull)
	}
	return nil
}

func (s *memorySub) send(msg *Message, drop bool) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	select {
	case <-s.done:
		return
	default:
	}

	if drop {
		select {
		case s.ch <- msg:
		default:
		}
		return
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// Close shuts down the bus and ends all subscriptions.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string][]*memorySub)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			sub.end()
		}
	}
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	s.bus.removeSub(s)
	s.end()
	return nil
}

// end stops deliveries, waits for in-flight sends and closes the channel.
func (s *memorySub) end() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (b *MemoryBus) removeSub(target *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.subject]) == 0 {
		delete(b.subs, target.subject)
	}
}
