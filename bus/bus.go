package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is one payload received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload, usually a JSON envelope.
	Data []byte
}

// MessageBus carries shard submissions and diagnostics between processes.
type MessageBus interface {
	// Publish sends data to every current subscriber of subject.
	Publish(subject string, data []byte) error

	// Subscribe starts receiving messages published to subject.
	Subscribe(subject string) (Subscription, error)

	// Close shuts the bus down and ends every subscription.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages. It is closed when
	// the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription. Calling it again is a no-op.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int

	// DropOnFull discards a message for a subscriber whose buffer is full
	// instead of waiting for it. Shard intake must not lose messages, so
	// the default is to wait.
	DropOnFull bool
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks a subject is non-empty, has no blank tokens and no
// whitespace.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}
