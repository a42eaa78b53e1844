package bus

import (
	"os"
	"testing"
	"time"
)

// natsURL returns the NATS URL for testing, or skips the test.
func natsURL(t *testing.T) string {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.ConnectTimeout = 2 * time.Second
	cfg.MaxReconnects = 0

	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	bus.Close()
	return url
}

func connect(t *testing.T, url string) *NATSBus {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = url
	bus, err := NewNATSBus(cfg)
	if err != nil {
		t.Fatalf("NewNATSBus error: %v", err)
	}
	return bus
}

// --- Integration Tests ---

func TestNATSBus_PubSub(t *testing.T) {
	bus := connect(t, natsURL(t))
	defer bus.Close()

	sub, err := bus.Subscribe("traitkit.test.shards")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish("traitkit.test.shards", []byte("hello nats")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	bus.Flush()

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello nats" {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_Wildcard(t *testing.T) {
	bus := connect(t, natsURL(t))
	defer bus.Close()

	sub, err := bus.Subscribe("traitkit.test.wild.>")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish("traitkit.test.wild.libA", []byte("a"))
	bus.Flush()

	select {
	case msg := <-sub.Messages():
		if msg.Subject != "traitkit.test.wild.libA" {
			t.Errorf("subject = %q", msg.Subject)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestNATSBus_Unsubscribe(t *testing.T) {
	bus := connect(t, natsURL(t))
	defer bus.Close()

	sub, _ := bus.Subscribe("traitkit.test.unsub")
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("channel should be closed")
	}
}

// --- Failure Tests ---

func TestNATSBus_InvalidURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping in short mode")
	}

	cfg := DefaultNATSConfig()
	cfg.URL = "nats://invalid-host-that-does-not-exist:4222"
	cfg.ConnectTimeout = 500 * time.Millisecond
	cfg.MaxReconnects = 0

	if _, err := NewNATSBus(cfg); err == nil {
		t.Error("expected error for invalid URL")
	}
}

func TestNATSBus_PublishAfterClose(t *testing.T) {
	bus := connect(t, natsURL(t))
	bus.Close()

	if err := bus.Publish("traitkit.test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
