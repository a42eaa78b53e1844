// Package bus provides the message bus used for shard intake across processes.
//
// # Overview
//
// Shard generators and loaders that run outside the server publish shard
// envelopes on a subject; the server subscribes and relays them into every
// live page (see package intake). Diagnostics can be published the same way
// (diag.BusSink). All implementations use channel-based subscriptions.
//
// # Available Implementations
//
//   - NATSBus: NATS-backed bus for multi-process deployments
//   - MemoryBus: in-memory bus for tests and single-process use
//
// # Usage
//
//	mb := bus.NewMemoryBus(bus.DefaultConfig())
//	sub, _ := mb.Subscribe("traitkit.shards")
//	go func() {
//	    for msg := range sub.Messages() {
//	        // decode msg.Data
//	    }
//	}()
//	mb.Publish("traitkit.shards", data)
//
// # Delivery
//
// Every subscriber of a subject receives every message published after it
// subscribed, in publish order. By default a publisher waits for a slow
// subscriber rather than dropping; set Config.DropOnFull for best-effort
// subjects such as diagnostics.
package bus
