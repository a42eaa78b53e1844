// Package intake carries shard submissions over a message bus.
//
// Generators that run in another process publish an Envelope per library (or
// a raw rustdoc implementor script) with Publish or PublishScript. A server
// runs a Relay that decodes envelopes and forwards them to every live page.
// Envelopes received before a page exists are retained and replayed to it
// when it is added, so late page views still see every shard.
package intake
