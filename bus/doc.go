// Package bus provides the subject-based message transport used by the
// event bus, the dispatcher and heartbeats.
//
// # Implementations
//
//   - NATSBus: NATS core pub/sub, for multi-process deployments
//   - MemoryBus: in-process channels, for tests and single-node runs
//
// Both follow NATS subject rules: tokens are dot separated, "*" matches a
// single token and ">" matches the remainder.
//
// # Patterns
//
// Pub/Sub, every subscriber sees every message:
//
//	sub, _ := b.Subscribe("events.task")
//	for msg := range sub.Messages() {
//	    // handle msg.Data
//	}
//
// Queue groups, each message goes to one member:
//
//	sub, _ := b.QueueSubscribe("tasks.results", "dispatchers")
//
// # Backpressure
//
// Publish never blocks. When a subscriber's buffer is full the message is
// dropped for that subscriber and Config.OnDrop is invoked.
package bus
