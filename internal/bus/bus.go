// Package bus provides the durable message transport between the
// orchestrator and its worker agents. The NATS JetStream implementation is
// used in deployments; the in-memory implementation backs single-process
// development mode and tests. Both deliver at-least-once: a handler error
// leaves the message unacknowledged and it is redelivered.
package bus

import "context"

// Handler processes one delivery. A nil return acknowledges the message; an
// error negatively acknowledges it for redelivery. Handlers that want to
// drop a poison message (for example one that fails to decode) must return
// nil after recording the problem.
type Handler func(ctx context.Context, subject string, data []byte) error

// Subscription represents an active consumer.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport contract shared by the JetStream and memory
// implementations.
type Bus interface {
	// Publish persists a message and waits for the broker's confirm. A
	// non-empty msgID enables broker-side dedup within the duplicate window.
	Publish(ctx context.Context, subject, msgID string, data []byte) error

	// QueueSubscribe creates a durable consumer in the given queue group.
	// Each message is delivered to one member of the group.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Close drains and closes the transport.
	Close()

	// IsConnected reports whether the transport is usable.
	IsConnected() bool
}
