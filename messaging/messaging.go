// Package messaging provides the transport substrate for inter-agent
// communication: immutable envelopes published to named topics, consumed
// under competing consumer groups, and dispatched to handlers by message
// type. Delivery is at-least-once; handlers must tolerate redelivery.
package messaging

import "context"

// MaxMessageBytes is the serialized envelope ceiling. Larger payloads are
// rejected at publish time rather than fragmented.
const MaxMessageBytes = 10 * 1024 * 1024

// Handler processes a single envelope. A handler is invoked with exactly
// one in-flight message per consumer instance.
type Handler func(ctx context.Context, env *Envelope) error

// Publisher sends envelopes to topics. Publish returns only after the
// broker has durably accepted the message; a non-nil error means the
// message was not sent.
type Publisher interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Close() error
}

// Consumer pulls envelopes from the topics it was created with, sharing
// work with other consumers in the same group. Offsets commit on a timer,
// not per message, so a crash can replay a bounded window of messages.
type Consumer interface {
	// Next blocks until an envelope is available, the context is
	// cancelled, or the consumer is closed.
	Next(ctx context.Context) (*Envelope, error)
	Close() error
}

// Broker creates publishers and group consumers over a shared transport.
type Broker interface {
	Publisher() Publisher
	Consumer(topics []string, group string) (Consumer, error)
}
