package messaging

import (
	"context"
)

// Message is a single queue delivery.
type Message struct {
	// ID is the broker-assigned message id, stable across redeliveries.
	ID      string
	Payload []byte
	// DeliveryCount is how many times this message has been delivered,
	// including the current attempt. 1 on first delivery.
	DeliveryCount int64
}

// Handler processes one message. A nil return acknowledges the message. A
// non-retryable error (validation, configuration, permanent) also
// acknowledges: redelivering cannot change the outcome. A transient error
// leaves the message pending so the queue redelivers it to some consumer once
// its claim idle time elapses.
type Handler func(ctx context.Context, msg Message) error

// Queue is an at-least-once work queue. Each consumer pulls and fully
// processes one message at a time; parallelism comes from running more
// consumers in the same group.
type Queue interface {
	Publish(ctx context.Context, stream string, payload []byte) error
	Consume(ctx context.Context, stream, group, consumer string, handler Handler) error
	Close() error
}
