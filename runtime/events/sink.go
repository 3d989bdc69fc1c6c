package events

import "context"

type (
	// Sink delivers events to an external transport such as a Redis stream
	// or a message broker. Sinks own their connection lifecycle; Close
	// flushes and releases it.
	Sink interface {
		// Send delivers one event. Implementations decide their own
		// durability and retry semantics.
		Send(ctx context.Context, event Event) error
		// Close releases the sink's resources.
		Close(ctx context.Context) error
	}

	sinkSubscriber struct {
		sink Sink
	}
)

// SinkSubscriber adapts a Sink into a bus Subscriber so external transports
// can be registered alongside in-process consumers. Send errors propagate to
// the publisher; register sinks last if earlier subscribers must not be
// skipped on transport failures.
func SinkSubscriber(s Sink) Subscriber {
	return sinkSubscriber{sink: s}
}

// HandleEvent implements Subscriber.
func (s sinkSubscriber) HandleEvent(ctx context.Context, event Event) error {
	return s.sink.Send(ctx, event)
}
