package pulse

import (
	"context"
	"errors"

	clientspulse "goa.design/hensu/features/stream/pulse/clients/pulse"
	"goa.design/hensu/runtime/events"
)

// Streams wires a caller-provided Pulse client into the hensu runtime. It owns
// a publishing sink (registered on the event bus via events.SinkSubscriber)
// and can spawn subscribers that reuse the same client so services do not need
// to manage multiple Pulse connections.
type Streams struct {
	sink   *Sink
	client clientspulse.Client
}

// StreamsOptions configures the helper returned by NewStreams.
type StreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing. It is
	// required and typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream ID derivation,
	// marshaling, publish callbacks). Leave zero-valued for defaults.
	Sink Options
}

// NewStreams constructs helpers for publishing execution events to Pulse and
// subscribing to the resulting streams. Callers register the returned sink on
// the runtime event bus and keep the helper around to create subscribers
// (e.g., SSE fan-out) later on.
func NewStreams(opts StreamsOptions) (*Streams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &Streams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can register it on the bus.
func (s *Streams) Sink() events.Sink {
	return s.sink
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool for efficiency.
func (s *Streams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = s.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (s *Streams) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
