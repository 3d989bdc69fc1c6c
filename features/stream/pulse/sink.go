// Package pulse exposes an events.Sink implementation that publishes execution
// events to goa.design/pulse streams. It mirrors the layering used by existing
// Pulse deployments: services build a Redis client, pass it to the Pulse client,
// and hand the resulting sink to the runtime.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/hensu/features/stream/pulse/clients/pulse"
	"goa.design/hensu/runtime/events"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults to
		// `execution/<ExecutionID>`.
		StreamID func(events.Event) (string, error)
		// MarshalEnvelope allows overriding the envelope serialization (primarily for tests).
		MarshalEnvelope func(envelope) ([]byte, error)
		// OnPublished runs after each successful publish with the stream and
		// entry IDs assigned by Redis. Errors propagate to the Send caller.
		OnPublished func(context.Context, PublishedEvent) error
	}

	// PublishedEvent describes one event successfully written to a Pulse stream.
	PublishedEvent struct {
		// Event is the published runtime event.
		Event events.Event
		// StreamID is the Pulse stream the event was written to.
		StreamID string
		// EntryID is the Redis-assigned stream entry ID.
		EntryID string
	}

	// Sink publishes runtime events into Pulse streams. It delegates
	// serialization to the configured envelope marshaler.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client pulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(events.Event) (string, error)
		marshalEnvelope func(envelope) ([]byte, error)
		onPublished     func(context.Context, PublishedEvent) error
	}

	// envelope wraps runtime events for transmission over Pulse streams.
	// It adds metadata and serializes the event content as JSON.
	envelope struct {
		// Type identifies the event kind (e.g., "step.completed").
		Type string `json:"type"`
		// ExecutionID links the event to a specific workflow execution.
		ExecutionID string `json:"execution_id"`
		// Timestamp records when the event occurred (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed event sink. The Client field in opts is
// required; StreamID and MarshalEnvelope default to the built-in
// implementations if not provided.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{
		client: opts.Client,
		opts:   cfg,
	}, nil
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// ID, wraps the event in an envelope, marshals it to JSON, and publishes it via
// the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event events.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	ts := event.OccurredAt()
	if ts.IsZero() {
		ts = time.Now()
	}
	env := envelope{
		Type:        string(event.EventType()),
		ExecutionID: event.ExecutionID(),
		Timestamp:   ts.UTC(),
		Payload:     event.Payload(),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{
			Event:    event,
			StreamID: streamID,
			EntryID:  entryID,
		})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the underlying
// Pulse client, which may or may not close the Redis connection depending on
// the client implementation.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's execution ID.
// Returns an error if the execution ID is empty.
func defaultStreamID(event events.Event) (string, error) {
	if event.ExecutionID() == "" {
		return "", errors.New("stream event missing execution id")
	}
	return fmt.Sprintf("execution/%s", event.ExecutionID()), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
