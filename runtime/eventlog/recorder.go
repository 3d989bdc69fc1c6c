package eventlog

import (
	"context"
	"encoding/json"

	"goa.design/hensu/runtime/events"
	"goa.design/hensu/runtime/fault"
	"goa.design/hensu/runtime/telemetry"
)

// Recorder subscribes to an event bus and appends every event to a Store.
// Append failures are logged and swallowed so a degraded log never halts an
// execution; the persisted snapshot remains the correctness anchor.
type Recorder struct {
	store    Store
	tenantID string
	logger   telemetry.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger used to report append failures.
func WithRecorderLogger(l telemetry.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorderTenant stamps appended entries with the tenant identifier.
func WithRecorderTenant(tenantID string) RecorderOption {
	return func(r *Recorder) { r.tenantID = tenantID }
}

// NewRecorder builds a Recorder writing to store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent implements events.Subscriber.
func (r *Recorder) HandleEvent(ctx context.Context, ev events.Event) error {
	entry, err := entryFor(ev, r.tenantID)
	if err != nil {
		r.logger.Error(ctx, "event log: encode failed", "type", ev.EventType(), "error", err)
		return nil
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error(ctx, "event log: append failed", "type", ev.EventType(), "execution_id", ev.ExecutionID(), "error", err)
	}
	return nil
}

func entryFor(ev events.Event, tenantID string) (*Entry, error) {
	var raw json.RawMessage
	switch p := ev.Payload().(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fault.Wrap(fault.PersistenceError, "marshal event payload", err)
		}
		raw = b
	}
	return &Entry{
		TenantID:    tenantID,
		ExecutionID: ev.ExecutionID(),
		Type:        ev.EventType(),
		Payload:     raw,
		Timestamp:   ev.OccurredAt(),
	}, nil
}
