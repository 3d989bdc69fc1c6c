// Package eventlog provides a durable, append-only log of execution events.
//
// The event log is the canonical record for execution introspection and
// replay. Engines append events as executions progress and callers list them
// using opaque cursors.
package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/hensu/runtime/events"
)

type (
	// Entry is a single immutable event appended to the log.
	//
	// Store implementations assign the ID when persisting. IDs are opaque,
	// monotonically ordered within an execution, and suitable for
	// cursor-based pagination.
	Entry struct {
		// ID is the store-assigned opaque identifier for this entry.
		ID string
		// TenantID scopes the execution.
		TenantID string
		// ExecutionID is the execution this entry belongs to.
		ExecutionID string
		// Type is the event type.
		Type events.Type
		// Payload is the canonical JSON-encoded payload.
		Payload json.RawMessage
		// Timestamp is the event time.
		Timestamp time.Time
	}

	// Page is a forward page of log entries.
	Page struct {
		// Entries are ordered oldest-first.
		Entries []*Entry
		// NextCursor fetches the next page; empty when there are no
		// further entries.
		NextCursor string
	}

	// Store is an append-only event store.
	//
	// Implementations must provide stable ordering within an execution.
	// Cursor values are store-owned and opaque to callers.
	Store interface {
		// Append stores the entry. Implementations assign the entry ID and
		// persist the payload verbatim. Failures surface to callers so
		// engines can decide whether to fail fast.
		Append(ctx context.Context, e *Entry) error

		// List returns the next forward page of entries for the execution.
		// Cursor is an opaque value from a previous List (or empty to
		// start from the beginning). Limit must be greater than zero.
		List(ctx context.Context, executionID string, cursor string, limit int) (Page, error)
	}
)

// Event reconstructs the bus event this entry recorded. The payload stays in
// its raw JSON form.
func (e *Entry) Event() events.Envelope {
	return events.Envelope{
		EnvelopeType: e.Type,
		Execution:    e.ExecutionID,
		At:           e.Timestamp,
		Raw:          e.Payload,
	}
}

// Replay pages through the stored events of an execution oldest-first and
// invokes fn for each. It stops early when fn or the store returns an error.
func Replay(ctx context.Context, store Store, executionID string, fn func(events.Event) error) error {
	const pageSize = 128
	cursor := ""
	for {
		page, err := store.List(ctx, executionID, cursor, pageSize)
		if err != nil {
			return err
		}
		for _, entry := range page.Entries {
			if err := fn(entry.Event()); err != nil {
				return err
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
