// Package inmem provides an in-memory implementation of eventlog.Store.
//
// The in-memory store is intended for tests and local development. It is not
// durable and should not be used in production.
package inmem

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"goa.design/hensu/runtime/eventlog"
)

// Store implements eventlog.Store in memory.
type Store struct {
	mu sync.Mutex
	// per-execution monotonically increasing sequence.
	nextSeq map[string]int64
	// per-execution ordered entries.
	entries map[string][]*eventlog.Entry
}

// New returns a new in-memory event log store.
func New() *Store {
	return &Store{
		nextSeq: make(map[string]int64),
		entries: make(map[string][]*eventlog.Entry),
	}
}

// Append implements eventlog.Store.
func (s *Store) Append(_ context.Context, e *eventlog.Entry) error {
	if e == nil {
		return fmt.Errorf("entry is required")
	}
	if e.ExecutionID == "" {
		return fmt.Errorf("execution_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq[e.ExecutionID] + 1
	s.nextSeq[e.ExecutionID] = seq

	e.ID = strconv.FormatInt(seq, 10)
	entry := *e
	s.entries[e.ExecutionID] = append(s.entries[e.ExecutionID], &entry)
	return nil
}

// List implements eventlog.Store.
func (s *Store) List(_ context.Context, executionID string, cursor string, limit int) (eventlog.Page, error) {
	if executionID == "" {
		return eventlog.Page{}, fmt.Errorf("execution_id is required")
	}
	if limit <= 0 {
		return eventlog.Page{}, fmt.Errorf("limit must be > 0")
	}

	var after int64
	if cursor != "" {
		id, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return eventlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		after = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.entries[executionID]
	if len(all) == 0 {
		return eventlog.Page{}, nil
	}

	start := 0
	if after > 0 {
		// IDs are 1-based sequence numbers, so start at index == after.
		start = int(after)
		if start >= len(all) {
			return eventlog.Page{}, nil
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	entries := append([]*eventlog.Entry(nil), all[start:end]...)
	var next string
	if end < len(all) {
		next = entries[len(entries)-1].ID
	}

	return eventlog.Page{
		Entries:    entries,
		NextCursor: next,
	}, nil
}
