package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/hensu/features/eventlog/mongo/clients/mongo"
	"goa.design/hensu/runtime/eventlog"
)

// Store implements eventlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed event log store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, e *eventlog.Entry) error {
	return s.client.Append(ctx, e)
}

// List implements eventlog.Store.
func (s *Store) List(ctx context.Context, executionID string, cursor string, limit int) (eventlog.Page, error) {
	return s.client.List(ctx, executionID, cursor, limit)
}
