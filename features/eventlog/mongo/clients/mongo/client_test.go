package mongo

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/hensu/runtime/eventlog"
	"goa.design/hensu/runtime/events"
)

func TestClientAppendAssignsID(t *testing.T) {
	t.Parallel()

	oid := mustOID(t, "000000000000000000000001")
	coll := &fakeCollection{
		insertedID: oid,
	}
	c := &client{coll: coll}

	e := &eventlog.Entry{
		TenantID:    "t1",
		ExecutionID: "exec-1",
		Type:        events.TypeExecutionStarted,
		Payload:     []byte(`{"workflow_id":"memo"}`),
		Timestamp:   time.Unix(1, 0).UTC(),
	}
	err := c.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, oid.Hex(), e.ID)
}

func TestClientAppendValidates(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	ctx := context.Background()

	require.EqualError(t, c.Append(ctx, nil), "entry is required")
	require.EqualError(t, c.Append(ctx, &eventlog.Entry{
		Type: events.TypeExecutionStarted, Timestamp: time.Unix(1, 0),
	}), "execution_id is required")
	require.EqualError(t, c.Append(ctx, &eventlog.Entry{
		ExecutionID: "exec-1", Timestamp: time.Unix(1, 0),
	}), "event type is required")
	require.EqualError(t, c.Append(ctx, &eventlog.Entry{
		ExecutionID: "exec-1", Type: events.TypeExecutionStarted,
	}), "timestamp is required")
}

func TestClientListNextCursor(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name       string
		entryCount int
		limit      int
		wantNext   string
	}
	cases := []testCase{
		{
			name:       "fewer_than_limit",
			entryCount: 2,
			limit:      3,
			wantNext:   "",
		},
		{
			name:       "exactly_limit_no_more",
			entryCount: 3,
			limit:      3,
			wantNext:   "",
		},
		{
			name:       "more_than_limit_has_next",
			entryCount: 4,
			limit:      3,
			wantNext:   "000000000000000000000003",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			executionID := "exec-1"
			coll := &fakeCollection{
				findDocs: fakeEntryDocuments(executionID, tc.entryCount),
			}
			c := &client{coll: coll}

			page, err := c.List(context.Background(), executionID, "", tc.limit)
			require.NoError(t, err)
			assert.Len(t, page.Entries, min(tc.entryCount, tc.limit))
			assert.Equal(t, tc.wantNext, page.NextCursor)

			if tc.wantNext == "" {
				return
			}

			next, err := c.List(context.Background(), executionID, page.NextCursor, tc.limit)
			require.NoError(t, err)
			assert.Len(t, next.Entries, tc.entryCount-tc.limit)
			assert.Empty(t, next.NextCursor)
		})
	}
}

func TestClientListValidates(t *testing.T) {
	t.Parallel()

	c := &client{coll: &fakeCollection{}}
	ctx := context.Background()

	_, err := c.List(ctx, "", "", 10)
	require.EqualError(t, err, "execution_id is required")
	_, err = c.List(ctx, "exec-1", "", 0)
	require.EqualError(t, err, "limit must be > 0")
	_, err = c.List(ctx, "exec-1", "not-hex", 10)
	require.ErrorContains(t, err, `invalid cursor "not-hex"`)
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
	_, err = New(Options{Client: &mongodriver.Client{}})
	require.EqualError(t, err, "database name is required")
}

func fakeEntryDocuments(executionID string, n int) []entryDocument {
	docs := make([]entryDocument, 0, n)
	for i := 1; i <= n; i++ {
		oid := bson.ObjectID{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, byte(i)}
		docs = append(docs, entryDocument{
			ID:          oid,
			TenantID:    "t1",
			ExecutionID: executionID,
			Type:        string(events.TypeStepCompleted),
			Payload:     []byte(`{}`),
			Timestamp:   time.Unix(int64(i), 0).UTC(),
		})
	}
	return docs
}

func mustOID(t *testing.T, hex string) bson.ObjectID {
	t.Helper()

	oid, err := bson.ObjectIDFromHex(hex)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return oid
}

type fakeCollection struct {
	insertedID bson.ObjectID
	findDocs   []entryDocument
}

func (c *fakeCollection) InsertOne(context.Context, any, ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return &mongodriver.InsertOneResult{InsertedID: c.insertedID}, nil
}

func (c *fakeCollection) Find(_ context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	f, ok := filter.(bson.M)
	if !ok {
		return &fakeCursor{}, nil
	}

	executionID, _ := f["execution_id"].(string)
	var after bson.ObjectID
	if id, ok := f["_id"].(bson.M); ok {
		if gt, ok := id["$gt"].(bson.ObjectID); ok {
			after = gt
		}
	}

	filtered := make([]entryDocument, 0, len(c.findDocs))
	for _, doc := range c.findDocs {
		if doc.ExecutionID != executionID {
			continue
		}
		if !after.IsZero() && bytes.Compare(doc.ID[:], after[:]) <= 0 {
			continue
		}
		filtered = append(filtered, doc)
	}

	var fo options.FindOptions
	for _, lister := range opts {
		if lister == nil {
			continue
		}
		for _, set := range lister.List() {
			if set == nil {
				continue
			}
			if err := set(&fo); err != nil {
				return nil, err
			}
		}
	}
	if fo.Limit != nil && *fo.Limit > 0 && int64(len(filtered)) > *fo.Limit {
		filtered = filtered[:*fo.Limit]
	}

	return &fakeCursor{docs: filtered}, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}

type fakeCursor struct {
	docs []entryDocument
	pos  int
	err  error
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	if c.err != nil {
		return c.err
	}
	if c.pos == 0 || c.pos > len(c.docs) {
		return nil
	}
	p, ok := val.(*entryDocument)
	if !ok {
		return nil
	}
	*p = c.docs[c.pos-1]
	return nil
}

func (c *fakeCursor) Err() error {
	return c.err
}

func (c *fakeCursor) Close(context.Context) error {
	return nil
}
