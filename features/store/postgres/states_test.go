package postgres

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
)

func newMockStateStore(t *testing.T) (*StateStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := NewStateStore(sqlx.NewDb(db, "pgx"))
	require.NoError(t, err)
	return st, mock
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func checkpointSnapshot() *state.Snapshot {
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &state.Snapshot{
		TenantID:      "t1",
		ExecutionID:   "e1",
		WorkflowID:    "memo",
		CurrentNodeID: "draft",
		Context:       map[string]any{"topic": "q3 earnings"},
		History: []state.Step{
			{NodeID: "draft", Result: state.Success("the draft"), Timestamp: ts},
		},
		RetryCount: 2,
		CreatedAt:  ts,
		Reason:     state.ReasonCheckpoint,
	}
}

func TestSaveCheckpointStampsLease(t *testing.T) {
	st, mock := newMockStateStore(t)
	snap := checkpointSnapshot()

	mock.ExpectExec("INSERT INTO execution_states").
		WithArgs(
			"t1", "e1", "memo", "draft",
			mustJSON(t, snap.Context), mustJSON(t, snap.History), 2,
			[]byte("null"), []byte("null"),
			"checkpoint", snap.CreatedAt,
			"node-1", sqlmock.AnyArg(),
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.Save(context.Background(), snap, "node-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTerminalClearsLease(t *testing.T) {
	st, mock := newMockStateStore(t)
	snap := checkpointSnapshot()
	snap.Reason = state.ReasonCompleted

	mock.ExpectExec("INSERT INTO execution_states").
		WithArgs(
			"t1", "e1", "memo", "draft",
			mustJSON(t, snap.Context), mustJSON(t, snap.History), 2,
			[]byte("null"), []byte("null"),
			"completed", snap.CreatedAt,
			nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.Save(context.Background(), snap, "node-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWithoutNodeLeavesRowUnleased(t *testing.T) {
	st, mock := newMockStateStore(t)
	snap := checkpointSnapshot()

	mock.ExpectExec("INSERT INTO execution_states").
		WithArgs(
			"t1", "e1", "memo", "draft",
			mustJSON(t, snap.Context), mustJSON(t, snap.History), 2,
			[]byte("null"), []byte("null"),
			"checkpoint", snap.CreatedAt,
			nil, nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.Save(context.Background(), snap, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveValidatesSnapshot(t *testing.T) {
	st, _ := newMockStateStore(t)
	ctx := context.Background()

	require.EqualError(t, st.Save(ctx, nil, "node-1"), "snapshot is required")

	snap := checkpointSnapshot()
	snap.TenantID = ""
	require.EqualError(t, st.Save(ctx, snap, "node-1"), "snapshot tenant_id and execution_id are required")

	snap = checkpointSnapshot()
	snap.Reason = "archived"
	require.EqualError(t, st.Save(ctx, snap, "node-1"), `invalid checkpoint reason "archived"`)
}

func TestLoadDecodesSnapshot(t *testing.T) {
	st, mock := newMockStateStore(t)
	snap := checkpointSnapshot()
	snap.ActivePlan = &state.PlanSnapshot{
		PlanID: "plan-1",
		Goal:   "gather figures",
		Steps: []state.PlanStepSnapshot{
			{Index: 0, Tool: "fetch", Arguments: map[string]any{"url": "https://example.com"}, Status: "pending"},
		},
	}

	cols := []string{
		"tenant_id", "execution_id", "workflow_id", "current_node_id",
		"context", "history", "retry_count", "rubric_evaluation", "active_plan",
		"checkpoint_reason", "created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(loadStateSQL)).
		WithArgs("t1", "e1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"t1", "e1", "memo", "draft",
			mustJSON(t, snap.Context), mustJSON(t, snap.History), 2,
			[]byte("null"), mustJSON(t, snap.ActivePlan),
			"checkpoint", snap.CreatedAt,
		))

	got, err := st.Load(context.Background(), "t1", "e1")
	require.NoError(t, err)
	require.Equal(t, snap.TenantID, got.TenantID)
	require.Equal(t, snap.ExecutionID, got.ExecutionID)
	require.Equal(t, snap.WorkflowID, got.WorkflowID)
	require.Equal(t, snap.CurrentNodeID, got.CurrentNodeID)
	require.Equal(t, snap.Context, got.Context)
	require.Equal(t, snap.History, got.History)
	require.Equal(t, snap.RetryCount, got.RetryCount)
	require.Nil(t, got.RubricEvaluation)
	require.Equal(t, snap.ActivePlan, got.ActivePlan)
	require.Equal(t, state.ReasonCheckpoint, got.Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadMissingIsNotFound(t *testing.T) {
	st, mock := newMockStateStore(t)

	cols := []string{
		"tenant_id", "execution_id", "workflow_id", "current_node_id",
		"context", "history", "retry_count", "rubric_evaluation", "active_plan",
		"checkpoint_reason", "created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(loadStateSQL)).
		WithArgs("t1", "missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := st.Load(context.Background(), "t1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatRefreshesOwnedRows(t *testing.T) {
	st, mock := newMockStateStore(t)
	now := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(heartbeatSQL)).
		WithArgs(now, "node-1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "execution_id"}).
			AddRow("t1", "e2").
			AddRow("t1", "e1"))

	refs, err := st.Heartbeat(context.Background(), "node-1", now)
	require.NoError(t, err)
	require.Equal(t, []store.StateRef{
		{TenantID: "t1", ExecutionID: "e1"},
		{TenantID: "t1", ExecutionID: "e2"},
	}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatRequiresNode(t *testing.T) {
	st, _ := newMockStateStore(t)
	_, err := st.Heartbeat(context.Background(), "", time.Now())
	require.EqualError(t, err, "server_node_id is required")
}

func TestClaimStaleTransfersRows(t *testing.T) {
	st, mock := newMockStateStore(t)
	now := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	threshold := now.Add(-90 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(claimStaleSQL)).
		WithArgs("node-2", now, threshold).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "execution_id"}).
			AddRow("t1", "e1"))

	refs, err := st.ClaimStale(context.Background(), "node-2", threshold, now)
	require.NoError(t, err)
	require.Equal(t, []store.StateRef{{TenantID: "t1", ExecutionID: "e1"}}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimStaleWithNothingStale(t *testing.T) {
	st, mock := newMockStateStore(t)
	now := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	threshold := now.Add(-90 * time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(claimStaleSQL)).
		WithArgs("node-2", now, threshold).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "execution_id"}))

	refs, err := st.ClaimStale(context.Background(), "node-2", threshold, now)
	require.NoError(t, err)
	require.Empty(t, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimStaleRequiresNode(t *testing.T) {
	st, _ := newMockStateStore(t)
	_, err := st.ClaimStale(context.Background(), "", time.Now(), time.Now())
	require.EqualError(t, err, "server_node_id is required")
}

func TestListPausedOrdersOldestFirst(t *testing.T) {
	st, mock := newMockStateStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(listPausedSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "execution_id"}).
			AddRow("t1", "old").
			AddRow("t1", "recent"))

	refs, err := st.ListPaused(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, []store.StateRef{
		{TenantID: "t1", ExecutionID: "old"},
		{TenantID: "t1", ExecutionID: "recent"},
	}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewStateStoreRequiresDB(t *testing.T) {
	_, err := NewStateStore(nil)
	require.EqualError(t, err, "db is required")
}
