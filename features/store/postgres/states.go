package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
)

const (
	saveStateSQL = `
INSERT INTO execution_states (
    tenant_id, execution_id, workflow_id, current_node_id,
    context, history, retry_count, rubric_evaluation, active_plan,
    checkpoint_reason, created_at, server_node_id, last_heartbeat_at
) VALUES (
    :tenant_id, :execution_id, :workflow_id, :current_node_id,
    :context, :history, :retry_count, :rubric_evaluation, :active_plan,
    :checkpoint_reason, :created_at, :server_node_id, :last_heartbeat_at
)
ON CONFLICT (tenant_id, execution_id) DO UPDATE SET
    workflow_id       = EXCLUDED.workflow_id,
    current_node_id   = EXCLUDED.current_node_id,
    context           = EXCLUDED.context,
    history           = EXCLUDED.history,
    retry_count       = EXCLUDED.retry_count,
    rubric_evaluation = EXCLUDED.rubric_evaluation,
    active_plan       = EXCLUDED.active_plan,
    checkpoint_reason = EXCLUDED.checkpoint_reason,
    created_at        = EXCLUDED.created_at,
    server_node_id    = EXCLUDED.server_node_id,
    last_heartbeat_at = EXCLUDED.last_heartbeat_at`

	loadStateSQL = `
SELECT tenant_id, execution_id, workflow_id, current_node_id,
       context, history, retry_count, rubric_evaluation, active_plan,
       checkpoint_reason, created_at
  FROM execution_states
 WHERE tenant_id = $1 AND execution_id = $2`

	heartbeatSQL = `
UPDATE execution_states
   SET last_heartbeat_at = $1
 WHERE server_node_id = $2
RETURNING tenant_id, execution_id`

	claimStaleSQL = `
UPDATE execution_states
   SET server_node_id = $1, last_heartbeat_at = $2
 WHERE server_node_id IS NOT NULL AND last_heartbeat_at < $3
RETURNING tenant_id, execution_id`

	// The current_node_id predicate is redundant for paused rows but lets
	// the planner use the partial index on active executions.
	listPausedSQL = `
SELECT tenant_id, execution_id
  FROM execution_states
 WHERE tenant_id = $1
   AND checkpoint_reason = 'paused'
   AND current_node_id IS NOT NULL
 ORDER BY created_at, execution_id`
)

type (
	// StateStore implements store.StateRepository on PostgreSQL. One row
	// per (tenant, execution), upserted on save. Lease transitions ride on
	// single statements, so correctness holds under read-committed
	// isolation with no application locks.
	StateStore struct {
		db *sqlx.DB
	}

	stateRow struct {
		TenantID         string         `db:"tenant_id"`
		ExecutionID      string         `db:"execution_id"`
		WorkflowID       string         `db:"workflow_id"`
		CurrentNodeID    sql.NullString `db:"current_node_id"`
		Context          []byte         `db:"context"`
		History          []byte         `db:"history"`
		RetryCount       int            `db:"retry_count"`
		RubricEvaluation []byte         `db:"rubric_evaluation"`
		ActivePlan       []byte         `db:"active_plan"`
		Reason           string         `db:"checkpoint_reason"`
		CreatedAt        time.Time      `db:"created_at"`
		ServerNodeID     sql.NullString `db:"server_node_id"`
		LastHeartbeatAt  sql.NullTime   `db:"last_heartbeat_at"`
	}

	refRow struct {
		TenantID    string `db:"tenant_id"`
		ExecutionID string `db:"execution_id"`
	}
)

// NewStateStore returns a Postgres-backed state repository over db.
func NewStateStore(db *sqlx.DB) (*StateStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &StateStore{db: db}, nil
}

// Save implements store.StateRepository. A checkpoint reason stamps the
// lease columns with serverNodeID and the wall clock; terminal reasons write
// NULL into both, releasing the row.
func (s *StateStore) Save(ctx context.Context, snap *state.Snapshot, serverNodeID string) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	if snap.TenantID == "" || snap.ExecutionID == "" {
		return fmt.Errorf("snapshot tenant_id and execution_id are required")
	}
	if !snap.Reason.Valid() {
		return fmt.Errorf("invalid checkpoint reason %q", snap.Reason)
	}

	row, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if snap.Reason == state.ReasonCheckpoint && serverNodeID != "" {
		row.ServerNodeID = sql.NullString{String: serverNodeID, Valid: true}
		row.LastHeartbeatAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}

	if _, err := s.db.NamedExecContext(ctx, saveStateSQL, row); err != nil {
		return fmt.Errorf("save execution state %s/%s: %w", snap.TenantID, snap.ExecutionID, err)
	}
	return nil
}

// Load implements store.StateRepository.
func (s *StateStore) Load(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	var row stateRow
	err := s.db.GetContext(ctx, &row, loadStateSQL, tenantID, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution state %s/%s: %w", tenantID, executionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load execution state %s/%s: %w", tenantID, executionID, err)
	}
	return decodeSnapshot(&row)
}

// Heartbeat implements store.StateRepository. A single bulk UPDATE refreshes
// every row leased by serverNodeID.
func (s *StateStore) Heartbeat(ctx context.Context, serverNodeID string, now time.Time) ([]store.StateRef, error) {
	if serverNodeID == "" {
		return nil, fmt.Errorf("server_node_id is required")
	}
	var rows []refRow
	if err := s.db.SelectContext(ctx, &rows, heartbeatSQL, now.UTC(), serverNodeID); err != nil {
		return nil, fmt.Errorf("heartbeat for %s: %w", serverNodeID, err)
	}
	return toRefs(rows), nil
}

// ClaimStale implements store.StateRepository. The claim is one atomic
// UPDATE … RETURNING: a racing sweeper sees the refreshed heartbeat and
// skips the row, so two claimers never both obtain it.
func (s *StateStore) ClaimStale(ctx context.Context, serverNodeID string, threshold, now time.Time) ([]store.StateRef, error) {
	if serverNodeID == "" {
		return nil, fmt.Errorf("server_node_id is required")
	}
	var rows []refRow
	if err := s.db.SelectContext(ctx, &rows, claimStaleSQL, serverNodeID, now.UTC(), threshold.UTC()); err != nil {
		return nil, fmt.Errorf("claim stale leases for %s: %w", serverNodeID, err)
	}
	return toRefs(rows), nil
}

// ListPaused implements store.StateRepository. Results are ordered oldest
// snapshot first.
func (s *StateStore) ListPaused(ctx context.Context, tenantID string) ([]store.StateRef, error) {
	var rows []refRow
	if err := s.db.SelectContext(ctx, &rows, listPausedSQL, tenantID); err != nil {
		return nil, fmt.Errorf("list paused executions for %s: %w", tenantID, err)
	}
	refs := make([]store.StateRef, len(rows))
	for i, r := range rows {
		refs[i] = store.StateRef{TenantID: r.TenantID, ExecutionID: r.ExecutionID}
	}
	return refs, nil
}

func encodeSnapshot(snap *state.Snapshot) (*stateRow, error) {
	row := &stateRow{
		TenantID:    snap.TenantID,
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		RetryCount:  snap.RetryCount,
		Reason:      string(snap.Reason),
		CreatedAt:   snap.CreatedAt.UTC(),
	}
	if snap.CurrentNodeID != "" {
		row.CurrentNodeID = sql.NullString{String: snap.CurrentNodeID, Valid: true}
	}
	var err error
	if row.Context, err = json.Marshal(snap.Context); err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	if row.History, err = json.Marshal(snap.History); err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	if row.RubricEvaluation, err = json.Marshal(snap.RubricEvaluation); err != nil {
		return nil, fmt.Errorf("marshal rubric evaluation: %w", err)
	}
	if row.ActivePlan, err = json.Marshal(snap.ActivePlan); err != nil {
		return nil, fmt.Errorf("marshal active plan: %w", err)
	}
	return row, nil
}

func decodeSnapshot(row *stateRow) (*state.Snapshot, error) {
	snap := &state.Snapshot{
		TenantID:      row.TenantID,
		ExecutionID:   row.ExecutionID,
		WorkflowID:    row.WorkflowID,
		CurrentNodeID: row.CurrentNodeID.String,
		RetryCount:    row.RetryCount,
		CreatedAt:     row.CreatedAt.UTC(),
		Reason:        state.Reason(row.Reason),
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &snap.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(row.History) > 0 {
		if err := json.Unmarshal(row.History, &snap.History); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	if len(row.RubricEvaluation) > 0 {
		if err := json.Unmarshal(row.RubricEvaluation, &snap.RubricEvaluation); err != nil {
			return nil, fmt.Errorf("unmarshal rubric evaluation: %w", err)
		}
	}
	if len(row.ActivePlan) > 0 {
		if err := json.Unmarshal(row.ActivePlan, &snap.ActivePlan); err != nil {
			return nil, fmt.Errorf("unmarshal active plan: %w", err)
		}
	}
	return snap, nil
}

// toRefs converts and sorts scanned rows. UPDATE … RETURNING has no stable
// order, so refs are sorted here for deterministic results.
func toRefs(rows []refRow) []store.StateRef {
	refs := make([]store.StateRef, len(rows))
	for i, r := range rows {
		refs[i] = store.StateRef{TenantID: r.TenantID, ExecutionID: r.ExecutionID}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TenantID == refs[j].TenantID {
			return refs[i].ExecutionID < refs[j].ExecutionID
		}
		return refs[i].TenantID < refs[j].TenantID
	})
	return refs
}
