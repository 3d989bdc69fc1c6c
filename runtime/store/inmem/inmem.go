// Package inmem provides in-memory implementations of the store
// repositories for tests and local development. The state store honors the
// full lease contract — checkpoint saves stamp the lease, terminal saves
// clear it, ClaimStale transfers stale rows atomically — so engine and
// recovery tests exercise the same semantics a durable backend provides.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/workflow"
)

type (
	// WorkflowStore implements store.WorkflowRepository in memory.
	// Definitions are stored by reference; callers must treat a saved
	// definition as immutable.
	WorkflowStore struct {
		mu       sync.RWMutex
		byTenant map[string]map[string]*workflow.Workflow
	}

	// StateStore implements store.StateRepository in memory with full
	// lease semantics. All operations are thread-safe; snapshots are
	// defensively copied on save and load.
	StateStore struct {
		mu   sync.RWMutex
		rows map[store.StateRef]*stateRow
	}

	stateRow struct {
		snap *state.Snapshot
		// serverNodeID is empty when the row is unleased (parked or
		// terminal).
		serverNodeID  string
		lastHeartbeat time.Time
	}
)

// NewWorkflowStore returns an empty in-memory workflow repository.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{byTenant: make(map[string]map[string]*workflow.Workflow)}
}

// SaveWorkflow implements store.WorkflowRepository.
func (s *WorkflowStore) SaveWorkflow(_ context.Context, tenantID string, wf *workflow.Workflow) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow with id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.byTenant[tenantID]
	if !ok {
		tenant = make(map[string]*workflow.Workflow)
		s.byTenant[tenantID] = tenant
	}
	tenant[wf.ID] = wf
	return nil
}

// LoadWorkflow implements store.WorkflowRepository.
func (s *WorkflowStore) LoadWorkflow(_ context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.byTenant[tenantID][workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, store.ErrNotFound)
	}
	return wf, nil
}

// ListWorkflows implements store.WorkflowRepository. Results are ordered by
// workflow ID.
func (s *WorkflowStore) ListWorkflows(_ context.Context, tenantID string) ([]*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant := s.byTenant[tenantID]
	out := make([]*workflow.Workflow, 0, len(tenant))
	for _, wf := range tenant {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Reset clears all stored definitions. Useful for test isolation.
func (s *WorkflowStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant = make(map[string]map[string]*workflow.Workflow)
}

// NewStateStore returns an empty in-memory state repository.
func NewStateStore() *StateStore {
	return &StateStore{rows: make(map[store.StateRef]*stateRow)}
}

// Save implements store.StateRepository. A checkpoint reason stamps the
// lease with serverNodeID and the wall clock; terminal reasons clear it.
func (s *StateStore) Save(_ context.Context, snap *state.Snapshot, serverNodeID string) error {
	if snap == nil {
		return fmt.Errorf("snapshot is required")
	}
	if snap.TenantID == "" || snap.ExecutionID == "" {
		return fmt.Errorf("snapshot tenant_id and execution_id are required")
	}
	if !snap.Reason.Valid() {
		return fmt.Errorf("invalid checkpoint reason %q", snap.Reason)
	}

	row := &stateRow{snap: snap.Clone()}
	if snap.Reason == state.ReasonCheckpoint {
		row.serverNodeID = serverNodeID
		row.lastHeartbeat = time.Now().UTC()
	}

	s.mu.Lock()
	s.rows[store.StateRef{TenantID: snap.TenantID, ExecutionID: snap.ExecutionID}] = row
	s.mu.Unlock()
	return nil
}

// Load implements store.StateRepository.
func (s *StateStore) Load(_ context.Context, tenantID, executionID string) (*state.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[store.StateRef{TenantID: tenantID, ExecutionID: executionID}]
	if !ok {
		return nil, fmt.Errorf("execution state %s/%s: %w", tenantID, executionID, store.ErrNotFound)
	}
	return row.snap.Clone(), nil
}

// Heartbeat implements store.StateRepository.
func (s *StateStore) Heartbeat(_ context.Context, serverNodeID string, now time.Time) ([]store.StateRef, error) {
	if serverNodeID == "" {
		return nil, fmt.Errorf("server_node_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []store.StateRef
	for ref, row := range s.rows {
		if row.serverNodeID == serverNodeID {
			row.lastHeartbeat = now
			refs = append(refs, ref)
		}
	}
	sortRefs(refs)
	return refs, nil
}

// ClaimStale implements store.StateRepository. Rows already claimed by a
// racing sweeper carry a refreshed heartbeat and are skipped, matching the
// UPDATE … RETURNING semantics of the relational backend.
func (s *StateStore) ClaimStale(_ context.Context, serverNodeID string, threshold, now time.Time) ([]store.StateRef, error) {
	if serverNodeID == "" {
		return nil, fmt.Errorf("server_node_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []store.StateRef
	for ref, row := range s.rows {
		if row.serverNodeID == "" || !row.lastHeartbeat.Before(threshold) {
			continue
		}
		row.serverNodeID = serverNodeID
		row.lastHeartbeat = now
		refs = append(refs, ref)
	}
	sortRefs(refs)
	return refs, nil
}

// ListPaused implements store.StateRepository. Results are ordered oldest
// snapshot first.
func (s *StateStore) ListPaused(_ context.Context, tenantID string) ([]store.StateRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type parked struct {
		ref store.StateRef
		at  time.Time
	}
	var rows []parked
	for ref, row := range s.rows {
		if ref.TenantID == tenantID && row.snap.Reason == state.ReasonPaused {
			rows = append(rows, parked{ref: ref, at: row.snap.CreatedAt})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].at.Equal(rows[j].at) {
			return rows[i].ref.ExecutionID < rows[j].ref.ExecutionID
		}
		return rows[i].at.Before(rows[j].at)
	})
	refs := make([]store.StateRef, len(rows))
	for i, r := range rows {
		refs[i] = r.ref
	}
	return refs, nil
}

// Reset clears all stored state. Useful for test isolation.
func (s *StateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[store.StateRef]*stateRow)
}

func sortRefs(refs []store.StateRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TenantID == refs[j].TenantID {
			return refs[i].ExecutionID < refs[j].ExecutionID
		}
		return refs[i].TenantID < refs[j].TenantID
	})
}
