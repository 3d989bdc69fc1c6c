package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/workflow"
)

const (
	saveWorkflowSQL = `
INSERT INTO workflows (tenant_id, workflow_id, definition, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tenant_id, workflow_id) DO UPDATE SET
    definition = EXCLUDED.definition,
    updated_at = EXCLUDED.updated_at`

	loadWorkflowSQL = `
SELECT definition
  FROM workflows
 WHERE tenant_id = $1 AND workflow_id = $2`

	listWorkflowsSQL = `
SELECT definition
  FROM workflows
 WHERE tenant_id = $1
 ORDER BY workflow_id`
)

// WorkflowStore implements store.WorkflowRepository on PostgreSQL.
// Definitions are stored as their canonical JSON form, so the variant tags
// of the node codec are the schema.
type WorkflowStore struct {
	db *sqlx.DB
}

// NewWorkflowStore returns a Postgres-backed workflow repository over db.
func NewWorkflowStore(db *sqlx.DB) (*WorkflowStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &WorkflowStore{db: db}, nil
}

// SaveWorkflow implements store.WorkflowRepository.
func (s *WorkflowStore) SaveWorkflow(ctx context.Context, tenantID string, wf *workflow.Workflow) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow with id is required")
	}
	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.ID, err)
	}
	if _, err := s.db.ExecContext(ctx, saveWorkflowSQL, tenantID, wf.ID, definition, time.Now().UTC()); err != nil {
		return fmt.Errorf("save workflow %s/%s: %w", tenantID, wf.ID, err)
	}
	return nil
}

// LoadWorkflow implements store.WorkflowRepository.
func (s *WorkflowStore) LoadWorkflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error) {
	var definition []byte
	err := s.db.GetContext(ctx, &definition, loadWorkflowSQL, tenantID, workflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s/%s: %w", tenantID, workflowID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s/%s: %w", tenantID, workflowID, err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(definition, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s/%s: %w", tenantID, workflowID, err)
	}
	return &wf, nil
}

// ListWorkflows implements store.WorkflowRepository. Results are ordered by
// workflow ID.
func (s *WorkflowStore) ListWorkflows(ctx context.Context, tenantID string) ([]*workflow.Workflow, error) {
	var definitions [][]byte
	if err := s.db.SelectContext(ctx, &definitions, listWorkflowsSQL, tenantID); err != nil {
		return nil, fmt.Errorf("list workflows for %s: %w", tenantID, err)
	}
	out := make([]*workflow.Workflow, 0, len(definitions))
	for _, definition := range definitions {
		var wf workflow.Workflow
		if err := json.Unmarshal(definition, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow for %s: %w", tenantID, err)
		}
		out = append(out, &wf)
	}
	return out, nil
}
