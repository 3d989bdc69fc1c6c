// Package store defines the persistence contracts for workflow definitions
// and execution state snapshots.
//
// Execution ownership is lease-based: a checkpoint save stamps the saving
// node's identifier and heartbeat time onto the row, terminal saves clear
// both. A row with a null lease is either safely parked or finished; a row
// whose heartbeat goes stale belongs to a dead node and may be claimed by a
// sweeper. Correctness never relies on application-level locking, only on
// the atomicity of the claim operation.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

// ErrNotFound reports a missing workflow or execution state. Repository
// implementations wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("not found")

type (
	// StateRef identifies one persisted execution state.
	StateRef struct {
		// TenantID scopes the execution.
		TenantID string
		// ExecutionID identifies the execution within the tenant.
		ExecutionID string
	}

	// WorkflowRepository stores workflow definitions, scoped by tenant.
	WorkflowRepository interface {
		// SaveWorkflow upserts the definition keyed by (tenant, workflow id).
		SaveWorkflow(ctx context.Context, tenantID string, wf *workflow.Workflow) error
		// LoadWorkflow returns the definition or ErrNotFound.
		LoadWorkflow(ctx context.Context, tenantID, workflowID string) (*workflow.Workflow, error)
		// ListWorkflows returns every definition for the tenant.
		ListWorkflows(ctx context.Context, tenantID string) ([]*workflow.Workflow, error)
	}

	// StateRepository stores execution snapshots, one row per
	// (tenant, execution), upserted on save.
	StateRepository interface {
		// Save upserts the snapshot. A checkpoint reason stamps the lease
		// columns with serverNodeID and the current time; terminal reasons
		// (completed, paused, failed, rejected) clear them.
		Save(ctx context.Context, snap *state.Snapshot, serverNodeID string) error

		// Load returns the latest snapshot or ErrNotFound.
		Load(ctx context.Context, tenantID, executionID string) (*state.Snapshot, error)

		// Heartbeat refreshes last_heartbeat_at to now on every row leased
		// by serverNodeID and returns the refs it refreshed. Callers use an
		// unexpectedly short result to detect lost leases.
		Heartbeat(ctx context.Context, serverNodeID string, now time.Time) ([]StateRef, error)

		// ClaimStale atomically transfers every row whose lease heartbeat
		// is older than threshold to serverNodeID and returns the claimed
		// refs. Two racing claimers never both obtain the same row.
		ClaimStale(ctx context.Context, serverNodeID string, threshold, now time.Time) ([]StateRef, error)

		// ListPaused returns refs for the tenant's executions parked with
		// reason paused, oldest first.
		ListPaused(ctx context.Context, tenantID string) ([]StateRef, error)
	}
)
