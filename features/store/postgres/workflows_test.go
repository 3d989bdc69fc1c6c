package postgres

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/store"
	"goa.design/hensu/runtime/workflow"
)

func newMockWorkflowStore(t *testing.T) (*WorkflowStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st, err := NewWorkflowStore(sqlx.NewDb(db, "pgx"))
	require.NoError(t, err)
	return st, mock
}

func memoWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:          "memo",
		Name:        "Memo drafting",
		StartNodeID: "draft",
		Nodes: workflow.NodeSet{
			"draft": workflow.Standard{
				Base: workflow.Base{
					ID:          "draft",
					Transitions: workflow.Rules{workflow.SuccessRule{Target: "done"}},
				},
				AgentID: "writer",
				Prompt:  "Summarize {{topic}}",
			},
			"done": workflow.End{
				Base:       workflow.Base{ID: "done"},
				ExitStatus: state.StatusSuccess,
			},
		},
		Agents: map[string]agent.Config{"writer": {Model: "stub-model"}},
	}
}

func TestSaveWorkflowUpserts(t *testing.T) {
	st, mock := newMockWorkflowStore(t)
	wf := memoWorkflow()

	mock.ExpectExec("INSERT INTO workflows").
		WithArgs("t1", "memo", mustJSON(t, wf), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.SaveWorkflow(context.Background(), "t1", wf))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveWorkflowValidates(t *testing.T) {
	st, _ := newMockWorkflowStore(t)
	ctx := context.Background()

	require.EqualError(t, st.SaveWorkflow(ctx, "", memoWorkflow()), "tenant_id is required")
	require.EqualError(t, st.SaveWorkflow(ctx, "t1", nil), "workflow with id is required")
	require.EqualError(t, st.SaveWorkflow(ctx, "t1", &workflow.Workflow{}), "workflow with id is required")
}

func TestLoadWorkflowDecodesDefinition(t *testing.T) {
	st, mock := newMockWorkflowStore(t)
	wf := memoWorkflow()

	mock.ExpectQuery(regexp.QuoteMeta(loadWorkflowSQL)).
		WithArgs("t1", "memo").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).AddRow(mustJSON(t, wf)))

	got, err := st.LoadWorkflow(context.Background(), "t1", "memo")
	require.NoError(t, err)
	require.Equal(t, wf, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadWorkflowMissingIsNotFound(t *testing.T) {
	st, mock := newMockWorkflowStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(loadWorkflowSQL)).
		WithArgs("t1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}))

	_, err := st.LoadWorkflow(context.Background(), "t1", "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListWorkflowsDecodesAll(t *testing.T) {
	st, mock := newMockWorkflowStore(t)
	first := memoWorkflow()
	second := memoWorkflow()
	second.ID = "review"

	mock.ExpectQuery(regexp.QuoteMeta(listWorkflowsSQL)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"definition"}).
			AddRow(mustJSON(t, first)).
			AddRow(mustJSON(t, second)))

	got, err := st.ListWorkflows(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "memo", got[0].ID)
	require.Equal(t, "review", got[1].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWorkflowStoreRequiresDB(t *testing.T) {
	_, err := NewWorkflowStore(nil)
	require.EqualError(t, err, "db is required")
}
