package executor

import (
	"context"

	"goa.design/hensu/runtime/state"
	"goa.design/hensu/runtime/workflow"
)

type (
	// NodeExecutor runs nodes of one kind. Implementations return the node's
	// result for expected outcomes (including agent and tool failures) and an
	// error only for conditions the engine must handle itself: pauses,
	// cancellation and invariant violations.
	NodeExecutor interface {
		Execute(ctx context.Context, node workflow.Node, ec *ExecutionContext) (state.NodeResult, error)
	}

	// GenericHandler supplies the behavior of a Generic node. Handlers are
	// registered on the engine under the node's executor type name.
	GenericHandler func(ctx context.Context, node workflow.Generic, ec *ExecutionContext) (state.NodeResult, error)

	// MergeFunc combines fork path results for joins using the CUSTOM merge
	// strategy. results is keyed by path node ID and order lists those IDs
	// by completion time.
	MergeFunc func(results map[string]state.NodeResult, order []string) (any, error)
)

// defaultExecutors wires the built-in executor for every node kind.
func defaultExecutors() map[workflow.Kind]NodeExecutor {
	return map[workflow.Kind]NodeExecutor{
		workflow.KindStandard:    standardExecutor{},
		workflow.KindParallel:    parallelExecutor{},
		workflow.KindFork:        forkExecutor{},
		workflow.KindJoin:        joinExecutor{},
		workflow.KindLoop:        loopExecutor{},
		workflow.KindAction:      actionExecutor{},
		workflow.KindGeneric:     genericExecutor{},
		workflow.KindSubWorkflow: subWorkflowExecutor{},
		workflow.KindEnd:         endExecutor{},
	}
}
