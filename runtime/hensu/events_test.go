package hensu

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/agent"
	"goa.design/hensu/runtime/events"
	"goa.design/hensu/runtime/executor"
	"goa.design/hensu/runtime/review"
	"goa.design/hensu/runtime/workflow"
)

func TestEventsReplaysFinishedExecution(t *testing.T) {
	env := testEnv(t)
	env.Stub().Script("Draft", agent.TextResponse{Content: "the draft", Model: "stub-model"})

	wf := defineWorkflow("memo", "draft",
		stdNode("draft", "writer", "Draft the memo", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)
	wf.Agents = stubConfigs("writer")

	ctx := context.Background()
	res, err := env.Start(ctx, wf, nil)
	require.NoError(t, err)
	done, ok := res.(executor.Completed)
	require.True(t, ok, "got %T", res)

	ch, err := env.Events(ctx, done.State.ExecutionID)
	require.NoError(t, err)

	var seen []events.Envelope
	for ev := range ch {
		seen = append(seen, ev)
	}
	require.Len(t, seen, 2)
	require.Equal(t, events.TypeExecutionStarted, seen[0].EventType())
	require.Equal(t, events.TypeExecutionCompleted, seen[1].EventType())
	require.Equal(t, done.State.ExecutionID, seen[0].ExecutionID())

	var started events.ExecutionStartedPayload
	require.NoError(t, json.Unmarshal(seen[0].Raw, &started))
	require.Equal(t, "memo", started.WorkflowID)

	var completed events.ExecutionCompletedPayload
	require.NoError(t, json.Unmarshal(seen[1].Raw, &completed))
	require.True(t, completed.Success)
	require.Equal(t, "the draft", completed.Output)
}

func TestEventsReplayThenLive(t *testing.T) {
	env := testEnv(t, WithReviewHandler(&pendingOnceReviews{}))

	check := stdNode("check", "writer", "Check the figures", workflow.SuccessRule{Target: "done"})
	check.ReviewConfig = &review.Config{Mode: review.ModeRequired}
	wf := defineWorkflow("audited", "check", check, endNode("done"))
	wf.Agents = stubConfigs("writer")

	ctx := context.Background()
	res, err := env.Start(ctx, wf, nil)
	require.NoError(t, err)
	paused, ok := res.(executor.Paused)
	require.True(t, ok, "got %T", res)
	execID := paused.State.ExecutionID

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ch, err := env.Events(streamCtx, execID)
	require.NoError(t, err)

	// History replays first; the paused event does not close the stream.
	first := <-ch
	require.Equal(t, events.TypeExecutionStarted, first.EventType())
	second := <-ch
	require.Equal(t, events.TypeExecutionPaused, second.EventType())

	go func() {
		_, _ = env.Resume(ctx, DefaultTenantID, execID)
	}()

	var live []events.Envelope
	for ev := range ch {
		live = append(live, ev)
	}
	require.NotEmpty(t, live)
	require.Equal(t, events.TypeExecutionCompleted, live[len(live)-1].EventType())
	for _, ev := range live {
		require.NotEqual(t, events.TypeExecutionStarted, ev.EventType(), "started must not replay twice")
	}
}

func TestEventsCancelClosesStream(t *testing.T) {
	env := testEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := env.Events(ctx, "nobody")
	require.NoError(t, err)

	cancel()
	select {
	case _, open := <-ch:
		require.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestEventsIgnoresOtherExecutions(t *testing.T) {
	env := testEnv(t)
	env.Stub().Script("", agent.TextResponse{Content: "ok", Model: "stub-model"})

	wf := defineWorkflow("memo", "draft",
		stdNode("draft", "writer", "Draft", workflow.SuccessRule{Target: "done"}),
		endNode("done"),
	)
	wf.Agents = stubConfigs("writer")

	ctx := context.Background()
	resA, err := env.Start(ctx, wf, nil)
	require.NoError(t, err)
	resB, err := env.Start(ctx, wf, nil)
	require.NoError(t, err)

	idA := resA.FinalState().ExecutionID
	idB := resB.FinalState().ExecutionID
	require.NotEqual(t, idA, idB)

	ch, err := env.Events(ctx, idA)
	require.NoError(t, err)
	for ev := range ch {
		require.Equal(t, idA, ev.ExecutionID())
	}
}
