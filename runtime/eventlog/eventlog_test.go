package eventlog_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/hensu/runtime/eventlog"
	"goa.design/hensu/runtime/eventlog/inmem"
	"goa.design/hensu/runtime/events"
)

func TestRecorderAppendsBusEvents(t *testing.T) {
	store := inmem.New()
	bus := events.NewBus()
	_, err := bus.Register(eventlog.NewRecorder(store, eventlog.WithRecorderTenant("acme")))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.NewExecutionStarted("exec-1", events.ExecutionStartedPayload{
		TenantID:    "acme",
		WorkflowID:  "review-pipeline",
		StartNodeID: "draft",
	})))
	require.NoError(t, bus.Publish(ctx, events.NewStepCompleted("exec-1", events.StepCompletedPayload{
		PlanID: "p1", StepIndex: 0, Tool: "search", Success: true,
	})))

	page, err := store.List(ctx, "exec-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.Equal(t, events.TypeExecutionStarted, page.Entries[0].Type)
	require.Equal(t, "acme", page.Entries[0].TenantID)

	var p events.StepCompletedPayload
	require.NoError(t, json.Unmarshal(page.Entries[1].Payload, &p))
	require.Equal(t, "search", p.Tool)
}

func TestRecorderSwallowsAppendFailures(t *testing.T) {
	bus := events.NewBus()
	_, err := bus.Register(eventlog.NewRecorder(failingStore{}))
	require.NoError(t, err)

	// A broken log must not fail the publish.
	err = bus.Publish(context.Background(), events.NewExecutionPaused("exec-1", events.ExecutionPausedPayload{NodeID: "draft"}))
	require.NoError(t, err)
}

func TestReplayWalksAllPages(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	for i := 0; i < 300; i++ {
		require.NoError(t, store.Append(ctx, &eventlog.Entry{
			ExecutionID: "exec-1",
			Type:        events.TypeStepStarted,
			Payload:     json.RawMessage(`{"step_index":` + strconv.Itoa(i) + `}`),
		}))
	}

	var seen int
	err := eventlog.Replay(ctx, store, "exec-1", func(ev events.Event) error {
		require.Equal(t, events.TypeStepStarted, ev.EventType())
		require.Equal(t, "exec-1", ev.ExecutionID())
		seen++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 300, seen)
}

func TestReplayStopsOnCallbackError(t *testing.T) {
	store := inmem.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, &eventlog.Entry{ExecutionID: "exec-1", Type: events.TypeStepStarted}))
	}

	stop := errors.New("stop")
	var seen int
	err := eventlog.Replay(ctx, store, "exec-1", func(events.Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, seen)
}

type failingStore struct{}

func (failingStore) Append(context.Context, *eventlog.Entry) error {
	return errors.New("disk full")
}

func (failingStore) List(context.Context, string, string, int) (eventlog.Page, error) {
	return eventlog.Page{}, errors.New("disk full")
}
