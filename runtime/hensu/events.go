package hensu

import (
	"context"

	"goa.design/hensu/runtime/events"
)

// eventsPageSize bounds each log read while streaming.
const eventsPageSize = 128

// Events streams the stored event history of an execution followed by live
// events as they are appended, oldest-first with no gaps or duplicates. The
// channel closes after the execution's terminal event (execution.completed
// or execution.error) or when ctx is cancelled; a paused execution keeps the
// stream open across Resume. Calling Events on a finished execution replays
// its full history and closes. An unknown execution id yields an open,
// empty stream.
func (env *Environment) Events(ctx context.Context, executionID string) (<-chan events.Envelope, error) {
	env.mu.Lock()
	if env.closed {
		env.mu.Unlock()
		return nil, ErrClosed
	}
	env.mu.Unlock()

	// The subscription only wakes the pump; the log is the single source of
	// delivered events. The recorder registered ahead of every wake
	// subscriber, so by the time a wakeup fires the entry is in the log.
	wake := make(chan struct{}, 1)
	sub, err := env.bus.Register(events.SubscriberFunc(func(_ context.Context, ev events.Event) error {
		if ev.ExecutionID() != executionID {
			return nil
		}
		select {
		case wake <- struct{}{}:
		default:
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}

	out := make(chan events.Envelope)
	go env.pumpEvents(ctx, executionID, sub, wake, out)
	return out, nil
}

// pumpEvents drains the log into out from the last delivered entry forward,
// sleeping on wake between drains.
func (env *Environment) pumpEvents(ctx context.Context, executionID string, sub events.Subscription, wake <-chan struct{}, out chan<- events.Envelope) {
	defer sub.Close()
	defer close(out)
	cursor := ""
	for {
		for {
			page, err := env.log.List(ctx, executionID, cursor, eventsPageSize)
			if err != nil {
				if ctx.Err() == nil {
					env.logger.Error(ctx, "event stream list failed",
						"execution_id", executionID, "err", err)
				}
				return
			}
			if len(page.Entries) == 0 {
				break
			}
			for _, entry := range page.Entries {
				select {
				case out <- entry.Event():
				case <-ctx.Done():
					return
				}
				cursor = entry.ID
				if entry.Type == events.TypeExecutionCompleted || entry.Type == events.TypeExecutionError {
					return
				}
			}
		}
		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
